package reactctrl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

var DiscoveryModel = resource.NewModel("devrel", "reactctrl", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	Baudrate  int `json:"baudrate,omitempty"`
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

type servoDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger

	baudrate int
	timeout  time.Duration

	listPorts func() []string
	open      func(port string, baudrate int, timeout time.Duration) (*feetech.Bus, error)
}

func newDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	timeout := 500 * time.Millisecond
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	baudrate := cfg.Baudrate
	if baudrate == 0 {
		baudrate = defaultBaudrate
	}
	return &servoDiscovery{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		baudrate:  baudrate,
		timeout:   timeout,
		listPorts: enumerateSerialPorts,
		open:      openServoBus,
	}, nil
}

// DiscoverResources scans serial ports for a servo chain and returns a
// controller configuration for each one found.
func (dis *servoDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting servo chain discovery")

	allPorts := dis.listPorts()
	dis.logger.Debugf("Found %d total serial ports", len(allPorts))

	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered to %d candidate ports", len(candidates))

	var allConfigs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		if cfg, ok := dis.discoverPort(ctx, portPath); ok {
			allConfigs = append(allConfigs, cfg)
		}
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No servo chains discovered")
	} else {
		dis.logger.Infof("Discovered %d controller configurations", len(allConfigs))
	}
	return allConfigs, nil
}

func (dis *servoDiscovery) discoverPort(ctx context.Context, portPath string) (resource.Config, bool) {
	dis.logger.Debugf("Checking port %s", portPath)

	// a port a running controller holds is already known
	if _, open, _ := SharedBusStatus(portPath); open {
		dis.logger.Debugf("Skipping %s, already in use", portPath)
		return resource.Config{}, false
	}

	bus, err := dis.open(portPath, dis.baudrate, dis.timeout)
	if err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", portPath, err)
		return resource.Config{}, false
	}
	defer bus.Close()

	// servo 1 is the base joint of every chain
	if _, err := bus.Ping(ctx, 1); err != nil && !conditionOnly(err) {
		dis.logger.Debugf("No servos detected on %s", portPath)
		return resource.Config{}, false
	}

	portSuffix := extractPortSuffix(portPath)
	dis.logger.Infof("Discovered servo chain on %s", portPath)

	attrs := map[string]interface{}{
		"hardware": HardwareFeetech,
		"port":     portPath,
	}
	if dis.baudrate != defaultBaudrate {
		attrs["baudrate"] = dis.baudrate
	}

	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}
	if calibrationFile := findCalibrationFile(moduleDataDir, portSuffix, dis.logger); calibrationFile != "" {
		attrs["calibration_file"] = calibrationFile
	}

	return resource.Config{
		Name:       "reactive-controller-" + portSuffix,
		API:        generic.API,
		Model:      ReactiveControllerModel,
		Attributes: attrs,
	}, true
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial adapter
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	for _, prefix := range []string{"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial"} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findCalibrationFile returns the port-specific calibration file name, the
// shared default, or "" when moduleDataDir holds neither.
func findCalibrationFile(moduleDataDir, portSuffix string, logger logging.Logger) string {
	for _, name := range []string{portSuffix + "_calibration.json", "so101_calibration.json"} {
		if _, err := os.Stat(filepath.Join(moduleDataDir, name)); err == nil {
			logger.Debugf("Found calibration file: %s", name)
			return name
		}
	}
	logger.Debug("No calibration file found")
	return ""
}

// ListSerialPorts returns the candidate servo ports on this machine.
func ListSerialPorts() []string {
	return filterCandidatePorts(enumerateSerialPorts())
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
