package reactctrl

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.viam.com/rdk/logging"
)

// BusConfig identifies one serial servo bus.
type BusConfig struct {
	Port     string
	Baudrate int
	Timeout  time.Duration
	Logger   logging.Logger
}

func (c BusConfig) withDefaults() BusConfig {
	if c.Baudrate == 0 {
		c.Baudrate = defaultBaudrate
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

type busEntry struct {
	bus       *feetech.Bus
	config    BusConfig
	refCount  int64 // Atomic reference counter
	lastError error
	mu        sync.RWMutex
}

// BusRegistry shares one feetech.Bus per port between every resource that
// drives servos on it.
type BusRegistry struct {
	entries map[string]*busEntry // port path -> entry
	mu      sync.RWMutex

	open func(port string, baudrate int, timeout time.Duration) (*feetech.Bus, error)
}

func NewBusRegistry() *BusRegistry {
	return &BusRegistry{
		entries: make(map[string]*busEntry),
		open:    openServoBus,
	}
}

// Compare configs for compatibility
func busConfigsEqual(a, b BusConfig) bool {
	a, b = a.withDefaults(), b.withDefaults()
	return a.Port == b.Port &&
		a.Baudrate == b.Baudrate &&
		a.Timeout == b.Timeout
}

// Acquire returns the bus for config.Port, opening it on first use. Every
// successful Acquire must be paired with a Release.
func (r *BusRegistry) Acquire(config BusConfig) (*feetech.Bus, error) {
	config = config.withDefaults()

	r.mu.RLock()
	entry, exists := r.entries[config.Port]
	r.mu.RUnlock()

	if exists {
		return r.acquireExisting(entry, config)
	}
	return r.openNew(config)
}

func (r *BusRegistry) acquireExisting(entry *busEntry, config BusConfig) (*feetech.Bus, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.bus == nil {
		if entry.lastError != nil {
			return nil, fmt.Errorf("cached bus creation error: %w", entry.lastError)
		}
		return nil, fmt.Errorf("bus not available for port %s", config.Port)
	}

	if !busConfigsEqual(entry.config, config) {
		currentRefCount := atomic.LoadInt64(&entry.refCount)
		return nil, fmt.Errorf("conflict: existing bus on %s uses different config (refCount: %d)", config.Port, currentRefCount)
	}

	atomic.AddInt64(&entry.refCount, 1)
	return entry.bus, nil
}

func (r *BusRegistry) openNew(config BusConfig) (*feetech.Bus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[config.Port]; exists {
		return r.acquireExisting(entry, config)
	}

	entry := &busEntry{config: config}
	bus, err := r.open(config.Port, config.Baudrate, config.Timeout)
	if err != nil {
		entry.lastError = err
		r.entries[config.Port] = entry
		return nil, fmt.Errorf("failed to create feetech servo bus: %w", err)
	}

	entry.bus = bus
	atomic.StoreInt64(&entry.refCount, 1)
	r.entries[config.Port] = entry

	if config.Logger != nil {
		config.Logger.Infof("Opened feetech servo bus on %s at %d baud", config.Port, config.Baudrate)
	}
	return bus, nil
}

// Release drops one reference to the bus on port and closes it with the last.
func (r *BusRegistry) Release(port string) {
	r.mu.RLock()
	entry, exists := r.entries[port]
	r.mu.RUnlock()

	if !exists {
		return
	}
	if !entry.release(port) {
		return
	}

	// entry.mu is not held here: openNew locks r.mu before entry.mu
	r.mu.Lock()
	if r.entries[port] == entry {
		delete(r.entries, port)
	}
	r.mu.Unlock()
}

// release reports whether the entry is finished with and should be dropped.
// A cached failure is dropped on release so the next Acquire retries.
func (e *busEntry) release(port string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bus == nil {
		return true
	}
	if atomic.AddInt64(&e.refCount, -1) > 0 {
		return false
	}
	if err := e.bus.Close(); err != nil && e.config.Logger != nil {
		e.config.Logger.Warnf("error closing shared bus for port %s: %v", port, err)
	}
	e.bus = nil
	atomic.StoreInt64(&e.refCount, 0)
	e.lastError = nil
	return true
}

func (r *BusRegistry) ForceClose(port string) error {
	r.mu.Lock()
	entry, exists := r.entries[port]
	if exists {
		delete(r.entries, port)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var err error
	if entry.bus != nil {
		err = entry.bus.Close()
		entry.bus = nil
		atomic.StoreInt64(&entry.refCount, 0)
		entry.lastError = nil
	}
	return err
}

// Status reports the reference count, whether a bus is open and a short
// summary of its settings.
func (r *BusRegistry) Status(port string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[port]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	summary := fmt.Sprintf("Serial: %s@%d, timeout %s", entry.config.Port, entry.config.Baudrate, entry.config.Timeout)
	return atomic.LoadInt64(&entry.refCount), entry.bus != nil, summary
}
