package reactctrl

import (
	"sync"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

var (
	sharedBuses     *BusRegistry
	sharedBusesOnce sync.Once
)

func defaultBusRegistry() *BusRegistry {
	sharedBusesOnce.Do(func() {
		sharedBuses = NewBusRegistry()
	})
	return sharedBuses
}

// AcquireSharedBus returns the process-wide bus for config.Port.
func AcquireSharedBus(config BusConfig) (*feetech.Bus, error) {
	return defaultBusRegistry().Acquire(config)
}

func ReleaseSharedBus(port string) {
	defaultBusRegistry().Release(port)
}

func ForceCloseSharedBus(port string) error {
	return defaultBusRegistry().ForceClose(port)
}

func SharedBusStatus(port string) (int64, bool, string) {
	return defaultBusRegistry().Status(port)
}
