package sensor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/sortline/internal/monitoring"
)

// OpenConfig is passed to a Driver.
type OpenConfig struct {
	// Name labels the source in logs, e.g. "spectral".
	Name string
	// Device selects the physical camera; its meaning is driver specific.
	Device      string
	PayloadSize int
	BufferCount int
	// Interval and Generator are used by the simulator only.
	Interval  time.Duration
	Generator Generator
	Logf      monitoring.Logger
}

// Driver opens a Source.
type Driver func(cfg OpenConfig) (Source, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// SimDriver is the name of the built-in simulator.
const SimDriver = "sim"

func init() {
	Register(SimDriver, func(cfg OpenConfig) (Source, error) {
		return NewSimSource(SimConfig{
			Name:        cfg.Name,
			PayloadSize: cfg.PayloadSize,
			BufferCount: cfg.BufferCount,
			Interval:    cfg.Interval,
			Generator:   cfg.Generator,
			Logf:        cfg.Logf,
		})
	})
}

// Register makes a driver available by name. Vendor packages call it from
// init; registering the same name twice panics.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d == nil {
		panic("sensor: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("sensor: Register called twice for driver " + name)
	}
	drivers[name] = d
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open opens a Source with the named driver.
func Open(driver string, cfg OpenConfig) (Source, error) {
	driversMu.RLock()
	d, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sensor: unknown driver %q (registered: %v)", driver, Drivers())
	}
	src, err := d(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s with driver %s: %w", cfg.Name, driver, err)
	}
	return src, nil
}
