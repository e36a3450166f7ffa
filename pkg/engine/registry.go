package engine

import (
	"fmt"
	"sort"
	"sync"
)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by name. It panics if Register is
// called twice with the same name or with a nil driver.
func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if driver == nil {
		panic("engine: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("engine: Register called twice for driver " + name)
	}
	drivers[name] = driver
}

// Drivers returns the sorted names of registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named driver.
func Lookup(name string) (Driver, error) {
	driversMu.RLock()
	driver, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown driver %q (forgotten import?)", name)
	}
	return driver, nil
}

// Open opens a handle with the named driver.
func Open(driverName, root, dbPath string) (Handle, error) {
	driver, err := Lookup(driverName)
	if err != nil {
		return nil, err
	}
	return driver.Open(root, dbPath)
}
