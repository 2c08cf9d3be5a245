package graphguard

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/plugin"
)

var (
	ErrDriverMissing = errors.New("driver missing")
)

// DriverConstructor describes a function that takes a context and a graphguard configuration struct and returns
// either a valid StorageEngine or the error that prevented instantiation.
type DriverConstructor func(ctx context.Context, cfg Config) (StorageEngine, error)

var (
	availableDrivers = map[string]DriverConstructor{}
	driversLock      = &sync.RWMutex{}
)

// Register registers a storage engine driver under the given driverName.
func Register(driverName string, constructor DriverConstructor) {
	driversLock.Lock()
	defer driversLock.Unlock()

	availableDrivers[driverName] = constructor
}

// Drivers returns the sorted names of every registered driver.
func Drivers() []string {
	driversLock.RLock()
	defer driversLock.RUnlock()

	names := make([]string, 0, len(availableDrivers))

	for name := range availableDrivers {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Config is the basic configuration struct for opening a storage engine.
type Config struct {
	Engine database.Config

	// Plugins is the procedure manager the engine exposes. Engines create their own when nil.
	Plugins *plugin.Manager

	Logger *slog.Logger

	// DriverConfig holds driver-specific configuration data that will be passed to the driver constructor. The type
	// and structure depend on the specific driver.
	DriverConfig any
}

// Open creates a new storage engine instance. This function expects the driver name, often imported to ensure that
// registration logic occurs.
func Open(ctx context.Context, driverName string, config Config) (StorageEngine, error) {
	driversLock.RLock()
	driverConstructor, hasDriver := availableDrivers[driverName]
	driversLock.RUnlock()

	if !hasDriver {
		return nil, ErrDriverMissing
	}

	return driverConstructor(ctx, config)
}
