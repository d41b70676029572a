package catalog

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/config"
)

// Driver opens catalogs of one database kind
type Driver struct {
	Name string
	// Open connects to the configured database
	Open func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Catalog, error)
	// Create creates the database and its login using admin credentials.
	// Nil when the driver cannot create databases.
	Create func(ctx context.Context, cfg config.DatabaseConfig, admin config.CreateConfig, logger *zap.Logger) error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Driver)
)

// Register is called by each driver's init() function.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Name] = d
}

// Lookup returns the driver registered under name
func Lookup(name string) (Driver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	d, ok := registry[name]
	if !ok {
		return Driver{}, fmt.Errorf("no catalog driver %q registered", name)
	}
	return d, nil
}

// Drivers returns the names of all registered drivers
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
