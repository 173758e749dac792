package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverMemory   = "memory"
)

// Open opens and migrates the workspace backend named by driver.
// For sqlite an empty dsn selects DefaultPath.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (workspace.Backend, error) {
	switch driver {
	case "", DriverSQLite:
		if dsn == "" {
			p, err := DefaultPath()
			if err != nil {
				return nil, err
			}
			dsn = p
		}
		d, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		if err := d.Migrate(); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return d, nil
	case DriverPostgres:
		p, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := p.Migrate(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return p, nil
	case DriverBadger:
		return OpenBadger(BadgerConfig{Path: dsn, SyncWrites: true, Logger: logger})
	case DriverMemory:
		return workspace.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown workspace driver %q", driver)
	}
}
