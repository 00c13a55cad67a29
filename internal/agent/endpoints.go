package agent

import (
	"context"
	"fmt"

	"github.com/iudanet/benchkeeper/internal/config"
	"github.com/iudanet/benchkeeper/internal/failover"
	centralstore "github.com/iudanet/benchkeeper/internal/server/storage"
	"github.com/iudanet/benchkeeper/internal/server/storage/postgres"
	"github.com/iudanet/benchkeeper/internal/server/storage/sqlite"
)

// openEndpoint открытое хранилище вместе с конфигурацией, из которой оно построено
type openEndpoint struct {
	store centralstore.Store
	cfg   config.EndpointConfig
}

// OpenStore opens the central store described by an endpoint. Postgres pools
// connect lazily, so an unreachable endpoint is not an error here.
func OpenStore(ctx context.Context, e config.EndpointConfig, passphrase string) (centralstore.Store, error) {
	switch e.Driver {
	case config.DriverSQLite:
		var opts []sqlite.Option
		if e.ReadOnly {
			opts = append(opts, sqlite.WithReadOnly())
		}
		st, err := sqlite.New(ctx, e.Path, opts...)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", e.Name, err)
		}
		return st, nil

	case config.DriverPostgres:
		password, err := e.ResolvePassword(passphrase)
		if err != nil {
			return nil, err
		}
		st, err := postgres.New(ctx, postgres.Config{
			DSN:            e.DSN(password),
			MaxConns:       e.MaxConns,
			AcquireTimeout: e.AcquireTimeout,
			ConnectTimeout: e.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", e.Name, err)
		}
		return st, nil

	default:
		return nil, fmt.Errorf("%w: endpoint %s has unknown driver %q", config.ErrInvalidConfig, e.Name, e.Driver)
	}
}

// buildEndpoints открывает хранилища для конфигурации. Точки с неизменной
// конфигурацией переиспользуют уже открытое хранилище, чтобы селектор
// сохранил историю проверок.
func buildEndpoints(ctx context.Context, cfg *config.Config, passphrase string, prev map[string]openEndpoint) ([]failover.Endpoint, map[string]openEndpoint, error) {
	all := cfg.AllEndpoints()
	endpoints := make([]failover.Endpoint, 0, len(all))
	opened := make(map[string]openEndpoint, len(all))

	for _, e := range all {
		if old, ok := prev[e.Name]; ok && old.cfg == e {
			opened[e.Name] = old
			endpoints = append(endpoints, failover.Endpoint{Name: e.Name, Store: old.store})
			continue
		}

		st, err := OpenStore(ctx, e, passphrase)
		if err != nil {
			// Закрываем только то, что открыли в этом вызове
			for name, o := range opened {
				if p, ok := prev[name]; !ok || p.store != o.store {
					_ = o.store.Close()
				}
			}
			return nil, nil, err
		}
		opened[e.Name] = openEndpoint{store: st, cfg: e}
		endpoints = append(endpoints, failover.Endpoint{Name: e.Name, Store: st})
	}

	return endpoints, opened, nil
}

// Migrate applies the schema to every writable endpoint. SQLite stores
// migrate when opened.
func Migrate(ctx context.Context, cfg *config.Config, passphrase string) ([]string, error) {
	var migrated []string
	for _, e := range cfg.AllEndpoints() {
		if e.ReadOnly {
			continue
		}

		st, err := OpenStore(ctx, e, passphrase)
		if err != nil {
			return migrated, err
		}

		if pg, ok := st.(*postgres.Storage); ok {
			err = pg.Migrate(ctx)
		}
		closeErr := st.Close()
		if err != nil {
			return migrated, fmt.Errorf("endpoint %s: %w", e.Name, err)
		}
		if closeErr != nil {
			return migrated, fmt.Errorf("endpoint %s: %w", e.Name, closeErr)
		}
		migrated = append(migrated, e.Name)
	}
	return migrated, nil
}
