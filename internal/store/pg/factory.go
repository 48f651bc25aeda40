package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.Config) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &store.Stores{
		Sessions: NewPGSessionStore(db),
		Bots:     NewPGBotStore(db),
		Funnels:  NewPGFunnelStore(db),
		Tenants:  NewPGTenantStore(db),
	}, nil
}
