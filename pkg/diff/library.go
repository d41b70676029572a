package diff

import (
	"context"

	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/config"
	"github.com/mizuchilabs/sqlport/pkg/schema"
)

// FromConfig creates an engine with the table type settings of cfg
func FromConfig(cat catalog.Catalog, cfg *config.Config, logger *zap.Logger) *Engine {
	return New(cat, Options{TableType: cfg.TableType}, logger)
}

// Compare loads the catalog and returns the changes applying cfg's schema
// locations would make, without executing them
func Compare(ctx context.Context, cat catalog.Catalog, cfg *config.Config, logger *zap.Logger) ([]Change, error) {
	snap, err := catalog.Load(ctx, cat, catalog.LoadOptions{})
	if err != nil {
		return nil, err
	}
	res, err := FromConfig(cat, cfg, logger).Apply(ctx, snap, cfg.Locations(), ApplyOptions{DryRun: true})
	if err != nil {
		return nil, err
	}
	return res.Changes, nil
}

// Reconcile loads the catalog, applies cfg's schema locations and reloads
// the snapshot with the routines to bind
func Reconcile(ctx context.Context, cat catalog.Catalog, cfg *config.Config, logger *zap.Logger) (*schema.Snapshot, *Result, error) {
	snap, err := catalog.Load(ctx, cat, catalog.LoadOptions{})
	if err != nil {
		return nil, nil, err
	}

	res, err := FromConfig(cat, cfg, logger).Apply(ctx, snap, cfg.Locations(), ApplyOptions{})
	if err != nil {
		return nil, res, err
	}

	snap, err = catalog.Load(ctx, cat, catalog.LoadOptions{
		BindAll: cfg.LinkSP,
		Bind:    res.Bind,
		Files:   res.Files,
	})
	if err != nil {
		return nil, res, err
	}
	return snap, res, nil
}
