package catalog

import (
	"context"

	"go.uber.org/zap"

	"github.com/amirmatini/offcache/internal/cache"
	"github.com/amirmatini/offcache/internal/logging"
)

// Preloader is the part of the resolver a sync drives.
type Preloader interface {
	PreloadCollection(refs []cache.MediaRef) int
	CleanupStale(current []string) []string
}

// SyncResult summarizes one Sync.
type SyncResult struct {
	Collections int
	Queued      int
	Removed     []string
}

// Sync preloads every collection and then drops cached media that no
// collection references any more.
func Sync(ctx context.Context, cat Catalog, p Preloader, logger *zap.Logger) (SyncResult, error) {
	cols, err := cat.Collections(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{Collections: len(cols)}
	for _, c := range cols {
		res.Queued += p.PreloadCollection(c.Items)
	}
	res.Removed = p.CleanupStale(Refs(cols))

	logging.Named(logger, "catalog").Info("catalog synced",
		zap.Int("collections", res.Collections),
		zap.Int("queued", res.Queued),
		zap.Int("removed", len(res.Removed)),
	)
	return res, nil
}
