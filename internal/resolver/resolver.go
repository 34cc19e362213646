// Package resolver is the entry point the player uses to turn media
// references into something playable.
package resolver

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/amirmatini/offcache/internal/cache"
	"github.com/amirmatini/offcache/internal/download"
	"github.com/amirmatini/offcache/internal/logging"
	"github.com/amirmatini/offcache/internal/netstate"
)

type Config struct {
	// BaseURL is joined with relative refs to build download URLs.
	BaseURL string
}

// Resolver answers from the cache when it can and falls back to the remote
// URL otherwise, queueing a background fetch on a miss. None of its methods
// block on the network.
type Resolver struct {
	baseURL string
	store   *cache.Store
	sched   *download.Scheduler
	network download.Network
	logger  *zap.Logger
}

func New(cfg Config, store *cache.Store, sched *download.Scheduler, network download.Network, logger *zap.Logger) *Resolver {
	return &Resolver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		store:   store,
		sched:   sched,
		network: network,
		logger:  logging.Named(logger, "resolver"),
	}
}

// URL returns the download URL for ref. Absolute refs are used as is.
func (r *Resolver) URL(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	if r.baseURL == "" {
		return ref
	}
	return r.baseURL + "/" + strings.TrimLeft(ref, "/")
}

// Resolve returns the local path of a valid cached copy of ref, or its
// remote URL. On a miss a high priority download is queued if the network
// is up.
func (r *Resolver) Resolve(ref string) string {
	return r.resolve(ref, "")
}

// ResolveKind is Resolve with a media kind hint for the download.
func (r *Resolver) ResolveKind(ref string, kind cache.MediaKind) string {
	return r.resolve(ref, kind)
}

func (r *Resolver) resolve(ref string, kind cache.MediaKind) string {
	if path, ok := r.store.Path(ref); ok {
		r.logger.Debug("cache hit", zap.String("ref", ref))
		return path
	}

	remote := r.URL(ref)
	if r.network.Current().Online() {
		r.sched.Enqueue(ref, remote, kindOf(ref, kind), download.High)
	}
	r.logger.Debug("cache miss", zap.String("ref", ref), zap.String("url", remote))
	return remote
}

func kindOf(ref string, kind cache.MediaKind) cache.MediaKind {
	return cache.MediaRef{RemoteRef: ref, Kind: kind}.ResolvedKind()
}

// PreloadCollection queues every item of an ordered collection: the first
// at high priority since it plays next, the rest at medium. It returns the
// number of downloads queued.
func (r *Resolver) PreloadCollection(refs []cache.MediaRef) int {
	if len(refs) == 0 {
		return 0
	}

	n := 0
	first := refs[0]
	if r.sched.Enqueue(first.RemoteRef, r.URL(first.RemoteRef), first.ResolvedKind(), download.High) {
		n++
	}

	rest := make([]download.Request, 0, len(refs)-1)
	for _, m := range refs[1:] {
		rest = append(rest, download.Request{
			RemoteRef: m.RemoteRef,
			URL:       r.URL(m.RemoteRef),
			Kind:      m.ResolvedKind(),
		})
	}
	n += r.sched.EnqueueMany(rest, download.Medium)

	r.logger.Info("preloading collection", zap.Int("items", len(refs)), zap.Int("queued", n))
	return n
}

// IsAvailableOffline reports whether ref has a valid cached copy.
func (r *Resolver) IsAvailableOffline(ref string) bool {
	return r.store.Contains(ref)
}

// IsCollectionCached reports whether every item is available offline. An
// empty collection counts as cached.
func (r *Resolver) IsCollectionCached(refs []cache.MediaRef) bool {
	for _, m := range refs {
		if !r.store.Contains(m.RemoteRef) {
			return false
		}
	}
	return true
}

// CleanupStale deletes cached entries that are not in current and returns
// the refs removed.
func (r *Resolver) CleanupStale(current []string) []string {
	keep := make(map[string]struct{}, len(current))
	for _, ref := range current {
		keep[ref] = struct{}{}
	}

	var removed []string
	for _, e := range r.store.Entries() {
		if _, ok := keep[e.RemoteRef]; ok {
			continue
		}
		if r.store.Delete(e.RemoteRef) {
			removed = append(removed, e.RemoteRef)
		}
	}
	if len(removed) > 0 {
		r.logger.Info("removed stale media", zap.Int("count", len(removed)))
	}
	return removed
}

func (r *Resolver) Stats() cache.Stats {
	return r.store.Stats()
}

// ClearAll cancels outstanding downloads and empties the cache.
func (r *Resolver) ClearAll() int {
	for _, t := range r.sched.Tasks() {
		if t.Status.Active() {
			r.sched.Cancel(t.RemoteRef)
		}
	}
	n := r.store.Clear()
	r.logger.Info("cache cleared", zap.Int("entries", n))
	return n
}

// VerifyIntegrity re-checks every cached file and returns the refs purged.
func (r *Resolver) VerifyIntegrity(ctx context.Context) []string {
	corrupt := r.store.VerifyAll(ctx)
	if len(corrupt) > 0 {
		r.logger.Warn("purged corrupt media", zap.Strings("refs", corrupt))
	}
	return corrupt
}

// Progress returns the latest download task for ref.
func (r *Resolver) Progress(ref string) (download.Task, bool) {
	return r.sched.Snapshot(ref)
}

// NetworkState returns the current connectivity class.
func (r *Resolver) NetworkState() netstate.State {
	return r.network.Current()
}

// Shutdown stops the download workers.
func (r *Resolver) Shutdown() {
	r.sched.Stop()
}
