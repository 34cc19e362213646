// Package catalog supplies the ordered media collections the player shows.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/amirmatini/offcache/internal/cache"
	"github.com/amirmatini/offcache/internal/logging"
)

// Collection is an ordered playlist or layout. The first item plays first.
type Collection struct {
	Name  string           `yaml:"name" json:"name"`
	Items []cache.MediaRef `yaml:"items" json:"items"`
}

// Catalog lists the live collections.
type Catalog interface {
	Collections(ctx context.Context) ([]Collection, error)
}

type manifest struct {
	Collections []Collection `yaml:"collections"`
}

// ManifestCatalog reads collections from a YAML file:
//
//	collections:
//	  - name: lobby
//	    items:
//	      - ref: media/welcome.mp4
//	      - ref: media/menu.png
//	        kind: image
type ManifestCatalog struct {
	path   string
	logger *zap.Logger
}

func NewManifestCatalog(path string, logger *zap.Logger) *ManifestCatalog {
	return &ManifestCatalog{
		path:   path,
		logger: logging.Named(logger, "catalog"),
	}
}

func (m *ManifestCatalog) Path() string {
	return m.path
}

// Collections re-reads the manifest on every call.
func (m *ManifestCatalog) Collections(ctx context.Context) ([]Collection, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var man manifest
	if err := yaml.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	for ci := range man.Collections {
		col := &man.Collections[ci]
		items := col.Items[:0]
		for _, it := range col.Items {
			it.RemoteRef = strings.TrimSpace(it.RemoteRef)
			if it.RemoteRef == "" {
				m.logger.Warn("skipping manifest item without ref", zap.String("collection", col.Name))
				continue
			}
			it.Kind = it.ResolvedKind()
			items = append(items, it)
		}
		col.Items = items
	}
	return man.Collections, nil
}

// Refs returns the union of refs across collections in first-seen order.
func Refs(cols []Collection) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range cols {
		for _, it := range c.Items {
			if _, ok := seen[it.RemoteRef]; ok {
				continue
			}
			seen[it.RemoteRef] = struct{}{}
			out = append(out, it.RemoteRef)
		}
	}
	return out
}
