// Package persistence provides warm-start storage for trusted tokens and
// feature payloads, so a restarted proxy can serve from cache while the
// refresher re-establishes upstream connectivity instead of returning
// 503s from an empty cache.
package persistence

import (
	"context"

	"github.com/r3e-edge/flag-edge/internal/featurecache"
)

// Document is the full warm-start snapshot persisted and restored as one
// unit.
type Document struct {
	Tokens      []string                                `json:"tokens"`
	Features    map[string]featurecache.ClientFeatures   `json:"features"`
	SavedAtUnix int64                                    `json:"savedAt"`
}

// Store persists and restores a Document.
type Store interface {
	Save(ctx context.Context, doc Document) error
	Load(ctx context.Context) (Document, error)
}
