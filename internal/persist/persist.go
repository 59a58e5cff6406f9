// Package persist stores rule and group definitions durably so an engine
// can restore its rule set across restarts. Definitions are kept as
// canonical JSON documents; the engine re-registers them through the
// normal validation path on load.
package persist

import (
	"context"

	"github.com/noex/noex-rules/internal/rule"
)

// SchemaVersion is bumped when the persisted layout changes shape.
const SchemaVersion = 1

// Snapshot is the full persisted state: every rule definition and every
// group, as they would be re-registered.
type Snapshot struct {
	Rules  []rule.Input `json:"rules"`
	Groups []rule.Group `json:"groups"`
}

// Store is the persistence contract. Save replaces the stored snapshot
// wholesale; partial updates go through Save with the merged state. Key
// identifies where the adapter stores its data (a path, a bucket, a
// constant for in-memory stores).
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Clear(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)
	Key() string
	SchemaVersion() int
	Close() error
}
