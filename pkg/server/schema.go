package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/deepmem/deepmem/pkg/config"
	"github.com/deepmem/deepmem/pkg/kv"
)

// SchemaVersion is the storage layout version this build writes. Bump it
// when the key layout of the vector or graph prefixes changes shape.
const SchemaVersion = 1

// schemaKey is where the store records its layout version.
var schemaKey = kv.Key{"meta", "schema_version"}

// SchemaReport is the outcome of the startup schema check, surfaced by
// /health/details.
type SchemaReport struct {
	// Mode echoes the configured migrations mode.
	Mode string `json:"mode"`

	// Stored is the version found in the store; 0 for a fresh store.
	Stored int `json:"stored"`

	// Current is this build's SchemaVersion.
	Current int `json:"current"`

	// Ready is false when the store's layout does not match this build
	// and the check did not bring it up to date.
	Ready bool `json:"ready"`

	// Applied is true when mode "apply" stamped a new version.
	Applied bool `json:"applied"`

	Error string `json:"error,omitempty"`
}

// CheckSchema compares the store's recorded layout version with this
// build's and, in mode "apply", stamps fresh or older stores up to
// date. A store stamped with a NEWER version than the build is never
// touched: running old code against a new layout is the dangerous
// direction, and the report marks it not ready.
func CheckSchema(ctx context.Context, store kv.Store, mode string) *SchemaReport {
	rep := &SchemaReport{Mode: mode, Current: SchemaVersion}
	if mode == config.MigrationsOff {
		rep.Ready = true
		return rep
	}

	stored, err := readSchemaVersion(ctx, store)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Stored = stored

	switch {
	case stored == SchemaVersion:
		rep.Ready = true
	case stored > SchemaVersion:
		rep.Error = fmt.Sprintf("store schema v%d is newer than this build's v%d", stored, SchemaVersion)
	case mode == config.MigrationsApply:
		if err := store.Set(ctx, schemaKey, []byte(strconv.Itoa(SchemaVersion))); err != nil {
			rep.Error = fmt.Sprintf("stamp schema v%d: %v", SchemaVersion, err)
			return rep
		}
		rep.Applied = true
		rep.Ready = true
	default: // validate
		rep.Error = fmt.Sprintf("store schema v%d, build expects v%d (run with migrations mode \"apply\")", stored, SchemaVersion)
	}
	return rep
}

func readSchemaVersion(ctx context.Context, store kv.Store) (int, error) {
	raw, err := store.Get(ctx, schemaKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return v, nil
}
