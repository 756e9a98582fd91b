// Package storage abstracts where archive snapshots land. The queue-admin
// archive endpoint streams JSON Lines through a FileStore; operators point
// EXPORT_URI at a local directory during development and an S3 bucket in
// production without the export code changing.
package storage

import (
	"context"
	"io"
)

// FileStore reads and writes named files on some backend. Paths are
// forward-slash separated and relative to the store root.
//
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file. A missing file yields an error
	// wrapping os.ErrNotExist. The caller closes the reader.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing, truncating any previous
	// content and creating parents as needed. Data is not guaranteed
	// durable until Close returns nil.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file. Deleting a missing file is not an
	// error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)
}
