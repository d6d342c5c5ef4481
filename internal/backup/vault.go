package backup

import "io"

// Vault is the destination of local (non-CDN) backups. Media files are
// content addressed by their local backup name; snapshots are named,
// versioned blobs per account.
type Vault interface {
	// PutMedia stores a media file. Storing the same name twice is safe.
	// size is the number of bytes that will be read from r.
	PutMedia(name string, r io.Reader, size int64) error

	// GetMedia writes the media file to w.
	GetMedia(name string, w io.Writer) error

	// HasMedia reports whether a media file exists.
	HasMedia(name string) (bool, error)

	// PutSnapshot stores a named snapshot for an account. Known names:
	// "manifest" (local backup manifest) and "db" (metadata database).
	PutSnapshot(accountID, name string, r io.Reader, size int64, version int64) error

	// GetSnapshot writes a named snapshot to w.
	GetSnapshot(accountID, name string, w io.Writer) error

	// GetSnapshotVersion returns 0 when nothing has been stored.
	GetSnapshotVersion(accountID, name string) (int64, error)

	// ValidateSetup verifies the vault is reachable and writable.
	ValidateSetup() error
}
