package backup

import (
	"database/sql"
	"time"

	"zrbackup/internal/attachment"
)

// Operation is one recorded CLI operation.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Operation  string
	Parameters string
	Status     string
}

// Database is the persisted attachment metadata store plus the operation
// log.
type Database interface {
	// Attachment operations

	// InsertAttachment stores a new attachment and returns its id.
	InsertAttachment(a *attachment.Attachment) (int64, error)

	// UpdateAttachment overwrites every field of an existing attachment.
	UpdateAttachment(a *attachment.Attachment) error

	// FindAttachment returns nil when no attachment has the id.
	FindAttachment(id int64) (*attachment.Attachment, error)

	// ListAttachments returns attachments in id order. limit <= 0 means all.
	ListAttachments(limit int) ([]*attachment.Attachment, error)

	// ListAttachmentsByArchiveState returns attachments in the given archive
	// state in id order. limit <= 0 means all.
	ListAttachmentsByArchiveState(state attachment.ArchiveTransferState, limit int) ([]*attachment.Attachment, error)

	// SetArchiveState records the archive state and archive CDN of one
	// attachment. A nil cdn clears it.
	SetArchiveState(id int64, state attachment.ArchiveTransferState, cdn *int) error

	// Operation log

	CreateBackupOperation(operation, parameters string) (*Operation, error)
	FinishBackupOperation(id int64, status string) error

	// ListBackupOperations returns the newest operations first.
	ListBackupOperations(limit int) ([]*Operation, error)

	Close() error
}
