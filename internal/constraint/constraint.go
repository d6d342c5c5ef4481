// Package constraint implements the named gates that archive jobs must pass
// before they run. A job whose constraints are unmet is deferred, never
// failed, and re-evaluated when a constraint's notifier fires.
package constraint

import (
	"zrbackup/internal/state"
)

// Factory keys. These are persisted alongside deferred jobs and must not
// change.
const (
	RegisteredKey                              = "RegisteredConstraint"
	NoRemoteArchiveGarbageCollectionPendingKey = "NoRemoteArchiveGarbageCollectionPendingConstraint"
	DeletionNotAwaitingMediaDownloadKey        = "DeletionNotAwaitingMediaDownloadConstraint"
	StickersNotDownloadingKey                  = "StickersNotDownloadingConstraint"
)

// Constraint is a named predicate. IsMet must be safe for concurrent use and
// must not mutate anything.
type Constraint interface {
	IsMet() bool
	FactoryKey() string
}

// Notifier is implemented by constraints that can signal when they may have
// become satisfied.
type Notifier interface {
	Subscribe() (<-chan struct{}, func())
}

// stateConstraint evaluates a predicate over account state snapshots.
type stateConstraint struct {
	key  string
	src  state.Source
	pred func(state.Snapshot) bool
}

func (c *stateConstraint) IsMet() bool        { return c.pred(c.src.Snapshot()) }
func (c *stateConstraint) FactoryKey() string { return c.key }

func (c *stateConstraint) Subscribe() (<-chan struct{}, func()) {
	return c.src.Subscribe()
}

// Registered is met when the account is registered and has a durable
// account identifier.
func Registered(src state.Source) Constraint {
	return &stateConstraint{
		key: RegisteredKey,
		src: src,
		pred: func(s state.Snapshot) bool {
			return s.Registered && s.AccountID != ""
		},
	}
}

// NoRemoteArchiveGarbageCollectionPending is met when backups are disabled,
// media backup is disabled, or no remote GC is pending. Only archive work is
// held back during GC.
func NoRemoteArchiveGarbageCollectionPending(src state.Source) Constraint {
	return &stateConstraint{
		key: NoRemoteArchiveGarbageCollectionPendingKey,
		src: src,
		pred: func(s state.Snapshot) bool {
			return !s.BackupsEnabled || !s.MediaBackupEnabled || !s.RemoteGCPending
		},
	}
}

// DeletionNotAwaitingMediaDownload is met unless a backup deletion is
// waiting for media to be downloaded first.
func DeletionNotAwaitingMediaDownload(src state.Source) Constraint {
	return &stateConstraint{
		key: DeletionNotAwaitingMediaDownloadKey,
		src: src,
		pred: func(s state.Snapshot) bool {
			return s.Deletion != state.DeletionAwaitingMediaDownload
		},
	}
}

// StickersNotDownloading is met when no sticker download is in flight.
func StickersNotDownloading(d *StickerDownloads) Constraint {
	return &stickersConstraint{d: d}
}

type stickersConstraint struct {
	d *StickerDownloads
}

func (c *stickersConstraint) IsMet() bool        { return c.d.InFlight() == 0 }
func (c *stickersConstraint) FactoryKey() string { return StickersNotDownloadingKey }

func (c *stickersConstraint) Subscribe() (<-chan struct{}, func()) {
	return c.d.changes.Subscribe()
}

var (
	_ Notifier = (*stateConstraint)(nil)
	_ Notifier = (*stickersConstraint)(nil)
)
