// Package state holds the persisted account and backup flags that gate
// background archive work.
package state

import (
	"fmt"
	"strconv"
	"sync"

	"zrbackup/internal/notify"
)

// KV is the storage the flags are persisted in.
type KV interface {
	// GetValue returns the stored value and whether the key exists.
	GetValue(key string) (string, bool, error)

	// SetValues writes all values atomically.
	SetValues(values map[string]string) error
}

// Source is the read-only view handed to constraint predicates.
type Source interface {
	Snapshot() Snapshot
	Subscribe() (<-chan struct{}, func())
}

// DeletionState tracks the progress of an account backup deletion.
type DeletionState int

const (
	DeletionNone DeletionState = iota
	DeletionClearLocalState
	DeletionAwaitingMediaDownload
	DeletionMediaDownloadFinished
	DeletionDeleteBackups
	DeletionComplete
	DeletionFailed
)

var deletionNames = []string{
	"NONE",
	"CLEAR_LOCAL_STATE",
	"AWAITING_MEDIA_DOWNLOAD",
	"MEDIA_DOWNLOAD_FINISHED",
	"DELETE_BACKUPS",
	"COMPLETE",
	"FAILED",
}

func (d DeletionState) String() string {
	if d < 0 || int(d) >= len(deletionNames) {
		return fmt.Sprintf("DeletionState(%d)", int(d))
	}
	return deletionNames[d]
}

// ParseDeletionState is the inverse of DeletionState.String.
func ParseDeletionState(s string) (DeletionState, error) {
	for i, name := range deletionNames {
		if name == s {
			return DeletionState(i), nil
		}
	}
	return DeletionNone, fmt.Errorf("unknown deletion state: %q", s)
}

// Snapshot is a consistent copy of every flag.
type Snapshot struct {
	Registered         bool
	AccountID          string
	BackupsEnabled     bool
	MediaBackupEnabled bool
	RemoteGCPending    bool
	Deletion           DeletionState
}

const (
	keyRegistered         = "account.registered"
	keyAccountID          = "account.id"
	keyBackupsEnabled     = "backup.enabled"
	keyMediaBackupEnabled = "backup.media_enabled"
	keyRemoteGCPending    = "backup.remote_gc_pending"
	keyDeletionState      = "backup.deletion_state"
)

func (s Snapshot) values() map[string]string {
	return map[string]string{
		keyRegistered:         strconv.FormatBool(s.Registered),
		keyAccountID:          s.AccountID,
		keyBackupsEnabled:     strconv.FormatBool(s.BackupsEnabled),
		keyMediaBackupEnabled: strconv.FormatBool(s.MediaBackupEnabled),
		keyRemoteGCPending:    strconv.FormatBool(s.RemoteGCPending),
		keyDeletionState:      s.Deletion.String(),
	}
}

// Store caches the flags in memory and writes every change through to its
// KV. Readers never touch storage. Every effective change is published to
// subscribers.
type Store struct {
	kv KV

	mu  sync.RWMutex
	cur Snapshot

	changes notify.Broadcaster
}

// Open loads the flags from kv. Missing keys take their zero value.
func Open(kv KV) (*Store, error) {
	s := &Store{kv: kv}

	var err error
	if s.cur.Registered, err = loadBool(kv, keyRegistered); err != nil {
		return nil, err
	}
	if s.cur.AccountID, _, err = kv.GetValue(keyAccountID); err != nil {
		return nil, fmt.Errorf("loading %s: %w", keyAccountID, err)
	}
	if s.cur.BackupsEnabled, err = loadBool(kv, keyBackupsEnabled); err != nil {
		return nil, err
	}
	if s.cur.MediaBackupEnabled, err = loadBool(kv, keyMediaBackupEnabled); err != nil {
		return nil, err
	}
	if s.cur.RemoteGCPending, err = loadBool(kv, keyRemoteGCPending); err != nil {
		return nil, err
	}

	raw, ok, err := kv.GetValue(keyDeletionState)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", keyDeletionState, err)
	}
	if ok {
		if s.cur.Deletion, err = ParseDeletionState(raw); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func loadBool(kv KV, key string) (bool, error) {
	raw, ok, err := kv.GetValue(key)
	if err != nil {
		return false, fmt.Errorf("loading %s: %w", key, err)
	}
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", key, err)
	}
	return v, nil
}

// Snapshot returns the current flags.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Subscribe returns a channel signalled after every effective change.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	return s.changes.Subscribe()
}

// Update applies fn to a copy of the flags and persists the keys that
// changed. The cached flags are only replaced once the write succeeded.
func (s *Store) Update(fn func(*Snapshot)) error {
	s.mu.Lock()
	next := s.cur
	fn(&next)

	before, after := s.cur.values(), next.values()
	changed := make(map[string]string)
	for k, v := range after {
		if before[k] != v {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		s.mu.Unlock()
		return nil
	}

	if err := s.kv.SetValues(changed); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persisting account state: %w", err)
	}
	s.cur = next
	s.mu.Unlock()

	s.changes.Publish()
	return nil
}

// SetRegistered records the registration state and the durable account id.
func (s *Store) SetRegistered(registered bool, accountID string) error {
	return s.Update(func(snap *Snapshot) {
		snap.Registered = registered
		snap.AccountID = accountID
	})
}

func (s *Store) SetBackupsEnabled(enabled bool) error {
	return s.Update(func(snap *Snapshot) { snap.BackupsEnabled = enabled })
}

func (s *Store) SetMediaBackupEnabled(enabled bool) error {
	return s.Update(func(snap *Snapshot) { snap.MediaBackupEnabled = enabled })
}

func (s *Store) SetRemoteGCPending(pending bool) error {
	return s.Update(func(snap *Snapshot) { snap.RemoteGCPending = pending })
}

func (s *Store) SetDeletionState(d DeletionState) error {
	return s.Update(func(snap *Snapshot) { snap.Deletion = d })
}

var _ Source = (*Store)(nil)
