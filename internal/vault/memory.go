package vault

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"zrbackup/internal/backup"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It stores all media and snapshots in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	media           map[string][]byte // local backup media name -> bytes
	snapshots       map[string][]byte // "accountID/name" -> bytes
	snapshotVersion map[string]int64  // "accountID/name" -> version
	mu              sync.RWMutex
}

// NewMemoryVault creates a new, empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		media:           make(map[string][]byte),
		snapshots:       make(map[string][]byte),
		snapshotVersion: make(map[string]int64),
	}
}

func snapshotKey(accountID, name string) string {
	return accountID + "/" + name
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

// PutMedia stores a media file. Storing the same name again replaces it.
func (m *MemoryVault) PutMedia(name string, r io.Reader, size int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.media[name] = data
	return nil
}

func (m *MemoryVault) GetMedia(name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.media[name]
	if !ok {
		return fmt.Errorf("media not found: %s", name)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write media: %w", err)
	}
	return nil
}

func (m *MemoryVault) HasMedia(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.media[name]
	return ok, nil
}

// PutSnapshot stores a named snapshot for an account.
func (m *MemoryVault) PutSnapshot(accountID, name string, r io.Reader, size int64, version int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := snapshotKey(accountID, name)
	m.snapshots[key] = data
	m.snapshotVersion[key] = version
	return nil
}

// GetSnapshotVersion returns 0 if nothing has been stored for this
// account/name.
func (m *MemoryVault) GetSnapshotVersion(accountID, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotVersion[snapshotKey(accountID, name)], nil
}

func (m *MemoryVault) GetSnapshot(accountID, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.snapshots[snapshotKey(accountID, name)]
	if !ok {
		return fmt.Errorf("snapshot %q not found for account: %s", name, accountID)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}

// MediaCount returns the number of stored media files.
func (m *MemoryVault) MediaCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.media)
}

var _ backup.Vault = (*MemoryVault)(nil)
