// Package keystore persists the account root secrets.
package keystore

import (
	"encoding/base64"
	"fmt"
	"io"

	"zrbackup/internal/backup"
	"zrbackup/internal/backupkeys"
)

// keyFile is the plaintext body of a key file.
type keyFile struct {
	AccountID    string `toml:"account_id"`
	MasterSecret string `toml:"master_secret"`
	MediaRootKey string `toml:"media_root_key"`
}

// Secrets are the persisted root secrets. The message backup key is derived
// from MasterSecret on load.
type Secrets struct {
	Account      backupkeys.AccountID
	MasterSecret []byte
	Media        backupkeys.MediaRootBackupKey
}

// GenerateSecrets creates fresh root secrets for an account from r, usually
// crypto/rand.Reader.
func GenerateSecrets(account backupkeys.AccountID, r io.Reader) (*Secrets, error) {
	master := make([]byte, backupkeys.KeyLength)
	if _, err := io.ReadFull(r, master); err != nil {
		return nil, fmt.Errorf("generating master secret: %w", err)
	}
	media, err := backupkeys.GenerateMediaRootBackupKey(r)
	if err != nil {
		return nil, err
	}
	return &Secrets{Account: account, MasterSecret: master, Media: media}, nil
}

// Keys derives the service-facing key set.
func (s *Secrets) Keys() (*backup.Keys, error) {
	msg, err := backupkeys.DeriveMessageBackupKey(s.MasterSecret)
	if err != nil {
		return nil, err
	}
	return &backup.Keys{Account: s.Account, Message: msg, Media: s.Media}, nil
}

func (s *Secrets) encode() keyFile {
	return keyFile{
		AccountID:    s.Account.String(),
		MasterSecret: base64.StdEncoding.EncodeToString(s.MasterSecret),
		MediaRootKey: base64.StdEncoding.EncodeToString(s.Media.Bytes()),
	}
}

func (f keyFile) decode() (*Secrets, error) {
	account, err := backupkeys.ParseAccountID(f.AccountID)
	if err != nil {
		return nil, err
	}
	master, err := base64.StdEncoding.DecodeString(f.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding master secret: %w", err)
	}
	if len(master) != backupkeys.KeyLength {
		return nil, fmt.Errorf("master secret: %w: got %d bytes", backupkeys.ErrInvalidLength, len(master))
	}
	rawMedia, err := base64.StdEncoding.DecodeString(f.MediaRootKey)
	if err != nil {
		return nil, fmt.Errorf("decoding media root key: %w", err)
	}
	media, err := backupkeys.MediaRootBackupKeyFromBytes(rawMedia)
	if err != nil {
		return nil, err
	}
	return &Secrets{Account: account, MasterSecret: master, Media: media}, nil
}

// MemoryKeyStore holds keys in memory. It is used by tests and by the
// "memory" keystore type.
type MemoryKeyStore struct {
	keys *backup.Keys
}

var _ backup.KeyStore = (*MemoryKeyStore)(nil)

func NewMemoryKeyStore(keys *backup.Keys) *MemoryKeyStore {
	return &MemoryKeyStore{keys: keys}
}

func (m *MemoryKeyStore) Load() (*backup.Keys, error) {
	if m.keys == nil {
		return nil, fmt.Errorf("no keys configured")
	}
	return m.keys, nil
}
