package keystore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"github.com/BurntSushi/toml"

	"zrbackup/internal/backup"
	"zrbackup/internal/backupkeys"
)

// PassphraseFunc supplies the key file passphrase when it is first needed.
type PassphraseFunc func() (string, error)

// AgeKeyStore keeps the root secrets in a file encrypted with age's
// scrypt-based passphrase encryption.
type AgeKeyStore struct {
	path       string
	account    backupkeys.AccountID
	passphrase PassphraseFunc
	workFactor int // scrypt log2 work factor; 0 keeps age's default

	mu   sync.Mutex
	keys *backup.Keys
}

var _ backup.KeyStore = (*AgeKeyStore)(nil)

// NewAgeKeyStore creates a key store for the file at path. Load rejects a
// file that belongs to a different account.
func NewAgeKeyStore(path string, account backupkeys.AccountID, passphrase PassphraseFunc) *AgeKeyStore {
	return &AgeKeyStore{path: path, account: account, passphrase: passphrase}
}

// Setup generates fresh secrets and writes them under passphrase. It refuses
// to overwrite an existing key file.
func (s *AgeKeyStore) Setup(passphrase string, r io.Reader) (*backup.Keys, error) {
	if s.IsConfigured() {
		return nil, fmt.Errorf("key file already exists at %s", s.path)
	}
	secrets, err := GenerateSecrets(s.account, r)
	if err != nil {
		return nil, err
	}
	if err := s.write(passphrase, secrets); err != nil {
		return nil, err
	}
	return secrets.Keys()
}

func (s *AgeKeyStore) write(passphrase string, secrets *Secrets) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	defer f.Close()

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	w, err := age.Encrypt(f, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if err := toml.NewEncoder(w).Encode(secrets.encode()); err != nil {
		return fmt.Errorf("writing encrypted keys: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted keys: %w", err)
	}
	return nil
}

// Load decrypts the key file, asking for the passphrase on first use. The
// result is cached for the life of the store.
func (s *AgeKeyStore) Load() (*backup.Keys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys != nil {
		return s.keys, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	passphrase, err := s.passphrase()
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting key file: %w", err)
	}

	var body keyFile
	if _, err := toml.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}

	secrets, err := body.decode()
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	if secrets.Account != s.account {
		return nil, fmt.Errorf("key file belongs to account %s, not %s", secrets.Account, s.account)
	}

	keys, err := secrets.Keys()
	if err != nil {
		return nil, err
	}
	s.keys = keys
	return keys, nil
}

// IsConfigured reports whether the key file exists.
func (s *AgeKeyStore) IsConfigured() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
