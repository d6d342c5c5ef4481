package keystore

import (
	"crypto/rand"
	"fmt"

	"zrbackup/internal/backup"
	"zrbackup/internal/backupkeys"
	"zrbackup/internal/config"
)

// NewKeyStoreFromConfig creates a KeyStore based on the configuration type.
// A "memory" store holds freshly generated keys that vanish on exit.
func NewKeyStoreFromConfig(cfg config.KeyStoreConfig, account backupkeys.AccountID, passphrase PassphraseFunc) (backup.KeyStore, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for age keystore")
		}
		return NewAgeKeyStore(cfg.Path, account, passphrase), nil
	case "memory":
		secrets, err := GenerateSecrets(account, rand.Reader)
		if err != nil {
			return nil, err
		}
		keys, err := secrets.Keys()
		if err != nil {
			return nil, err
		}
		return NewMemoryKeyStore(keys), nil
	default:
		return nil, fmt.Errorf("unknown keystore type: %q", cfg.Type)
	}
}
