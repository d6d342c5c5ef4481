package app

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"zrbackup/internal/backup"
	"zrbackup/internal/backupkeys"
	"zrbackup/internal/config"
	"zrbackup/internal/keystore"
)

// KeyInfo is the public part of an account key set. It never holds secret
// material.
type KeyInfo struct {
	Account           string
	MessagesBackupID  string
	MediaBackupID     string
	MessagesPublicKey string
	MediaPublicKey    string
}

func describeKeys(keys *backup.Keys) *KeyInfo {
	msgID := keys.Message.DeriveBackupID(keys.Account)
	mediaID := keys.Media.DeriveBackupID(keys.Account)
	msgPub := keys.Message.DeriveECKey(keys.Account).Public().(ed25519.PublicKey)
	mediaPub := keys.Media.DeriveECKey(keys.Account).Public().(ed25519.PublicKey)

	return &KeyInfo{
		Account:           keys.Account.String(),
		MessagesBackupID:  msgID.Encode(),
		MediaBackupID:     mediaID.Encode(),
		MessagesPublicKey: base64.StdEncoding.EncodeToString(msgPub),
		MediaPublicKey:    base64.StdEncoding.EncodeToString(mediaPub),
	}
}

// InitKeys generates the account root secrets and writes them to the age
// key file under passphrase. It refuses to replace an existing key file.
func InitKeys(cfg *config.Config, passphrase string) (*KeyInfo, error) {
	if cfg.KeyStore.Type != "age" && cfg.KeyStore.Type != "" {
		return nil, fmt.Errorf("keys init needs an age keystore, config has %q", cfg.KeyStore.Type)
	}
	account, err := backupkeys.ParseAccountID(cfg.Account.ID)
	if err != nil {
		return nil, err
	}

	ks := keystore.NewAgeKeyStore(cfg.KeyStore.Path, account, nil)
	keys, err := ks.Setup(passphrase, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("initializing keys: %w", err)
	}
	return describeKeys(keys), nil
}

// ShowKeys loads the configured keys and describes them.
func ShowKeys(cfg *config.Config, passphrase keystore.PassphraseFunc) (*KeyInfo, error) {
	account, err := backupkeys.ParseAccountID(cfg.Account.ID)
	if err != nil {
		return nil, err
	}
	ks, err := keystore.NewKeyStoreFromConfig(cfg.KeyStore, account, passphrase)
	if err != nil {
		return nil, err
	}
	keys, err := ks.Load()
	if err != nil {
		return nil, err
	}
	return describeKeys(keys), nil
}
