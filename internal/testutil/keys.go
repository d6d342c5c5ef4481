package testutil

import (
	"crypto/rand"
	"testing"

	"zrbackup/internal/backup"
	"zrbackup/internal/backupkeys"
	"zrbackup/internal/keystore"
)

// TestAccountID is the account every test key set belongs to.
const TestAccountID = "6f1c1f4e-8e0b-4b8e-9a43-1d2f3c4b5a69"

// NewTestKeys generates a fresh key set for TestAccountID.
func NewTestKeys(t *testing.T) *backup.Keys {
	t.Helper()

	account, err := backupkeys.ParseAccountID(TestAccountID)
	if err != nil {
		t.Fatalf("parsing account id: %v", err)
	}
	secrets, err := keystore.GenerateSecrets(account, rand.Reader)
	if err != nil {
		t.Fatalf("generating secrets: %v", err)
	}
	keys, err := secrets.Keys()
	if err != nil {
		t.Fatalf("deriving keys: %v", err)
	}
	return keys
}
