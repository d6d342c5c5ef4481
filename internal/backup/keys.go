package backup

import (
	"zrbackup/internal/backupkeys"
)

// Keys is the root key material of one account.
type Keys struct {
	Account backupkeys.AccountID
	Message backupkeys.MessageBackupKey
	Media   backupkeys.MediaRootBackupKey
}

// KeyStore loads the account root keys. Loading may prompt for a passphrase,
// so the service only asks when an operation needs keys.
type KeyStore interface {
	Load() (*Keys, error)
}
