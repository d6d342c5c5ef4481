package backupkeys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Derivation labels. These are part of the wire format: changing any of them
// changes every identifier and key derived from existing root secrets.
const (
	labelMessageBackupKey    = "20240801_ZONAROSA_BACKUP_KEY"
	labelBackupID            = "20241024_ZONAROSA_BACKUP_ID:"
	labelBackupIDKeyPair     = "20241024_ZONAROSA_BACKUP_ID_KEYPAIR:"
	labelMessageBackupSecret = "20241007_ZONAROSA_BACKUP_ENCRYPT_MESSAGE_BACKUP:"
	labelMediaID             = "20241024_ZONAROSA_BACKUP_MEDIA_ID:"
	labelMediaEncryptionKey  = "20241024_ZONAROSA_BACKUP_MEDIA_ENCRYPTION_KEY:"
	labelThumbnailTransitKey = "20241030_ZONAROSA_BACKUP_ENCRYPT_THUMBNAIL:"
	labelLocalMetadataKey    = "20250708_ZONAROSA_LOCAL_BACKUP_METADATA_KEY"
)

// Primitives is the narrow interface to the pinned key-derivation
// construction. Every method is pure: the same inputs always produce the
// same output, and the output length is fixed per method.
type Primitives interface {
	DeriveMessageBackupKey(masterSecret []byte) []byte
	DeriveBackupID(rootSecret, account []byte) []byte
	DeriveECKey(rootSecret, account []byte) []byte
	DeriveBackupEncryptionKey(backupKey, backupID, forwardSecrecyToken []byte) []byte
	DeriveMediaID(mediaRootSecret []byte, mediaName string) []byte
	DeriveMediaEncryptionKey(mediaRootSecret, mediaID []byte) []byte
	DeriveThumbnailTransitEncryptionKey(mediaRootSecret, mediaID []byte) []byte
	DeriveLocalBackupMetadataKey(backupKey []byte) []byte
}

// HKDF implements Primitives with HKDF-SHA256.
type HKDF struct{}

var _ Primitives = HKDF{}

func (HKDF) DeriveMessageBackupKey(masterSecret []byte) []byte {
	return expand(masterSecret, nil, []byte(labelMessageBackupKey), KeyLength)
}

func (HKDF) DeriveBackupID(rootSecret, account []byte) []byte {
	return expand(rootSecret, nil, concat(labelBackupID, account), BackupIDLength)
}

func (HKDF) DeriveECKey(rootSecret, account []byte) []byte {
	return expand(rootSecret, nil, concat(labelBackupIDKeyPair, account), KeyLength)
}

// DeriveBackupEncryptionKey mixes the forward-secrecy token in as the HKDF
// salt. A nil token yields the token-independent form.
func (HKDF) DeriveBackupEncryptionKey(backupKey, backupID, forwardSecrecyToken []byte) []byte {
	return expand(backupKey, forwardSecrecyToken, concat(labelMessageBackupSecret, backupID), combinedKeyLength)
}

func (HKDF) DeriveMediaID(mediaRootSecret []byte, mediaName string) []byte {
	return expand(mediaRootSecret, nil, concat(labelMediaID, []byte(mediaName)), MediaIDLength)
}

func (HKDF) DeriveMediaEncryptionKey(mediaRootSecret, mediaID []byte) []byte {
	return expand(mediaRootSecret, nil, concat(labelMediaEncryptionKey, mediaID), combinedKeyLength)
}

func (HKDF) DeriveThumbnailTransitEncryptionKey(mediaRootSecret, mediaID []byte) []byte {
	return expand(mediaRootSecret, nil, concat(labelThumbnailTransitKey, mediaID), combinedKeyLength)
}

func (HKDF) DeriveLocalBackupMetadataKey(backupKey []byte) []byte {
	return expand(backupKey, nil, []byte(labelLocalMetadataKey), KeyLength)
}

func expand(secret, salt, info []byte, length int) []byte {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		// HKDF-SHA256 can produce up to 255*32 bytes; anything shorter never fails.
		panic(fmt.Sprintf("hkdf expand %d bytes: %v", length, err))
	}
	return out
}

func concat(label string, data []byte) []byte {
	out := make([]byte, 0, len(label)+len(data))
	out = append(out, label...)
	return append(out, data...)
}
