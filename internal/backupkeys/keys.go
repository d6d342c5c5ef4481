// Package backupkeys derives the backup key hierarchy: backup ids, media
// ids, per-object symmetric keys and backup-id signing keys, all from one of
// two root secrets held per account.
//
// Everything in this package is a pure function of its arguments and is safe
// to call from any goroutine.
package backupkeys

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	// KeyLength is the length of root secrets and of each derived MAC or AES key.
	KeyLength = 32
	// BackupIDLength is the length of a derived backup id.
	BackupIDLength = 16
	// MediaIDLength is the length of a derived media id.
	MediaIDLength = 15
	// ForwardSecrecyTokenLength is the length of a service-supplied token.
	ForwardSecrecyTokenLength = 32

	combinedKeyLength = 2 * KeyLength
)

// ErrInvalidLength is returned when externally supplied key material has the
// wrong size.
var ErrInvalidLength = errors.New("invalid key material length")

var hkdfPrimitives Primitives = HKDF{}

// AccountID is the stable account identifier all derivations are bound to.
type AccountID uuid.UUID

// ParseAccountID parses the canonical UUID form of an account id.
func ParseAccountID(s string) (AccountID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return AccountID{}, fmt.Errorf("parsing account id: %w", err)
	}
	return AccountID(id), nil
}

// Bytes returns the 16-byte binary form used as derivation input.
func (a AccountID) Bytes() []byte {
	b := uuid.UUID(a)
	return b[:]
}

func (a AccountID) String() string { return uuid.UUID(a).String() }

// BackupID identifies the location of a backup on the service.
type BackupID [BackupIDLength]byte

// BackupIDFromBytes copies b into a BackupID. It panics if b is not exactly
// BackupIDLength bytes, since a mis-sized id means the protocol is corrupt.
func BackupIDFromBytes(b []byte) BackupID {
	if len(b) != BackupIDLength {
		panic(fmt.Sprintf("backup id must be %d bytes, got %d", BackupIDLength, len(b)))
	}
	var id BackupID
	copy(id[:], b)
	return id
}

func (id BackupID) Encode() string { return base64.StdEncoding.EncodeToString(id[:]) }

// MediaID identifies one encrypted media object on the archive CDN.
type MediaID [MediaIDLength]byte

// MediaIDFromBytes copies b into a MediaID. It panics on a length mismatch.
func MediaIDFromBytes(b []byte) MediaID {
	if len(b) != MediaIDLength {
		panic(fmt.Sprintf("media id must be %d bytes, got %d", MediaIDLength, len(b)))
	}
	var id MediaID
	copy(id[:], b)
	return id
}

// Encode returns the unpadded URL-safe base64 form used on the wire.
func (id MediaID) Encode() string { return base64.RawURLEncoding.EncodeToString(id[:]) }

func (id MediaID) String() string { return id.Encode() }

// ForwardSecrecyToken is the one-time value the service hands out for
// CDN-resident message backups.
type ForwardSecrecyToken [ForwardSecrecyTokenLength]byte

// ForwardSecrecyTokenFromBytes validates and copies a token.
func ForwardSecrecyTokenFromBytes(b []byte) (ForwardSecrecyToken, error) {
	var t ForwardSecrecyToken
	if len(b) != ForwardSecrecyTokenLength {
		return t, fmt.Errorf("forward secrecy token: %w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// KeyMaterial is a MAC key and an AES key derived for one blob.
type KeyMaterial struct {
	MacKey [KeyLength]byte
	AESKey [KeyLength]byte
}

func splitKeyMaterial(combined []byte) KeyMaterial {
	if len(combined) != combinedKeyLength {
		panic(fmt.Sprintf("combined key must be %d bytes, got %d", combinedKeyLength, len(combined)))
	}
	var km KeyMaterial
	copy(km.MacKey[:], combined[:KeyLength])
	copy(km.AESKey[:], combined[KeyLength:])
	return km
}

// BackupKeyMaterial is the key material for the message backup blob.
type BackupKeyMaterial struct {
	ID BackupID
	KeyMaterial
}

// MediaKeyMaterial is the key material for one archived media object.
type MediaKeyMaterial struct {
	ID MediaID
	KeyMaterial
}

// RootKey is the capability shared by both root secrets: binding an account
// to a backup id and to the private key that signs credential presentations.
type RootKey interface {
	DeriveBackupID(account AccountID) BackupID
	DeriveECKey(account AccountID) ed25519.PrivateKey
}

// MessageBackupKey is derived deterministically from the account master secret.
type MessageBackupKey struct {
	value [KeyLength]byte
}

var _ RootKey = MessageBackupKey{}

// DeriveMessageBackupKey derives the message backup key from the account
// master secret.
func DeriveMessageBackupKey(masterSecret []byte) (MessageBackupKey, error) {
	if len(masterSecret) < KeyLength {
		return MessageBackupKey{}, fmt.Errorf("master secret: %w: got %d bytes", ErrInvalidLength, len(masterSecret))
	}
	var k MessageBackupKey
	copy(k.value[:], hkdfPrimitives.DeriveMessageBackupKey(masterSecret))
	return k, nil
}

// MessageBackupKeyFromBytes wraps an already derived key.
func MessageBackupKeyFromBytes(b []byte) (MessageBackupKey, error) {
	var k MessageBackupKey
	if len(b) != KeyLength {
		return k, fmt.Errorf("message backup key: %w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(k.value[:], b)
	return k, nil
}

func (k MessageBackupKey) DeriveBackupID(account AccountID) BackupID {
	return BackupIDFromBytes(hkdfPrimitives.DeriveBackupID(k.value[:], account.Bytes()))
}

func (k MessageBackupKey) DeriveECKey(account AccountID) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(hkdfPrimitives.DeriveECKey(k.value[:], account.Bytes()))
}

// DeriveBackupSecrets derives the key material for the message backup. When
// token is non-nil the keys incorporate it; a nil token is only valid for
// backups that never touch the CDN, such as a link-and-sync transfer.
func (k MessageBackupKey) DeriveBackupSecrets(account AccountID, token *ForwardSecrecyToken) BackupKeyMaterial {
	id := k.DeriveBackupID(account)

	var salt []byte
	if token != nil {
		salt = token[:]
	}

	return BackupKeyMaterial{
		ID:          id,
		KeyMaterial: splitKeyMaterial(hkdfPrimitives.DeriveBackupEncryptionKey(k.value[:], id[:], salt)),
	}
}

// DeriveLocalBackupMetadataKey returns the key that encrypts the backup-id
// header of a local backup. It shares no derivation path with CDN keys.
func (k MessageBackupKey) DeriveLocalBackupMetadataKey() []byte {
	return hkdfPrimitives.DeriveLocalBackupMetadataKey(k.value[:])
}

// Bytes returns a copy of the raw key for persistence. Never log it.
func (k MessageBackupKey) Bytes() []byte { return append([]byte(nil), k.value[:]...) }

func (MessageBackupKey) String() string   { return "MessageBackupKey[redacted]" }
func (MessageBackupKey) GoString() string { return "MessageBackupKey[redacted]" }

// MediaRootBackupKey is generated randomly once per account and persisted.
type MediaRootBackupKey struct {
	value [KeyLength]byte
}

var _ RootKey = MediaRootBackupKey{}

// GenerateMediaRootBackupKey reads a fresh key from r, usually crypto/rand.Reader.
func GenerateMediaRootBackupKey(r io.Reader) (MediaRootBackupKey, error) {
	var k MediaRootBackupKey
	if _, err := io.ReadFull(r, k.value[:]); err != nil {
		return k, fmt.Errorf("generating media root backup key: %w", err)
	}
	return k, nil
}

// MediaRootBackupKeyFromBytes wraps a persisted key.
func MediaRootBackupKeyFromBytes(b []byte) (MediaRootBackupKey, error) {
	var k MediaRootBackupKey
	if len(b) != KeyLength {
		return k, fmt.Errorf("media root backup key: %w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(k.value[:], b)
	return k, nil
}

func (k MediaRootBackupKey) DeriveBackupID(account AccountID) BackupID {
	return BackupIDFromBytes(hkdfPrimitives.DeriveBackupID(k.value[:], account.Bytes()))
}

func (k MediaRootBackupKey) DeriveECKey(account AccountID) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(hkdfPrimitives.DeriveECKey(k.value[:], account.Bytes()))
}

// DeriveMediaID maps a media name to its archive id.
func (k MediaRootBackupKey) DeriveMediaID(name MediaName) MediaID {
	return MediaIDFromBytes(hkdfPrimitives.DeriveMediaID(k.value[:], name.String()))
}

// DeriveMediaSecrets derives the id and keys for the media object called name.
func (k MediaRootBackupKey) DeriveMediaSecrets(name MediaName) MediaKeyMaterial {
	return k.DeriveMediaSecretsForID(k.DeriveMediaID(name))
}

// DeriveMediaSecretsForID derives the keys for an already known media id.
// Bytes [0,32) of the combined key are the MAC key and [32,64) the AES key.
func (k MediaRootBackupKey) DeriveMediaSecretsForID(id MediaID) MediaKeyMaterial {
	return MediaKeyMaterial{
		ID:          id,
		KeyMaterial: splitKeyMaterial(hkdfPrimitives.DeriveMediaEncryptionKey(k.value[:], id[:])),
	}
}

// DeriveThumbnailTransitKey derives the keys used to encrypt a thumbnail for
// its transit-CDN upload.
func (k MediaRootBackupKey) DeriveThumbnailTransitKey(thumbnail MediaName) MediaKeyMaterial {
	id := k.DeriveMediaID(thumbnail)
	return MediaKeyMaterial{
		ID:          id,
		KeyMaterial: splitKeyMaterial(hkdfPrimitives.DeriveThumbnailTransitEncryptionKey(k.value[:], id[:])),
	}
}

// Bytes returns a copy of the raw key for persistence. Never log it.
func (k MediaRootBackupKey) Bytes() []byte { return append([]byte(nil), k.value[:]...) }

func (MediaRootBackupKey) String() string   { return "MediaRootBackupKey[redacted]" }
func (MediaRootBackupKey) GoString() string { return "MediaRootBackupKey[redacted]" }
