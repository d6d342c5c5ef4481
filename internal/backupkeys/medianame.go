package backupkeys

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const thumbnailSuffix = "_thumbnail"

// MediaName is the stable key a media object is archived under. Identical
// plaintext stored under an identical remote key always yields the same
// name, and therefore the same MediaID.
type MediaName string

// MediaNameFromPlaintextHashAndRemoteKey builds the name of a full-size
// media object.
func MediaNameFromPlaintextHashAndRemoteKey(plaintextHash, remoteKey []byte) MediaName {
	buf := make([]byte, 0, len(plaintextHash)+len(remoteKey))
	buf = append(buf, plaintextHash...)
	buf = append(buf, remoteKey...)
	return MediaName(hex.EncodeToString(buf))
}

// ThumbnailMediaNameFromPlaintextHashAndRemoteKey builds the name of the
// thumbnail that accompanies a full-size object.
func ThumbnailMediaNameFromPlaintextHashAndRemoteKey(plaintextHash, remoteKey []byte) MediaName {
	return MediaNameFromPlaintextHashAndRemoteKey(plaintextHash, remoteKey).Thumbnail()
}

// LocalBackupMediaName builds the filename a media object is stored under in
// a local backup. It is keyed by the local backup key so the filename cannot
// be linked to the remote media name.
func LocalBackupMediaName(plaintextHash, localKey []byte) MediaName {
	mac := hmac.New(sha256.New, localKey)
	mac.Write(plaintextHash)
	return MediaName(hex.EncodeToString(mac.Sum(nil)))
}

// Thumbnail returns the thumbnail variant of n.
func (n MediaName) Thumbnail() MediaName { return n + thumbnailSuffix }

func (n MediaName) String() string { return string(n) }
