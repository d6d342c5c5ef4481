package testutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"

	"zrbackup/internal/attachment"
)

// NewTransitAttachment returns an attachment that finished uploading to
// transit CDN 2 and waits to be copied into the archive. Keys, hashes and
// the transit location are derived from content.
func NewTransitAttachment(content string) *attachment.Attachment {
	hash := sha256.Sum256([]byte(content))
	key := sha512.Sum512([]byte("key:" + content))
	digest := sha256.Sum256([]byte("digest:" + content))

	return &attachment.Attachment{
		MessageID:            1,
		ContentType:          "image/jpeg",
		FileName:             content + ".jpg",
		Size:                 int64(len(content)),
		RemoteKey:            base64.StdEncoding.EncodeToString(key[:]),
		RemoteLocation:       "transit-" + hex.EncodeToString(hash[:8]),
		RemoteDigest:         digest[:],
		CDN:                  2,
		UploadTimestamp:      1700000000000,
		TransferState:        attachment.TransferDone,
		DataHash:             base64.StdEncoding.EncodeToString(hash[:]),
		ArchiveTransferState: attachment.ArchiveCopyPending,
	}
}
