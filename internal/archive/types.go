package archive

import (
	"encoding/base64"
	"time"

	"zrbackup/internal/backupkeys"
)

// Wire types of the archive service. []byte fields travel as standard
// base64.

type SetBackupIDRequest struct {
	MessagesBackupAuthCredentialRequest []byte `json:"messagesBackupAuthCredentialRequest,omitempty"`
	MediaBackupAuthCredentialRequest    []byte `json:"mediaBackupAuthCredentialRequest,omitempty"`
}

type SetPublicKeyRequest struct {
	BackupIDPublicKey []byte `json:"backupIdPublicKey"`
}

// BackupInfo describes the remote backup. A nil field has not been
// established yet.
type BackupInfo struct {
	CDN        *int    `json:"cdn,omitempty"`
	BackupDir  *string `json:"backupDir,omitempty"`
	MediaDir   *string `json:"mediaDir,omitempty"`
	BackupName *string `json:"backupName,omitempty"`
	UsedSpace  *int64  `json:"usedSpace,omitempty"`
}

// SourceAttachment names the transit CDN object to copy from.
type SourceAttachment struct {
	CDN int    `json:"cdn"`
	Key string `json:"key"`
}

type ArchiveMediaRequest struct {
	SourceAttachment SourceAttachment `json:"sourceAttachment"`
	ObjectLength     int              `json:"objectLength"`
	MediaID          string           `json:"mediaId"`
	HMACKey          string           `json:"hmacKey"`
	EncryptionKey    string           `json:"encryptionKey"`
}

// NewArchiveMediaRequest builds the copy request for one object from its
// derived media secrets.
func NewArchiveMediaRequest(src SourceAttachment, objectLength int, secrets backupkeys.MediaKeyMaterial) ArchiveMediaRequest {
	return ArchiveMediaRequest{
		SourceAttachment: src,
		ObjectLength:     objectLength,
		MediaID:          secrets.ID.Encode(),
		HMACKey:          base64.StdEncoding.EncodeToString(secrets.MacKey[:]),
		EncryptionKey:    base64.StdEncoding.EncodeToString(secrets.AESKey[:]),
	}
}

type ArchiveMediaResponse struct {
	CDN int `json:"cdn"`
}

// ArchiveMediaResult is the outcome of a single copy. CDN is only meaningful
// when Status is StatusOK.
type ArchiveMediaResult struct {
	Status     Status
	CDN        int
	RetryAfter time.Duration
}

type BatchArchiveMediaRequest struct {
	Items []ArchiveMediaRequest `json:"items"`
}

type BatchArchiveMediaResponse struct {
	Responses []BatchArchiveMediaItem `json:"responses"`
}

// BatchArchiveMediaItem is the independent outcome of one batch item.
// Status holds the per-item HTTP status code.
type BatchArchiveMediaItem struct {
	Status        *int   `json:"status,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	CDN           *int   `json:"cdn,omitempty"`
	MediaID       string `json:"mediaId"`
}

// Outcome maps the item's status code. A missing code is StatusUnknown.
func (i BatchArchiveMediaItem) Outcome() Status {
	if i.Status == nil {
		return StatusUnknown
	}
	return StatusFromHTTP(*i.Status)
}

// MediaObject identifies an archived object.
type MediaObject struct {
	CDN     int    `json:"cdn"`
	MediaID string `json:"mediaId"`
}

type DeleteArchivedMediaRequest struct {
	MediaToDelete []MediaObject `json:"mediaToDelete"`
}

type CdnCredentialsResponse struct {
	Headers map[string]string `json:"headers"`
}

// ArchiveCredential is one day's credential. RedemptionTime is in seconds.
type ArchiveCredential struct {
	Credential     []byte `json:"credential"`
	RedemptionTime int64  `json:"redemptionTime"`
}

// ArchiveCredentialsResponse lists credentials keyed by Kind name.
type ArchiveCredentialsResponse struct {
	Credentials map[string][]ArchiveCredential `json:"credentials"`
}
