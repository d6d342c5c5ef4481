// Package attachment classifies locally stored attachments into their remote
// storage tier and converts them to and from the FilePointer wire format.
package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"

	"zrbackup/internal/backupkeys"
)

// ErrMalformedAttachment marks a record whose persisted key or hash fields
// cannot be decoded.
var ErrMalformedAttachment = errors.New("malformed attachment record")

// TransferState is the state of the transit-tier upload or download. The
// numeric values are persisted.
type TransferState int

const (
	TransferDone              TransferState = 0
	TransferStarted           TransferState = 1
	TransferPending           TransferState = 2
	TransferFailed            TransferState = 3
	TransferPermanentFailure  TransferState = 4
	TransferNeedsRestore      TransferState = 5
	TransferRestoreInProgress TransferState = 6
)

func (s TransferState) String() string {
	switch s {
	case TransferDone:
		return "done"
	case TransferStarted:
		return "started"
	case TransferPending:
		return "pending"
	case TransferFailed:
		return "failed"
	case TransferPermanentFailure:
		return "permanent_failure"
	case TransferNeedsRestore:
		return "needs_restore"
	case TransferRestoreInProgress:
		return "restore_in_progress"
	default:
		return fmt.Sprintf("transfer(%d)", int(s))
	}
}

// ArchiveTransferState is the state of the migration to the archive CDN.
type ArchiveTransferState int

const (
	ArchiveNone             ArchiveTransferState = 0
	ArchiveUploadInProgress ArchiveTransferState = 1
	ArchiveCopyPending      ArchiveTransferState = 2
	ArchiveFinished         ArchiveTransferState = 3
	ArchiveTemporaryFailure ArchiveTransferState = 4
	ArchivePermanentFailure ArchiveTransferState = 5
)

func (s ArchiveTransferState) String() string {
	switch s {
	case ArchiveNone:
		return "none"
	case ArchiveUploadInProgress:
		return "upload_in_progress"
	case ArchiveCopyPending:
		return "copy_pending"
	case ArchiveFinished:
		return "finished"
	case ArchiveTemporaryFailure:
		return "temporary_failure"
	case ArchivePermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("archive(%d)", int(s))
	}
}

// Attachment is the persisted metadata of one locally known attachment.
// Key and hash fields hold the base64 text they are stored as.
type Attachment struct {
	ID        int64
	MessageID int64

	ContentType string
	FileName    string
	Size        int64
	Width       int
	Height      int
	Caption     string
	BlurHash    string
	VoiceNote   bool
	Borderless  bool
	Gif         bool
	Quote       bool

	// Transit tier.
	RemoteKey       string // base64 of the 64-byte attachment key
	RemoteLocation  string // transit CDN key
	RemoteDigest    []byte
	CDN             int // transit CDN number
	UploadTimestamp int64
	TransferState   TransferState

	IncrementalMac          []byte
	IncrementalMacChunkSize int

	// Archive tier.
	DataHash             string // base64 of the plaintext SHA-256
	ArchiveCDN           *int
	ArchiveTransferState ArchiveTransferState
	LocalBackupKey       []byte
}

// decodedKey returns the raw remote key.
func (a *Attachment) decodedKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(a.RemoteKey)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment %d remote key: %v", ErrMalformedAttachment, a.ID, err)
	}
	return key, nil
}

// decodedHash returns the raw plaintext hash.
func (a *Attachment) decodedHash() ([]byte, error) {
	hash, err := base64.StdEncoding.DecodeString(a.DataHash)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment %d data hash: %v", ErrMalformedAttachment, a.ID, err)
	}
	return hash, nil
}

// MediaName returns the archive media name of the full-size object. The
// attachment must carry both a data hash and a remote key.
func (a *Attachment) MediaName() (backupkeys.MediaName, error) {
	if a.DataHash == "" || a.RemoteKey == "" {
		return "", fmt.Errorf("%w: attachment %d has no media name", ErrMalformedAttachment, a.ID)
	}
	hash, err := a.decodedHash()
	if err != nil {
		return "", err
	}
	key, err := a.decodedKey()
	if err != nil {
		return "", err
	}
	return backupkeys.MediaNameFromPlaintextHashAndRemoteKey(hash, key), nil
}

// ThumbnailMediaName returns the archive media name of the thumbnail.
func (a *Attachment) ThumbnailMediaName() (backupkeys.MediaName, error) {
	name, err := a.MediaName()
	if err != nil {
		return "", err
	}
	return name.Thumbnail(), nil
}

// LocalBackupMediaName returns the filename the attachment is stored under
// in a local backup, if it has a local backup key.
func (a *Attachment) LocalBackupMediaName() (backupkeys.MediaName, bool, error) {
	if a.DataHash == "" || len(a.LocalBackupKey) == 0 {
		return "", false, nil
	}
	hash, err := a.decodedHash()
	if err != nil {
		return "", false, err
	}
	return backupkeys.LocalBackupMediaName(hash, a.LocalBackupKey), true, nil
}
