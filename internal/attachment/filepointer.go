package attachment

import (
	"encoding/base64"
	"strings"
)

// MaxBackupTimestamp is the largest millisecond timestamp every backup
// consumer can deserialize as a date.
const MaxBackupTimestamp int64 = 8_640_000_000_000_000

// ClampToValidBackupRange clamps a millisecond timestamp into
// [0, MaxBackupTimestamp].
func ClampToValidBackupRange(ts int64) int64 {
	return min(max(ts, 0), MaxBackupTimestamp)
}

// BackupMode says what kind of backup a FilePointer is being produced for.
type BackupMode int

const (
	BackupModeRemote BackupMode = iota
	BackupModeLinkSync
	BackupModeLocal
)

// IsLocalBackup reports whether the export stays off the CDN.
func (m BackupMode) IsLocalBackup() bool { return m == BackupModeLocal }

// FilePointer is the remote locator of an attachment inside a backup.
type FilePointer struct {
	LocatorInfo             *LocatorInfo `json:"locatorInfo,omitempty"`
	ContentType             string       `json:"contentType,omitempty"`
	IncrementalMac          []byte       `json:"incrementalMac,omitempty"`
	IncrementalMacChunkSize *int         `json:"incrementalMacChunkSize,omitempty"`
	FileName                string       `json:"fileName,omitempty"`
	Width                   *int         `json:"width,omitempty"`
	Height                  *int         `json:"height,omitempty"`
	Caption                 string       `json:"caption,omitempty"`
	BlurHash                string       `json:"blurHash,omitempty"`
}

// LocatorInfo says where the encrypted bytes of an attachment live. An empty
// LocatorInfo marks a tombstone.
type LocatorInfo struct {
	Key                        []byte `json:"key,omitempty"`
	Size                       int    `json:"size,omitempty"`
	TransitCdnKey              string `json:"transitCdnKey,omitempty"`
	TransitCdnNumber           *int   `json:"transitCdnNumber,omitempty"`
	TransitTierUploadTimestamp *int64 `json:"transitTierUploadTimestamp,omitempty"`
	PlaintextHash              []byte `json:"plaintextHash,omitempty"`
	EncryptedDigest            []byte `json:"encryptedDigest,omitempty"`
	MediaTierCdnNumber         *int   `json:"mediaTierCdnNumber,omitempty"`
	LocalKey                   []byte `json:"localKey,omitempty"`
}

// IsEmpty reports whether l carries no locator at all.
func (l *LocatorInfo) IsEmpty() bool {
	return len(l.Key) == 0 && l.Size == 0 && l.TransitCdnKey == "" && l.TransitCdnNumber == nil &&
		l.TransitTierUploadTimestamp == nil && len(l.PlaintextHash) == 0 && len(l.EncryptedDigest) == 0 &&
		l.MediaTierCdnNumber == nil && len(l.LocalKey) == 0
}

// ToRemoteFilePointer converts a into its wire form for a backup of the
// given mode.
func ToRemoteFilePointer(a *Attachment, mode BackupMode) (*FilePointer, error) {
	fp := &FilePointer{
		FileName: a.FileName,
		Caption:  a.Caption,
		BlurHash: a.BlurHash,
	}
	if strings.TrimSpace(a.ContentType) != "" {
		fp.ContentType = a.ContentType
	}
	if len(a.IncrementalMac) > 0 && a.IncrementalMacChunkSize > 0 {
		fp.IncrementalMac = a.IncrementalMac
		fp.IncrementalMacChunkSize = intPtr(a.IncrementalMacChunkSize)
	}
	if a.Width > 0 {
		fp.Width = intPtr(a.Width)
	}
	if a.Height > 0 {
		fp.Height = intPtr(a.Height)
	}

	locator, err := toLocatorInfo(a, mode)
	if err != nil {
		return nil, err
	}
	fp.LocatorInfo = locator
	return fp, nil
}

func toLocatorInfo(a *Attachment, mode BackupMode) (*LocatorInfo, error) {
	tier := Classify(a)
	if _, ok := tier.(Tombstone); ok {
		return &LocatorInfo{}, nil
	}

	key, err := a.decodedKey()
	if err != nil {
		return nil, err
	}

	locator := &LocatorInfo{
		Key:  key,
		Size: int(a.Size),
	}

	if strings.TrimSpace(a.RemoteLocation) != "" {
		locator.TransitCdnKey = a.RemoteLocation
		locator.TransitCdnNumber = intPtr(a.CDN)
		if a.UploadTimestamp > 0 {
			ts := ClampToValidBackupRange(a.UploadTimestamp)
			locator.TransitTierUploadTimestamp = &ts
		}
	}

	switch t := tier.(type) {
	case Archived:
		hash, err := a.decodedHash()
		if err != nil {
			return nil, err
		}
		locator.PlaintextHash = hash
		locator.MediaTierCdnNumber = t.ArchiveCDN
	case Pointer:
		locator.EncryptedDigest = a.RemoteDigest
	}

	if mode.IsLocalBackup() && a.DataHash != "" && len(a.LocalBackupKey) > 0 {
		if locator.PlaintextHash == nil {
			hash, err := a.decodedHash()
			if err != nil {
				return nil, err
			}
			locator.PlaintextHash = hash
		}
		locator.LocalKey = a.LocalBackupKey
	}

	return locator, nil
}

// ImportOptions carries the message-level context a FilePointer does not.
type ImportOptions struct {
	// WasDownloaded marks transit attachments that had been downloaded on the
	// exporting device, so they come back as needing a restore.
	WasDownloaded bool
	VoiceNote     bool
	Borderless    bool
	Gif           bool
	Quote         bool
}

// ToLocalAttachment converts a FilePointer read from a backup into a local
// attachment record. A nil pointer or a pointer without locator info means
// there is no attachment, and nil is returned.
func ToLocalAttachment(fp *FilePointer, opts ImportOptions) *Attachment {
	if fp == nil || fp.LocatorInfo == nil {
		return nil
	}
	l := fp.LocatorInfo

	a := &Attachment{
		ContentType: fp.ContentType,
		FileName:    fp.FileName,
		Caption:     fp.Caption,
		BlurHash:    fp.BlurHash,
		Width:       derefInt(fp.Width),
		Height:      derefInt(fp.Height),
		VoiceNote:   opts.VoiceNote,
		Borderless:  opts.Borderless,
		Gif:         opts.Gif,
		Quote:       opts.Quote,
	}
	if len(fp.IncrementalMac) > 0 {
		a.IncrementalMac = fp.IncrementalMac
		a.IncrementalMacChunkSize = derefInt(fp.IncrementalMacChunkSize)
	}

	switch {
	case l.PlaintextHash != nil:
		a.Size = int64(l.Size)
		a.RemoteKey = base64.StdEncoding.EncodeToString(l.Key)
		a.RemoteLocation = strings.TrimSpace(l.TransitCdnKey)
		a.CDN = derefInt(l.TransitCdnNumber)
		if l.TransitTierUploadTimestamp != nil {
			a.UploadTimestamp = *l.TransitTierUploadTimestamp
		}
		a.DataHash = base64.StdEncoding.EncodeToString(l.PlaintextHash)
		a.ArchiveCDN = l.MediaTierCdnNumber
		a.LocalBackupKey = l.LocalKey
		a.TransferState = TransferNeedsRestore
		a.ArchiveTransferState = ArchiveFinished

	case l.EncryptedDigest != nil && l.TransitCdnKey != "":
		a.Size = int64(l.Size)
		a.RemoteKey = base64.StdEncoding.EncodeToString(l.Key)
		a.RemoteLocation = l.TransitCdnKey
		a.RemoteDigest = l.EncryptedDigest
		a.CDN = derefInt(l.TransitCdnNumber)
		if l.TransitTierUploadTimestamp != nil {
			a.UploadTimestamp = ClampToValidBackupRange(*l.TransitTierUploadTimestamp)
		}
		if opts.WasDownloaded {
			a.TransferState = TransferNeedsRestore
		} else {
			a.TransferState = TransferPending
		}

	default:
		a.TransferState = TransferPermanentFailure
	}

	return a
}

func intPtr(v int) *int { return &v }

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
