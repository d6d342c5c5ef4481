package backup

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"zrbackup/internal/attachment"
	"zrbackup/internal/backupkeys"
)

// LocalManifestVersion is the format version written into local manifests.
const LocalManifestVersion = 1

// localBackupKeyLength is the size of a generated per-attachment local key.
const localBackupKeyLength = 32

// MediaSource opens the plaintext of an attachment for a local backup.
// Open returns an error wrapping fs.ErrNotExist when the file is missing.
type MediaSource interface {
	Open(a *attachment.Attachment) (io.ReadCloser, int64, error)
}

// DirMediaSource reads attachment files named by attachment id from a
// directory.
type DirMediaSource string

func (d DirMediaSource) Open(a *attachment.Attachment) (io.ReadCloser, int64, error) {
	f, err := os.Open(filepath.Join(string(d), strconv.FormatInt(a.ID, 10)))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// WithMediaSource makes local exports copy attachment files into the vault.
func WithMediaSource(src MediaSource) Option {
	return func(s *Service) { s.media = src }
}

// LocalManifest is the body of a local backup. Header is the backup id,
// sealed under the local backup metadata key as nonce || ciphertext.
type LocalManifest struct {
	Version     int                  `json:"version"`
	CreatedAt   time.Time            `json:"createdAt"`
	Header      []byte               `json:"header"`
	Attachments []LocalManifestEntry `json:"attachments"`
}

// LocalManifestEntry is one exported attachment. MediaName is empty when the
// attachment has no local copy.
type LocalManifestEntry struct {
	ID        int64                   `json:"id"`
	MessageID int64                   `json:"messageId"`
	Pointer   *attachment.FilePointer `json:"pointer"`
	MediaName string                  `json:"mediaName,omitempty"`
}

// LocalExportResult summarizes a local export.
type LocalExportResult struct {
	Name         string
	Version      int64
	Attachments  int
	MediaCopied  int
	MediaPresent int
	MediaMissing int
}

// ExportLocalBackup writes every stored attachment into a local backup
// manifest stored in the vault as name. Attachments with a plaintext hash
// get a local backup key if they lack one. When a media source is set, the
// attachment files are copied into the vault under their local names.
func (s *Service) ExportLocalBackup(ctx context.Context, name string) (*LocalExportResult, error) {
	if s.vault == nil {
		return nil, errors.New("no vault configured for local backups")
	}
	keys, err := s.loadKeys()
	if err != nil {
		return nil, err
	}

	header, err := sealLocalHeader(keys, s.rand)
	if err != nil {
		return nil, err
	}

	attachments, err := s.database.ListAttachments(0)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}

	result := &LocalExportResult{Name: name}
	manifest := LocalManifest{
		Version:     LocalManifestVersion,
		CreatedAt:   s.clock.Now().UTC(),
		Header:      header,
		Attachments: make([]LocalManifestEntry, 0, len(attachments)),
	}

	for _, a := range attachments {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("local export interrupted: %w", err)
		}

		entry, err := s.exportLocalEntry(a, result)
		if err != nil {
			return nil, err
		}
		manifest.Attachments = append(manifest.Attachments, entry)
	}
	result.Attachments = len(manifest.Attachments)

	body, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}

	prev, err := s.vault.GetSnapshotVersion(keys.Account.String(), name)
	if err != nil {
		return nil, fmt.Errorf("reading %s version: %w", name, err)
	}
	result.Version = prev + 1
	if err := s.vault.PutSnapshot(keys.Account.String(), name, bytes.NewReader(body), int64(len(body)), result.Version); err != nil {
		return nil, fmt.Errorf("storing %s: %w", name, err)
	}

	s.logger.Info("local backup exported",
		"name", name,
		"version", result.Version,
		"attachments", result.Attachments,
		"media_copied", result.MediaCopied)
	return result, nil
}

func (s *Service) exportLocalEntry(a *attachment.Attachment, result *LocalExportResult) (LocalManifestEntry, error) {
	if a.DataHash != "" && len(a.LocalBackupKey) == 0 {
		key := make([]byte, localBackupKeyLength)
		if _, err := io.ReadFull(s.rand, key); err != nil {
			return LocalManifestEntry{}, fmt.Errorf("generating local key: %w", err)
		}
		a.LocalBackupKey = key
		if err := s.database.UpdateAttachment(a); err != nil {
			return LocalManifestEntry{}, fmt.Errorf("storing local key of attachment %d: %w", a.ID, err)
		}
	}

	fp, err := attachment.ToRemoteFilePointer(a, attachment.BackupModeLocal)
	if err != nil {
		return LocalManifestEntry{}, fmt.Errorf("exporting attachment %d: %w", a.ID, err)
	}
	entry := LocalManifestEntry{ID: a.ID, MessageID: a.MessageID, Pointer: fp}

	mediaName, ok, err := a.LocalBackupMediaName()
	if err != nil {
		return LocalManifestEntry{}, err
	}
	if !ok {
		return entry, nil
	}
	entry.MediaName = mediaName.String()

	if s.media != nil {
		if err := s.copyLocalMedia(a, entry.MediaName, result); err != nil {
			return LocalManifestEntry{}, err
		}
	}
	return entry, nil
}

func (s *Service) copyLocalMedia(a *attachment.Attachment, name string, result *LocalExportResult) error {
	present, err := s.vault.HasMedia(name)
	if err != nil {
		return fmt.Errorf("checking media %s: %w", name, err)
	}
	if present {
		result.MediaPresent++
		return nil
	}

	r, size, err := s.media.Open(a)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("attachment file missing", "id", a.ID)
		result.MediaMissing++
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening attachment %d: %w", a.ID, err)
	}
	defer r.Close()

	if err := s.vault.PutMedia(name, r, size); err != nil {
		return fmt.Errorf("storing media of attachment %d: %w", a.ID, err)
	}
	result.MediaCopied++
	return nil
}

// ReadLocalManifest loads a stored manifest and checks that its header
// opens under this account's keys.
func (s *Service) ReadLocalManifest(name string) (*LocalManifest, error) {
	if s.vault == nil {
		return nil, errors.New("no vault configured for local backups")
	}
	keys, err := s.loadKeys()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := s.vault.GetSnapshot(keys.Account.String(), name, &buf); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	var manifest LocalManifest
	if err := json.Unmarshal(buf.Bytes(), &manifest); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}

	id, err := OpenLocalHeader(keys.Message.DeriveLocalBackupMetadataKey(), manifest.Header)
	if err != nil {
		return nil, err
	}
	if id != keys.Message.DeriveBackupID(keys.Account) {
		return nil, errors.New("local backup belongs to a different backup id")
	}
	return &manifest, nil
}

// sealLocalHeader encrypts the message backup id with AES-256-GCM under the
// local backup metadata key.
func sealLocalHeader(keys *Keys, random io.Reader) ([]byte, error) {
	aead, err := localHeaderAEAD(keys.Message.DeriveLocalBackupMetadataKey())
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	id := keys.Message.DeriveBackupID(keys.Account)
	return aead.Seal(nonce, nonce, id[:], nil), nil
}

// OpenLocalHeader decrypts a local backup header and returns the backup id.
func OpenLocalHeader(metadataKey, header []byte) (backupkeys.BackupID, error) {
	aead, err := localHeaderAEAD(metadataKey)
	if err != nil {
		return backupkeys.BackupID{}, err
	}
	if len(header) < aead.NonceSize()+aead.Overhead() {
		return backupkeys.BackupID{}, errors.New("local backup header too short")
	}
	nonce, sealed := header[:aead.NonceSize()], header[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return backupkeys.BackupID{}, fmt.Errorf("opening local backup header: %w", err)
	}
	if len(plain) != backupkeys.BackupIDLength {
		return backupkeys.BackupID{}, fmt.Errorf("%w: backup id is %d bytes", backupkeys.ErrInvalidLength, len(plain))
	}
	return backupkeys.BackupIDFromBytes(plain), nil
}

func localHeaderAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating header cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating header cipher: %w", err)
	}
	return aead, nil
}
