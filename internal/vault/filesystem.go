package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"zrbackup/internal/backup"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// It stores media and snapshots as files in a directory structure:
//
//	<root>/
//	  media/
//	    <name>                 (encrypted media, named by local backup name)
//	  snapshots/
//	    <accountID>/
//	      <name>               (manifest, db)
//	      <name>.version
type FileSystemVault struct {
	root        string
	mediaDir    string
	snapshotDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(root string) (*FileSystemVault, error) {
	mediaDir := filepath.Join(root, "media")
	snapshotDir := filepath.Join(root, "snapshots")

	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	return &FileSystemVault{
		root:        root,
		mediaDir:    mediaDir,
		snapshotDir: snapshotDir,
	}, nil
}

// PutMedia stores a media file. An existing file with the same name is kept
// and the reader is drained.
func (v *FileSystemVault) PutMedia(name string, r io.Reader, size int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	destPath := filepath.Join(v.mediaDir, name)

	if _, err := os.Stat(destPath); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	return writeFile(destPath, r, size)
}

func (v *FileSystemVault) GetMedia(name string, w io.Writer) error {
	if err := validateName(name); err != nil {
		return err
	}
	return readFile(filepath.Join(v.mediaDir, name), w, fmt.Sprintf("media not found: %s", name))
}

func (v *FileSystemVault) HasMedia(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(v.mediaDir, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking media %s: %w", name, err)
	}
	return true, nil
}

func (v *FileSystemVault) accountDir(accountID string) (string, error) {
	if err := validateName(accountID); err != nil {
		return "", err
	}
	return filepath.Join(v.snapshotDir, accountID), nil
}

// PutSnapshot stores a snapshot and then its version marker.
func (v *FileSystemVault) PutSnapshot(accountID, name string, r io.Reader, size int64, version int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	dir, err := v.accountDir(accountID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create account directory: %w", err)
	}

	if err := writeFile(filepath.Join(dir, name), r, size); err != nil {
		return err
	}

	versionData := strconv.FormatInt(version, 10)
	return os.WriteFile(filepath.Join(dir, name+".version"), []byte(versionData), 0644)
}

// GetSnapshotVersion returns 0 if no version file exists.
func (v *FileSystemVault) GetSnapshotVersion(accountID, name string) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	dir, err := v.accountDir(accountID)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".version"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

func (v *FileSystemVault) GetSnapshot(accountID, name string, w io.Writer) error {
	if err := validateName(name); err != nil {
		return err
	}
	dir, err := v.accountDir(accountID)
	if err != nil {
		return err
	}
	return readFile(filepath.Join(dir, name), w, fmt.Sprintf("snapshot %q not found for account: %s", name, accountID))
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.mediaDir, v.snapshotDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}

	probe, err := os.CreateTemp(v.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("vault root not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// writeFile writes r to destPath through a temp file and rename.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

func readFile(srcPath string, w io.Writer, notFoundMsg string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s", notFoundMsg)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

var _ backup.Vault = (*FileSystemVault)(nil)
