package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileSystemVault(t *testing.T) {
	t.Run("creates directory structure", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "vault")

		if _, err := NewFileSystemVault(root); err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		for _, dir := range []string{"media", "snapshots"} {
			if _, err := os.Stat(filepath.Join(root, dir)); err != nil {
				t.Errorf("%s directory not created: %v", dir, err)
			}
		}
	})

	t.Run("works with existing directory", func(t *testing.T) {
		if _, err := NewFileSystemVault(t.TempDir()); err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
	})
}

func TestFileSystemVault_Layout(t *testing.T) {
	root := t.TempDir()
	v, err := NewFileSystemVault(root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.PutMedia("deadbeef", strings.NewReader("media"), 5); err != nil {
		t.Fatalf("PutMedia() error = %v", err)
	}
	if err := v.PutSnapshot("acct", "manifest", strings.NewReader("mf"), 2, 42); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}

	for path, want := range map[string]string{
		filepath.Join(root, "media", "deadbeef"):                 "media",
		filepath.Join(root, "snapshots", "acct", "manifest"):         "mf",
		filepath.Join(root, "snapshots", "acct", "manifest.version"): "42",
	} {
		got, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("reading %s: %v", path, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestFileSystemVault_PutMedia_KeepsExisting(t *testing.T) {
	v, err := NewFileSystemVault(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.PutMedia("same", strings.NewReader("original"), 8); err != nil {
		t.Fatalf("first PutMedia() error = %v", err)
	}
	if err := v.PutMedia("same", strings.NewReader("replaced"), 8); err != nil {
		t.Fatalf("second PutMedia() error = %v", err)
	}
	if err := v.PutMedia("same", strings.NewReader("short"), 8); err == nil {
		t.Error("second PutMedia() with wrong size expected error")
	}

	var buf bytes.Buffer
	if err := v.GetMedia("same", &buf); err != nil {
		t.Fatalf("GetMedia() error = %v", err)
	}
	if buf.String() != "original" {
		t.Errorf("GetMedia() = %q, want original", buf.String())
	}
}

func TestFileSystemVault_NoTempFilesLeft(t *testing.T) {
	root := t.TempDir()
	v, err := NewFileSystemVault(root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	_ = v.PutMedia("bad", strings.NewReader("abc"), 99)

	entries, err := os.ReadDir(filepath.Join(root, "media"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("media dir has %d entries after failed write, want 0", len(entries))
	}
}

func TestFileSystemVault_CorruptVersion(t *testing.T) {
	root := t.TempDir()
	v, err := NewFileSystemVault(root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	if err := v.PutSnapshot("acct", "db", strings.NewReader("x"), 1, 3); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "snapshots", "acct", "db.version"), []byte("three"), 0644); err != nil {
		t.Fatalf("corrupting version: %v", err)
	}
	if _, err := v.GetSnapshotVersion("acct", "db"); err == nil {
		t.Error("GetSnapshotVersion() with corrupt file expected error")
	}
}

func TestFileSystemVault_ValidateSetup_MissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	v, err := NewFileSystemVault(root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("removing root: %v", err)
	}
	if err := v.ValidateSetup(); err == nil {
		t.Error("ValidateSetup() with missing root expected error")
	}
}
