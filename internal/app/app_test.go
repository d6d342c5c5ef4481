package app

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"zrbackup/internal/archive"
	"zrbackup/internal/archive/archivetest"
	"zrbackup/internal/attachment"
	"zrbackup/internal/config"
	"zrbackup/internal/constraint"
	"zrbackup/internal/state"
	"zrbackup/internal/testutil"
)

func newTestApp(t *testing.T, srv *archivetest.Server, operation string) *App {
	t.Helper()

	cfg := config.NewConfig(t.TempDir())
	cfg.Account = config.AccountConfig{ID: testutil.TestAccountID, Username: srv.Username, Password: srv.Password}
	cfg.Archive.BaseURL = srv.URL
	cfg.Archive.MaxRetries = -1
	cfg.KeyStore = config.KeyStoreConfig{Type: "memory"}
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Vault = config.VaultConfig{Type: "memory", Name: "test"}

	var logs bytes.Buffer
	a, err := NewApp(context.Background(), cfg, operation, Options{LogWriter: &logs})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	return a
}

const pointerJSON = `{
	"contentType": "image/png",
	"locatorInfo": {
		"key": "BwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBw==",
		"size": 5,
		"transitCdnKey": "transit-abc",
		"transitCdnNumber": 2,
		"plaintextHash": "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ="
	}
}`

func TestApp_StateAndConstraints(t *testing.T) {
	srv := archivetest.New(t)
	a := newTestApp(t, srv, "state set")

	unmet := map[string]bool{}
	for _, c := range a.Constraints() {
		unmet[c.Key] = !c.Met
	}
	if !unmet[constraint.RegisteredKey] {
		t.Error("registered constraint met before registration")
	}

	if err := a.SetState(FlagRegistered, "true"); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	if err := a.SetState(FlagDeletionState, "AWAITING_MEDIA_DOWNLOAD"); err != nil {
		t.Fatalf("SetState(deletion) error = %v", err)
	}
	if err := a.SetState("bogus", "1"); err == nil {
		t.Error("SetState() with unknown flag expected error")
	}
	if err := a.SetState(FlagBackupsEnabled, "maybe"); err == nil {
		t.Error("SetState() with bad bool expected error")
	}

	snap := a.State()
	if !snap.Registered || snap.AccountID != testutil.TestAccountID || snap.Deletion != state.DeletionAwaitingMediaDownload {
		t.Errorf("state = %+v", snap)
	}

	if err := a.WaitConstraints(context.Background(), constraint.RegisteredKey); err != nil {
		t.Errorf("WaitConstraints(registered) error = %v", err)
	}
	if a.op.Status != StatusError {
		t.Errorf("op status = %q after a failed set, want %q", a.op.Status, StatusError)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestApp_ArchiveLifecycle(t *testing.T) {
	srv := archivetest.New(t)
	a := newTestApp(t, srv, "archive reserve")
	ctx := context.Background()

	if err := a.ReserveBackupID(ctx); err != nil {
		t.Fatalf("ReserveBackupID() error = %v", err)
	}
	if srv.BackupIDRequest(archive.KindMessages) == nil || srv.BackupIDRequest(archive.KindMedia) == nil {
		t.Error("backup ids not reserved for both kinds")
	}
	if err := a.RegisterPublicKeys(ctx); err != nil {
		t.Fatalf("RegisterPublicKeys() error = %v", err)
	}

	cdn := 3
	srv.SetBackupInfo(archive.BackupInfo{CDN: &cdn})
	info, err := a.BackupInfo(ctx, "media")
	if err != nil {
		t.Fatalf("BackupInfo() error = %v", err)
	}
	if info.CDN == nil || *info.CDN != 3 {
		t.Errorf("info = %+v", info)
	}
	if _, err := a.BackupInfo(ctx, "photos"); err == nil {
		t.Error("BackupInfo() with unknown kind expected error")
	}

	if err := a.SetState(FlagRegistered, "true"); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	result, err := a.ArchivePendingMedia(ctx)
	if err != nil {
		t.Fatalf("ArchivePendingMedia() error = %v", err)
	}
	if len(result.Deferred) != 0 || result.Submitted != 0 {
		t.Errorf("result = %+v, want an empty run", result)
	}

	headers, err := a.ReadCredentials(ctx, 3)
	if err != nil {
		t.Fatalf("ReadCredentials() error = %v", err)
	}
	if headers["Authorization"] == "" {
		t.Errorf("headers = %v", headers)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	version, err := a.vault.GetSnapshotVersion(testutil.TestAccountID, SnapshotDB)
	if err != nil {
		t.Fatalf("GetSnapshotVersion() error = %v", err)
	}
	if version != a.op.ID {
		t.Errorf("db snapshot version = %d, want operation id %d", version, a.op.ID)
	}
}

func TestApp_AttachmentsAndLocalExport(t *testing.T) {
	srv := archivetest.New(t)
	a := newTestApp(t, srv, "attachment import")
	defer a.Close()

	imported, err := a.ImportAttachment(9, strings.NewReader(pointerJSON), attachment.ImportOptions{})
	if err != nil {
		t.Fatalf("ImportAttachment() error = %v", err)
	}
	if imported.ID == 0 || imported.MessageID != 9 {
		t.Fatalf("imported = %+v", imported)
	}
	if _, err := a.ImportAttachment(9, strings.NewReader("{"), attachment.ImportOptions{}); err == nil {
		t.Error("ImportAttachment() with bad json expected error")
	}

	tier, err := a.AttachmentTier(imported.ID)
	if err != nil {
		t.Fatalf("AttachmentTier() error = %v", err)
	}
	if _, ok := tier.(attachment.Archived); !ok {
		t.Errorf("tier = %s, want archived", tier.Name())
	}

	fp, err := a.ExportAttachment(imported.ID, "remote")
	if err != nil {
		t.Fatalf("ExportAttachment() error = %v", err)
	}
	if fp.LocatorInfo == nil || fp.LocatorInfo.TransitCdnKey != "transit-abc" {
		t.Errorf("exported pointer = %+v", fp.LocatorInfo)
	}
	if _, err := a.ExportAttachment(imported.ID, "carrier-pigeon"); err == nil {
		t.Error("ExportAttachment() with unknown mode expected error")
	}

	result, err := a.ExportLocal(context.Background())
	if err != nil {
		t.Fatalf("ExportLocal() error = %v", err)
	}
	if result.Attachments != 1 || result.Version != 1 {
		t.Errorf("local export = %+v", result)
	}

	ops, err := a.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Operation != "attachment import" {
		t.Errorf("history = %+v, want the single persisted operation", ops)
	}
}

func TestParseBackupMode(t *testing.T) {
	tests := []struct {
		name string
		want attachment.BackupMode
	}{
		{"", attachment.BackupModeRemote},
		{"remote", attachment.BackupModeRemote},
		{"link-sync", attachment.BackupModeLinkSync},
		{"local", attachment.BackupModeLocal},
	}
	for _, tt := range tests {
		got, err := ParseBackupMode(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("ParseBackupMode(%q) = %v, %v; want %v", tt.name, got, err, tt.want)
		}
	}
	if _, err := ParseBackupMode("other"); err == nil {
		t.Error("ParseBackupMode(other) expected error")
	}
}
