package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"zrbackup/internal/archive"
	"zrbackup/internal/attachment"
	"zrbackup/internal/backup"
	"zrbackup/internal/backupkeys"
	"zrbackup/internal/config"
	"zrbackup/internal/constraint"
	"zrbackup/internal/database"
	"zrbackup/internal/keystore"
	"zrbackup/internal/metrics"
	"zrbackup/internal/state"
	"zrbackup/internal/vault"
)

// Snapshot names stored in the vault.
const (
	SnapshotDB       = "db"
	SnapshotManifest = "manifest"
)

// Options carries the wiring that does not come from the config file.
type Options struct {
	// Passphrase unlocks the key file. Only called when a command needs
	// keys.
	Passphrase keystore.PassphraseFunc

	// MediaDir, when set, is where local exports read attachment files.
	MediaDir string

	// LogWriter receives log lines besides the log file. Defaults to
	// stderr.
	LogWriter io.Writer

	HTTPClient *http.Client
}

// App is the application layer between the CLI and backup.Service.
// It constructs all dependencies from config, exposes the operations the CLI
// runs, and manages the database lifecycle on Close.
type App struct {
	cfg     *config.Config
	account backupkeys.AccountID
	db      *database.SQLiteDatabase
	vault   backup.Vault
	state   *state.Store
	gate    *constraint.Registry
	metrics *metrics.Metrics
	service *backup.Service
	op      *Operation
	logFile *os.File
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "archive media").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	account, err := backupkeys.ParseAccountID(cfg.Account.ID)
	if err != nil {
		return nil, err
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vault)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.Account.ID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	// Check local DB version against the vault copy.
	remoteVersion, err := v.GetSnapshotVersion(cfg.Account.ID, SnapshotDB)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checking remote metadata version: %w", err)
	}

	localMax, err := db.MaxBackupOperationID()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checking local metadata version: %w", err)
	}

	if remoteVersion > localMax {
		db.Close()
		return nil, fmt.Errorf("local database is behind vault (local=%d, vault=%d): restore from vault or re-initialize", localMax, remoteVersion)
	}

	keys, err := keystore.NewKeyStoreFromConfig(cfg.KeyStore, account, opts.Passphrase)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating keystore: %w", err)
	}

	st, err := state.Open(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading account state: %w", err)
	}
	gate := constraint.NewDefaultRegistry(st, constraint.NewStickerDownloads())
	m := metrics.New()

	client, err := newArchiveClient(cfg, opts.HTTPClient, m)
	if err != nil {
		db.Close()
		return nil, err
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logWriter := opts.LogWriter
	if logWriter == nil {
		logWriter = os.Stderr
	}
	logger, logFile, err := newLogger(cfg.LogDir, opID, logWriter)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	svcOpts := []backup.Option{
		backup.WithMetrics(m),
		backup.WithBatchSize(cfg.Archive.BatchSize),
	}
	if opts.MediaDir != "" {
		svcOpts = append(svcOpts, backup.WithMediaSource(backup.DirMediaSource(opts.MediaDir)))
	}
	svc := backup.NewService(db, client, v, keys, st, gate, &slogAdapter{l: logger}, backup.RealClock{}, svcOpts...)

	return &App{
		cfg:     cfg,
		account: account,
		db:      db,
		vault:   v,
		state:   st,
		gate:    gate,
		metrics: m,
		service: svc,
		op:      NewOperation(operation, ""),
		logFile: logFile,
	}, nil
}

func newArchiveClient(cfg *config.Config, httpClient *http.Client, rec archive.Recorder) (*archive.Client, error) {
	if httpClient == nil {
		timeout := cfg.Archive.Timeout.Duration
		if timeout <= 0 {
			timeout = config.DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	client, err := archive.NewClient(archive.Options{
		BaseURL:            cfg.Archive.BaseURL,
		HTTPClient:         httpClient,
		Username:           cfg.Account.Username,
		Password:           cfg.Account.Password,
		CredentialLifetime: cfg.Archive.CredentialLifetime.Duration,
		MaxRetries:         cfg.Archive.MaxRetries,
		Recorder:           rec,
	})
	if err != nil {
		return nil, fmt.Errorf("creating archive client: %w", err)
	}
	return client, nil
}

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Only called for commands that change local state.
func (a *App) persistOperation(parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	dbOp, err := a.db.CreateBackupOperation(a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting backup operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// record marks the operation failed when err is set and returns err.
func (a *App) record(err error) error {
	if err != nil {
		a.op.Status = StatusError
	}
	return err
}

// Metrics returns the counters collected during this run.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// ReserveBackupID registers the backup ids of the account.
func (a *App) ReserveBackupID(ctx context.Context) error {
	return a.service.ReserveBackupID(ctx)
}

// RegisterPublicKeys uploads the backup-id public keys.
func (a *App) RegisterPublicKeys(ctx context.Context) error {
	return a.service.RegisterPublicKeys(ctx)
}

// BackupInfo fetches the backup info of the named kind ("messages" or
// "media").
func (a *App) BackupInfo(ctx context.Context, kindName string) (*archive.BackupInfo, error) {
	kind, ok := archive.ParseKind(kindName)
	if !ok {
		return nil, fmt.Errorf("unknown backup kind %q", kindName)
	}
	return a.service.BackupInfo(ctx, kind)
}

// ArchivePendingMedia copies every pending attachment into the archive.
func (a *App) ArchivePendingMedia(ctx context.Context) (*backup.ArchiveResult, error) {
	if err := a.persistOperation(""); err != nil {
		return nil, err
	}
	result, err := a.service.ArchivePendingMedia(ctx)
	return result, a.record(err)
}

// CopyAttachment copies one attachment into the archive.
func (a *App) CopyAttachment(ctx context.Context, id int64) (*backup.ArchiveResult, error) {
	if err := a.persistOperation(fmt.Sprint(id)); err != nil {
		return nil, err
	}
	result, err := a.service.CopyAttachmentToArchive(ctx, id)
	return result, a.record(err)
}

// DeleteMedia deletes abandoned archived objects.
func (a *App) DeleteMedia(ctx context.Context, objects []archive.MediaObject) (int, error) {
	return a.service.DeleteAbandonedMedia(ctx, objects)
}

// DeleteBackup deletes both remote backups.
func (a *App) DeleteBackup(ctx context.Context) (backup.Deferred, error) {
	if err := a.persistOperation(""); err != nil {
		return nil, err
	}
	deferred, err := a.service.DeleteBackup(ctx)
	return deferred, a.record(err)
}

// ReadCredentials fetches CDN read headers.
func (a *App) ReadCredentials(ctx context.Context, cdn int) (map[string]string, error) {
	return a.service.CdnReadCredentials(ctx, cdn)
}

// ImportAttachment reads a JSON FilePointer from r and stores the attachment.
func (a *App) ImportAttachment(messageID int64, r io.Reader, opts attachment.ImportOptions) (*attachment.Attachment, error) {
	var fp attachment.FilePointer
	if err := json.NewDecoder(r).Decode(&fp); err != nil {
		return nil, fmt.Errorf("decoding file pointer: %w", err)
	}
	if err := a.persistOperation(fmt.Sprint(messageID)); err != nil {
		return nil, err
	}
	imported, err := a.service.ImportFilePointer(messageID, &fp, opts)
	return imported, a.record(err)
}

// ExportAttachment returns the FilePointer of a stored attachment for the
// named backup mode ("remote", "link-sync" or "local").
func (a *App) ExportAttachment(id int64, modeName string) (*attachment.FilePointer, error) {
	mode, err := ParseBackupMode(modeName)
	if err != nil {
		return nil, err
	}
	return a.service.ExportFilePointer(id, mode)
}

// AttachmentTier classifies a stored attachment.
func (a *App) AttachmentTier(id int64) (attachment.Tier, error) {
	return a.service.ClassifyAttachment(id)
}

// ExportLocal writes a local backup manifest to the vault.
func (a *App) ExportLocal(ctx context.Context) (*backup.LocalExportResult, error) {
	if err := a.persistOperation(SnapshotManifest); err != nil {
		return nil, err
	}
	result, err := a.service.ExportLocalBackup(ctx, SnapshotManifest)
	return result, a.record(err)
}

// History returns the most recent operations.
func (a *App) History(limit int) ([]*backup.Operation, error) {
	return a.service.History(limit)
}

// ParseBackupMode maps a mode name to a BackupMode.
func ParseBackupMode(name string) (attachment.BackupMode, error) {
	switch name {
	case "remote", "":
		return attachment.BackupModeRemote, nil
	case "link-sync":
		return attachment.BackupModeLinkSync, nil
	case "local":
		return attachment.BackupModeLocal, nil
	default:
		return 0, fmt.Errorf("unknown backup mode %q", name)
	}
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, backs up the DB,
// and uploads it to the vault. For non-persisted operations: just closes the
// database.
func (a *App) Close() error {
	var firstErr error

	if a.op.Persisted() {
		// Finalize the operation record
		if err := a.db.FinishBackupOperation(a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing backup operation: %w", err)
		}

		// Snapshot the DB to a temp file
		tmpFile, err := os.CreateTemp("", "zrbackup-db-*.db")
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("creating temp file for db backup: %w", err)
			}
		}

		var tmpPath string
		if tmpFile != nil {
			tmpPath = tmpFile.Name()
			tmpFile.Close()

			if err := a.db.BackupTo(tmpPath); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("backing up database: %w", err)
				}
				tmpPath = "" // skip vault upload
			}
		}

		if err := a.db.Close(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("closing database: %w", err)
			}
		}

		// Upload DB snapshot to vault with version = operation ID
		if tmpPath != "" {
			if err := a.uploadSnapshot(tmpPath, a.op.ID); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			}
			os.Remove(tmpPath)
		}
	} else {
		// Non-mutating operation: just close the database, no upload
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// uploadSnapshot uploads the database copy at path to the vault.
func (a *App) uploadSnapshot(path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db backup: %w", err)
	}

	if err := a.vault.PutSnapshot(a.cfg.Account.ID, SnapshotDB, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading db snapshot to vault: %w", err)
	}
	return nil
}
