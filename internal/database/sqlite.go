// Package database stores attachment metadata, account flags and the
// operation log in SQLite.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"zrbackup/internal/attachment"
	"zrbackup/internal/backup"
	"zrbackup/internal/database/migrations"
	"zrbackup/internal/state"
)

// SQLiteDatabase implements backup.Database and state.KV.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteDatabase opens the database at path (":memory:" for an in-memory
// database) and applies pending migrations.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path, now: time.Now}, nil
}

// NewSQLiteDatabaseFromDB wraps an already migrated connection. now may be
// nil.
func NewSQLiteDatabaseFromDB(db *sql.DB, now func() time.Time) *SQLiteDatabase {
	if now == nil {
		now = time.Now
	}
	return &SQLiteDatabase{db: db, now: now}
}

// OpenConnection opens a SQLite connection with foreign keys enabled. An
// in-memory database is limited to one connection, since every connection
// would otherwise see its own empty database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}
	return db, nil
}

// Attachment operations

const attachmentColumns = `id, message_id, content_type, file_name, size, width, height, caption, blur_hash,
	voice_note, borderless, gif, quote, remote_key, remote_location, remote_digest, cdn, upload_timestamp,
	transfer_state, incremental_mac, incremental_mac_chunk_size, data_hash, archive_cdn,
	archive_transfer_state, local_backup_key`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttachment(row rowScanner) (*attachment.Attachment, error) {
	var (
		a          attachment.Attachment
		archiveCDN sql.NullInt64
		transfer   int
		archived   int
	)
	err := row.Scan(
		&a.ID, &a.MessageID, &a.ContentType, &a.FileName, &a.Size, &a.Width, &a.Height, &a.Caption, &a.BlurHash,
		&a.VoiceNote, &a.Borderless, &a.Gif, &a.Quote, &a.RemoteKey, &a.RemoteLocation, &a.RemoteDigest, &a.CDN,
		&a.UploadTimestamp, &transfer, &a.IncrementalMac, &a.IncrementalMacChunkSize, &a.DataHash, &archiveCDN,
		&archived, &a.LocalBackupKey,
	)
	if err != nil {
		return nil, err
	}
	a.TransferState = attachment.TransferState(transfer)
	a.ArchiveTransferState = attachment.ArchiveTransferState(archived)
	if archiveCDN.Valid {
		cdn := int(archiveCDN.Int64)
		a.ArchiveCDN = &cdn
	}
	return &a, nil
}

func nullCDN(cdn *int) sql.NullInt64 {
	if cdn == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*cdn), Valid: true}
}

// attachmentValues returns every column but id, in attachmentColumns order.
func attachmentValues(a *attachment.Attachment) []any {
	return []any{
		a.MessageID, a.ContentType, a.FileName, a.Size, a.Width, a.Height, a.Caption, a.BlurHash,
		a.VoiceNote, a.Borderless, a.Gif, a.Quote, a.RemoteKey, a.RemoteLocation, a.RemoteDigest, a.CDN,
		a.UploadTimestamp, int(a.TransferState), a.IncrementalMac, a.IncrementalMacChunkSize, a.DataHash,
		nullCDN(a.ArchiveCDN), int(a.ArchiveTransferState), a.LocalBackupKey,
	}
}

func (s *SQLiteDatabase) InsertAttachment(a *attachment.Attachment) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO attachments (
		message_id, content_type, file_name, size, width, height, caption, blur_hash,
		voice_note, borderless, gif, quote, remote_key, remote_location, remote_digest, cdn, upload_timestamp,
		transfer_state, incremental_mac, incremental_mac_chunk_size, data_hash, archive_cdn,
		archive_transfer_state, local_backup_key
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, attachmentValues(a)...)
	if err != nil {
		return 0, fmt.Errorf("inserting attachment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading attachment id: %w", err)
	}
	return id, nil
}

func (s *SQLiteDatabase) UpdateAttachment(a *attachment.Attachment) error {
	args := append(attachmentValues(a), a.ID)
	res, err := s.db.Exec(`UPDATE attachments SET
		message_id = ?, content_type = ?, file_name = ?, size = ?, width = ?, height = ?, caption = ?, blur_hash = ?,
		voice_note = ?, borderless = ?, gif = ?, quote = ?, remote_key = ?, remote_location = ?, remote_digest = ?,
		cdn = ?, upload_timestamp = ?, transfer_state = ?, incremental_mac = ?, incremental_mac_chunk_size = ?,
		data_hash = ?, archive_cdn = ?, archive_transfer_state = ?, local_backup_key = ?
	WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating attachment %d: %w", a.ID, err)
	}
	return expectOneRow(res, "attachment", a.ID)
}

func (s *SQLiteDatabase) FindAttachment(id int64) (*attachment.Attachment, error) {
	row := s.db.QueryRow("SELECT "+attachmentColumns+" FROM attachments WHERE id = ?", id)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding attachment %d: %w", id, err)
	}
	return a, nil
}

func (s *SQLiteDatabase) ListAttachments(limit int) ([]*attachment.Attachment, error) {
	return s.queryAttachments("SELECT "+attachmentColumns+" FROM attachments ORDER BY id LIMIT ?", sqlLimit(limit))
}

func (s *SQLiteDatabase) ListAttachmentsByArchiveState(st attachment.ArchiveTransferState, limit int) ([]*attachment.Attachment, error) {
	return s.queryAttachments(
		"SELECT "+attachmentColumns+" FROM attachments WHERE archive_transfer_state = ? ORDER BY id LIMIT ?",
		int(st), sqlLimit(limit),
	)
}

func (s *SQLiteDatabase) queryAttachments(query string, args ...any) ([]*attachment.Attachment, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	defer rows.Close()

	var out []*attachment.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) SetArchiveState(id int64, st attachment.ArchiveTransferState, cdn *int) error {
	res, err := s.db.Exec(
		"UPDATE attachments SET archive_transfer_state = ?, archive_cdn = ? WHERE id = ?",
		int(st), nullCDN(cdn), id,
	)
	if err != nil {
		return fmt.Errorf("setting archive state of attachment %d: %w", id, err)
	}
	return expectOneRow(res, "attachment", id)
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func expectOneRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d not found", what, id)
	}
	return nil
}

// Key/value operations

func (s *SQLiteDatabase) GetValue(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM key_value WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteDatabase) SetValues(values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for k, v := range values {
		_, err := tx.Exec(
			"INSERT INTO key_value (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			k, v,
		)
		if err != nil {
			return fmt.Errorf("writing %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Backup operation tracking

func (s *SQLiteDatabase) CreateBackupOperation(operation, parameters string) (*backup.Operation, error) {
	op := &backup.Operation{
		StartedAt:  s.now().UTC(),
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
	}
	res, err := s.db.Exec(
		"INSERT INTO backup_operations (started_at, operation, parameters, status) VALUES (?, ?, ?, ?)",
		op.StartedAt, op.Operation, op.Parameters, op.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("creating backup operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading backup operation id: %w", err)
	}
	return op, nil
}

func (s *SQLiteDatabase) FinishBackupOperation(id int64, status string) error {
	res, err := s.db.Exec(
		"UPDATE backup_operations SET finished_at = ?, status = ? WHERE id = ?",
		s.now().UTC(), status, id,
	)
	if err != nil {
		return fmt.Errorf("finishing backup operation: %w", err)
	}
	return expectOneRow(res, "backup operation", id)
}

func (s *SQLiteDatabase) ListBackupOperations(limit int) ([]*backup.Operation, error) {
	rows, err := s.db.Query(
		"SELECT id, started_at, finished_at, operation, parameters, status FROM backup_operations ORDER BY id DESC LIMIT ?",
		sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing backup operations: %w", err)
	}
	defer rows.Close()

	var ops []*backup.Operation
	for rows.Next() {
		var op backup.Operation
		if err := rows.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning backup operation: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing backup operations: %w", err)
	}
	return ops, nil
}

// MaxBackupOperationID returns the id of the newest operation, or 0.
func (s *SQLiteDatabase) MaxBackupOperationID() (int64, error) {
	var id int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM backup_operations").Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max backup operation id: %w", err)
	}
	return id, nil
}

// Path returns the database file path, or ":memory:".
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is current.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.Check(s.db)
}

// BackupTo writes a consistent copy of the database to destPath.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var (
	_ backup.Database = (*SQLiteDatabase)(nil)
	_ state.KV        = (*SQLiteDatabase)(nil)
)
