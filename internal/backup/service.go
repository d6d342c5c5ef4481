// Package backup orchestrates the archive-tier media backup: it derives the
// per-account keys, talks to the archive service, and keeps the local
// attachment metadata in step with what the service reports.
package backup

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"zrbackup/internal/archive"
	"zrbackup/internal/backupkeys"
	"zrbackup/internal/constraint"
	"zrbackup/internal/state"
)

// DefaultBatchSize is the number of items per archive batch request.
const DefaultBatchSize = 100

// Archive is the archive service surface the service uses. *archive.Client
// implements it.
type Archive interface {
	SetBackupID(ctx context.Context, req archive.SetBackupIDRequest) error
	SetPublicKey(ctx context.Context, auth archive.Auth, req archive.SetPublicKeyRequest) error
	GetBackupInfo(ctx context.Context, auth archive.Auth) (*archive.BackupInfo, error)
	ArchiveMedia(ctx context.Context, auth archive.Auth, req archive.ArchiveMediaRequest) (*archive.ArchiveMediaResult, error)
	ArchiveMediaBatch(ctx context.Context, auth archive.Auth, items []archive.ArchiveMediaRequest) (*archive.BatchArchiveMediaResponse, error)
	DeleteArchivedMedia(ctx context.Context, auth archive.Auth, objects []archive.MediaObject) error
	GetCdnReadCredentials(ctx context.Context, auth archive.Auth, cdn int) (map[string]string, error)
	DeleteBackup(ctx context.Context, auth archive.Auth) error
	Credentials() archive.AnonymousCredentials
}

var _ Archive = (*archive.Client)(nil)

// Metrics receives service-level outcome counts.
type Metrics interface {
	ObserveReconciled(result string)
	ObserveDeferred(constraint string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveReconciled(string) {}
func (nopMetrics) ObserveDeferred(string)   {}

// Service is the orchestration layer that coordinates the archive client,
// the metadata database, the account state and the local backup vault.
type Service struct {
	database Database
	archive  Archive
	vault    Vault
	keyStore KeyStore
	state    *state.Store
	gate     *constraint.Registry
	logger   Logger
	clock    Clock

	metrics   Metrics
	batchSize int
	rand      io.Reader
	media     MediaSource

	keysMu sync.Mutex
	keys   *Keys
}

// Option configures optional Service behavior.
type Option func(*Service)

// WithMetrics reports reconciliation and deferral counts to m.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBatchSize sets the archive batch size. n <= 0 keeps the default.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRand sets the randomness source for local backup headers.
func WithRand(r io.Reader) Option {
	return func(s *Service) { s.rand = r }
}

// NewService creates a new Service with the provided dependencies. vault may
// be nil when local backups are not configured.
func NewService(database Database, arch Archive, vault Vault, keyStore KeyStore, accountState *state.Store, gate *constraint.Registry, logger Logger, clock Clock, opts ...Option) *Service {
	s := &Service{
		database:  database,
		archive:   arch,
		vault:     vault,
		keyStore:  keyStore,
		state:     accountState,
		gate:      gate,
		logger:    logger,
		clock:     clock,
		metrics:   nopMetrics{},
		batchSize: DefaultBatchSize,
		rand:      rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loadKeys asks the key store once per service. Loading may prompt.
func (s *Service) loadKeys() (*Keys, error) {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	if s.keys != nil {
		return s.keys, nil
	}
	keys, err := s.keyStore.Load()
	if err != nil {
		return nil, fmt.Errorf("loading keys: %w", err)
	}
	s.keys = keys
	return keys, nil
}

// auth returns the request authentication for one backup kind.
func (s *Service) auth(kind archive.Kind) (archive.Auth, error) {
	keys, err := s.loadKeys()
	if err != nil {
		return archive.Auth{}, err
	}
	return archive.Auth{Kind: kind, SigningKey: signingKey(keys, kind)}, nil
}

func signingKey(keys *Keys, kind archive.Kind) ed25519.PrivateKey {
	if kind == archive.KindMedia {
		return keys.Media.DeriveECKey(keys.Account)
	}
	return keys.Message.DeriveECKey(keys.Account)
}

func backupID(keys *Keys, kind archive.Kind) backupkeys.BackupID {
	if kind == archive.KindMedia {
		return keys.Media.DeriveBackupID(keys.Account)
	}
	return keys.Message.DeriveBackupID(keys.Account)
}

// Deferred reports the constraint factory keys that kept an operation from
// running. It is empty when the operation ran.
type Deferred []string

// deferred returns the unmet keys among keys and records them.
func (s *Service) deferred(keys ...string) (Deferred, error) {
	unmet, err := s.gate.Unmet(keys...)
	if err != nil {
		return nil, err
	}
	for _, k := range unmet {
		s.metrics.ObserveDeferred(k)
	}
	return unmet, nil
}
