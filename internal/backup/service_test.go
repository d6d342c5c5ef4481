package backup_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"zrbackup/internal/archive"
	"zrbackup/internal/archive/archivetest"
	"zrbackup/internal/attachment"
	"zrbackup/internal/backup"
	"zrbackup/internal/constraint"
	"zrbackup/internal/database"
	"zrbackup/internal/keystore"
	"zrbackup/internal/state"
	"zrbackup/internal/testutil"
	"zrbackup/internal/vault"
)

type recordingMetrics struct {
	reconciled map[string]int
	deferred   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{reconciled: map[string]int{}, deferred: map[string]int{}}
}

func (m *recordingMetrics) ObserveReconciled(result string) { m.reconciled[result]++ }
func (m *recordingMetrics) ObserveDeferred(key string)      { m.deferred[key]++ }

type fixture struct {
	svc     *backup.Service
	server  *archivetest.Server
	client  *archive.Client
	db      *database.SQLiteDatabase
	state   *state.Store
	keys    *backup.Keys
	vault   *vault.MemoryVault
	metrics *recordingMetrics
}

func newFixture(t *testing.T, opts ...backup.Option) *fixture {
	t.Helper()
	return newFixtureWithArchive(t, nil, opts...)
}

// newFixtureWithArchive builds a service whose archive calls go through wrap,
// when given.
func newFixtureWithArchive(t *testing.T, wrap func(backup.Archive) backup.Archive, opts ...backup.Option) *fixture {
	t.Helper()

	server := archivetest.New(t)
	client, err := archive.NewClient(archive.Options{
		BaseURL:    server.URL,
		Username:   server.Username,
		Password:   server.Password,
		MaxRetries: -1,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	db := testutil.NewTestDatabase(t, nil)
	st, err := state.Open(db)
	if err != nil {
		t.Fatalf("state.Open() error = %v", err)
	}
	gate := constraint.NewDefaultRegistry(st, constraint.NewStickerDownloads())
	keys := testutil.NewTestKeys(t)
	v := testutil.NewTestVault()
	m := newRecordingMetrics()

	var arch backup.Archive = client
	if wrap != nil {
		arch = wrap(client)
	}

	opts = append([]backup.Option{backup.WithMetrics(m)}, opts...)
	svc := backup.NewService(db, arch, v, keystore.NewMemoryKeyStore(keys), st, gate,
		backup.NewNopLogger(), testutil.FixedClock(), opts...)

	return &fixture{svc: svc, server: server, client: client, db: db, state: st, keys: keys, vault: v, metrics: m}
}

// register marks the account registered and sets up both backups remotely.
func (f *fixture) register(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	if err := f.state.SetRegistered(true, f.keys.Account.String()); err != nil {
		t.Fatalf("SetRegistered() error = %v", err)
	}
	if err := f.svc.ReserveBackupID(ctx); err != nil {
		t.Fatalf("ReserveBackupID() error = %v", err)
	}
	if err := f.svc.RegisterPublicKeys(ctx); err != nil {
		t.Fatalf("RegisterPublicKeys() error = %v", err)
	}
}

func (f *fixture) insert(t *testing.T, a *attachment.Attachment) *attachment.Attachment {
	t.Helper()
	id, err := f.db.InsertAttachment(a)
	if err != nil {
		t.Fatalf("InsertAttachment() error = %v", err)
	}
	a.ID = id
	return a
}

func (f *fixture) find(t *testing.T, id int64) *attachment.Attachment {
	t.Helper()
	a, err := f.db.FindAttachment(id)
	if err != nil || a == nil {
		t.Fatalf("FindAttachment(%d) = %v, %v", id, a, err)
	}
	return a
}

func (f *fixture) mediaID(t *testing.T, a *attachment.Attachment) string {
	t.Helper()
	name, err := a.MediaName()
	if err != nil {
		t.Fatalf("MediaName() error = %v", err)
	}
	return f.keys.Media.DeriveMediaSecrets(name).ID.Encode()
}

func TestService_ReserveAndRegister(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	for _, kind := range []archive.Kind{archive.KindMessages, archive.KindMedia} {
		var id []byte
		var pub ed25519.PublicKey
		if kind == archive.KindMedia {
			bid := f.keys.Media.DeriveBackupID(f.keys.Account)
			id = bid[:]
			pub = f.keys.Media.DeriveECKey(f.keys.Account).Public().(ed25519.PublicKey)
		} else {
			bid := f.keys.Message.DeriveBackupID(f.keys.Account)
			id = bid[:]
			pub = f.keys.Message.DeriveECKey(f.keys.Account).Public().(ed25519.PublicKey)
		}

		if got := f.server.BackupIDRequest(kind); !bytes.Equal(got, id) {
			t.Errorf("%s backup id request = %x, want %x", kind, got, id)
		}
		if got := f.server.PublicKey(id); !got.Equal(pub) {
			t.Errorf("%s public key not registered", kind)
		}
	}
}

func TestService_BackupInfo(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	cdn, dir := 3, "backups/abc"
	f.server.SetBackupInfo(archive.BackupInfo{CDN: &cdn, BackupDir: &dir})

	info, err := f.svc.BackupInfo(context.Background(), archive.KindMessages)
	if err != nil {
		t.Fatalf("BackupInfo() error = %v", err)
	}
	if info.CDN == nil || *info.CDN != 3 || info.BackupDir == nil || *info.BackupDir != dir {
		t.Errorf("BackupInfo() = %+v", info)
	}
}

func TestService_BackupInfo_Unregistered(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.BackupInfo(context.Background(), archive.KindMedia); err == nil {
		t.Error("BackupInfo() before registration expected error")
	}
}

func TestService_ArchivePendingMedia(t *testing.T) {
	t.Run("reconciles every item of a batch independently", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		if err := f.state.Update(func(s *state.Snapshot) {
			s.BackupsEnabled = true
			s.MediaBackupEnabled = true
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		first := f.insert(t, testutil.NewTransitAttachment("first"))
		second := f.insert(t, testutil.NewTransitAttachment("second"))
		third := f.insert(t, testutil.NewTransitAttachment("third"))
		f.server.FailMedia(f.mediaID(t, second), http.StatusRequestEntityTooLarge)

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if result.Finished != 2 || result.Pending != 1 || !result.GCPending {
			t.Errorf("result = %+v, want 2 finished, 1 pending, gc pending", result)
		}

		for _, a := range []*attachment.Attachment{first, third} {
			got := f.find(t, a.ID)
			if got.ArchiveTransferState != attachment.ArchiveFinished {
				t.Errorf("attachment %d state = %s, want FINISHED", a.ID, got.ArchiveTransferState)
			}
			if got.ArchiveCDN == nil || *got.ArchiveCDN != 3 {
				t.Errorf("attachment %d archive cdn = %v, want 3", a.ID, got.ArchiveCDN)
			}
		}
		if got := f.find(t, second.ID); got.ArchiveTransferState != attachment.ArchiveCopyPending {
			t.Errorf("rejected attachment state = %s, want COPY_PENDING", got.ArchiveTransferState)
		}
		if !f.state.Snapshot().RemoteGCPending {
			t.Error("remote gc pending flag not set")
		}
		if f.metrics.reconciled[backup.ReconciledFinished] != 2 || f.metrics.reconciled[backup.ReconciledPending] != 1 {
			t.Errorf("reconciled metrics = %v", f.metrics.reconciled)
		}

		// With gc pending the next run is held back.
		result, err = f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("second ArchivePendingMedia() error = %v", err)
		}
		want := backup.Deferred{constraint.NoRemoteArchiveGarbageCollectionPendingKey}
		if !reflect.DeepEqual(result.Deferred, want) {
			t.Errorf("Deferred = %v, want %v", result.Deferred, want)
		}
		if n := f.server.Hits(archive.EndpointArchiveMediaBatch); n != 1 {
			t.Errorf("batch endpoint hit %d times, want 1", n)
		}
	})

	t.Run("expired transit copy needs re-upload", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		gone := testutil.NewTransitAttachment("gone")
		cdn := 3
		gone.ArchiveCDN = &cdn
		gone = f.insert(t, gone)
		bad := f.insert(t, testutil.NewTransitAttachment("bad"))
		f.server.FailMedia(f.mediaID(t, gone), http.StatusGone)
		f.server.FailMedia(f.mediaID(t, bad), http.StatusBadRequest)

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if result.NeedsReupload != 2 {
			t.Errorf("NeedsReupload = %d, want 2", result.NeedsReupload)
		}
		for _, id := range []int64{gone.ID, bad.ID} {
			got := f.find(t, id)
			if got.ArchiveTransferState != attachment.ArchiveNone || got.ArchiveCDN != nil {
				t.Errorf("attachment %d = %s cdn %v, want NONE without cdn", id, got.ArchiveTransferState, got.ArchiveCDN)
			}
		}
		if f.state.Snapshot().RemoteGCPending {
			t.Error("remote gc pending set for non-space failures")
		}
	})

	t.Run("other failures stay pending", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		a := f.insert(t, testutil.NewTransitAttachment("limited"))
		f.server.FailMedia(f.mediaID(t, a), http.StatusTooManyRequests)

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if result.Pending != 1 || result.Finished != 0 {
			t.Errorf("result = %+v, want 1 pending", result)
		}
		if got := f.find(t, a.ID); got.ArchiveTransferState != attachment.ArchiveCopyPending {
			t.Errorf("state = %s, want COPY_PENDING", got.ArchiveTransferState)
		}
	})

	t.Run("deferred when not registered", func(t *testing.T) {
		f := newFixture(t)
		f.insert(t, testutil.NewTransitAttachment("waiting"))

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		want := backup.Deferred{constraint.RegisteredKey}
		if !reflect.DeepEqual(result.Deferred, want) {
			t.Errorf("Deferred = %v, want %v", result.Deferred, want)
		}
		if f.metrics.deferred[constraint.RegisteredKey] != 1 {
			t.Errorf("deferred metrics = %v", f.metrics.deferred)
		}
		if n := f.server.Hits(archive.EndpointArchiveMediaBatch); n != 0 {
			t.Errorf("batch endpoint hit %d times while deferred", n)
		}
	})

	t.Run("submits in batches", func(t *testing.T) {
		f := newFixture(t, backup.WithBatchSize(2))
		f.register(t)
		for _, c := range []string{"a", "b", "c", "d", "e"} {
			f.insert(t, testutil.NewTransitAttachment(c))
		}

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if result.Finished != 5 {
			t.Errorf("Finished = %d, want 5", result.Finished)
		}

		var sizes []int
		for _, b := range f.server.Batches() {
			sizes = append(sizes, len(b))
		}
		if !reflect.DeepEqual(sizes, []int{2, 2, 1}) {
			t.Errorf("batch sizes = %v, want [2 2 1]", sizes)
		}
	})

	t.Run("nothing pending", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if result.Submitted != 0 || f.server.Hits(archive.EndpointArchiveMediaBatch) != 0 {
			t.Errorf("empty run submitted %d items", result.Submitted)
		}
	})

	t.Run("shared media is sent once and reconciles every row", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		first := f.insert(t, testutil.NewTransitAttachment("dup"))
		second := f.insert(t, testutil.NewTransitAttachment("dup"))

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if result.Submitted != 2 || result.Finished != 2 || result.Pending != 0 {
			t.Errorf("result = %+v, want 2 submitted, 2 finished", result)
		}
		batches := f.server.Batches()
		if len(batches) != 1 || len(batches[0]) != 1 {
			t.Fatalf("batches = %v, want one batch with one item", batches)
		}
		for _, id := range []int64{first.ID, second.ID} {
			got := f.find(t, id)
			if got.ArchiveTransferState != attachment.ArchiveFinished {
				t.Errorf("attachment %d state = %s, want FINISHED", id, got.ArchiveTransferState)
			}
			if got.ArchiveCDN == nil || *got.ArchiveCDN != 3 {
				t.Errorf("attachment %d archive cdn = %v, want 3", id, got.ArchiveCDN)
			}
		}
	})

	t.Run("unusable transit source is reset without a request", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		wrongCDN := testutil.NewTransitAttachment("wrong-cdn")
		wrongCDN.CDN = 0
		wrongCDN = f.insert(t, wrongCDN)
		noLocation := testutil.NewTransitAttachment("no-location")
		noLocation.RemoteLocation = ""
		noLocation = f.insert(t, noLocation)
		ok := f.insert(t, testutil.NewTransitAttachment("ok"))

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if result.NeedsReupload != 2 || result.Finished != 1 || result.Submitted != 1 {
			t.Errorf("result = %+v, want 2 needs re-upload, 1 submitted and finished", result)
		}
		batches := f.server.Batches()
		if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0] != f.mediaID(t, ok) {
			t.Errorf("batches = %v, want only %s", batches, f.mediaID(t, ok))
		}
		for _, id := range []int64{wrongCDN.ID, noLocation.ID} {
			if got := f.find(t, id); got.ArchiveTransferState != attachment.ArchiveNone {
				t.Errorf("attachment %d state = %s, want NONE", id, got.ArchiveTransferState)
			}
		}
	})

	t.Run("only unusable sources sends nothing", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		a := testutil.NewTransitAttachment("cdn-one")
		a.CDN = 1
		a = f.insert(t, a)

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if result.NeedsReupload != 1 || f.server.Hits(archive.EndpointArchiveMediaBatch) != 0 {
			t.Errorf("result = %+v, batch hits = %d", result, f.server.Hits(archive.EndpointArchiveMediaBatch))
		}
	})

	t.Run("batch rejected for space flags gc", func(t *testing.T) {
		f := newFixture(t, backup.WithBatchSize(1))
		f.register(t)
		first := f.insert(t, testutil.NewTransitAttachment("one"))
		second := f.insert(t, testutil.NewTransitAttachment("two"))
		f.server.FailNext(archive.EndpointArchiveMediaBatch, http.StatusRequestEntityTooLarge)

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if !result.GCPending || result.Pending != 2 {
			t.Errorf("result = %+v, want gc pending and 2 pending", result)
		}
		if !f.state.Snapshot().RemoteGCPending {
			t.Error("remote gc pending flag not set")
		}
		if n := f.server.Hits(archive.EndpointArchiveMediaBatch); n != 1 {
			t.Errorf("batch endpoint hit %d times, want 1", n)
		}
		for _, id := range []int64{first.ID, second.ID} {
			if got := f.find(t, id); got.ArchiveTransferState != attachment.ArchiveCopyPending {
				t.Errorf("attachment %d state = %s, want COPY_PENDING", id, got.ArchiveTransferState)
			}
		}
	})

	t.Run("batch rate limited stops the run", func(t *testing.T) {
		f := newFixture(t, backup.WithBatchSize(1))
		f.register(t)
		f.insert(t, testutil.NewTransitAttachment("one"))
		f.insert(t, testutil.NewTransitAttachment("two"))
		f.server.FailNext(archive.EndpointArchiveMediaBatch, http.StatusTooManyRequests)

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err != nil {
			t.Fatalf("ArchivePendingMedia() error = %v", err)
		}
		if !result.RateLimited || result.RetryAfter != 30*time.Second {
			t.Errorf("RateLimited = %v, RetryAfter = %v, want true, 30s", result.RateLimited, result.RetryAfter)
		}
		if result.Pending != 2 || result.GCPending {
			t.Errorf("result = %+v, want 2 pending without gc", result)
		}
		if n := f.server.Hits(archive.EndpointArchiveMediaBatch); n != 1 {
			t.Errorf("batch endpoint hit %d times, want 1", n)
		}
		if f.state.Snapshot().RemoteGCPending {
			t.Error("rate limit flagged remote gc")
		}
	})

	t.Run("batch transport failure leaves items pending", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		a := f.insert(t, testutil.NewTransitAttachment("x"))
		f.server.FailNext(archive.EndpointArchiveMediaBatch, http.StatusInternalServerError)

		result, err := f.svc.ArchivePendingMedia(context.Background())
		if err == nil {
			t.Fatal("ArchivePendingMedia() expected error")
		}
		if result.Pending != 1 {
			t.Errorf("Pending = %d, want 1", result.Pending)
		}
		if got := f.find(t, a.ID); got.ArchiveTransferState != attachment.ArchiveCopyPending {
			t.Errorf("state = %s, want COPY_PENDING", got.ArchiveTransferState)
		}
	})
}

// cancellingArchive cancels the run after the first batch completes.
type cancellingArchive struct {
	backup.Archive
	cancel context.CancelFunc
}

func (c *cancellingArchive) ArchiveMediaBatch(ctx context.Context, auth archive.Auth, items []archive.ArchiveMediaRequest) (*archive.BatchArchiveMediaResponse, error) {
	resp, err := c.Archive.ArchiveMediaBatch(ctx, auth, items)
	c.cancel()
	return resp, err
}

func TestService_ArchivePendingMedia_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixtureWithArchive(t, func(a backup.Archive) backup.Archive {
		return &cancellingArchive{Archive: a, cancel: cancel}
	}, backup.WithBatchSize(1))
	f.register(t)

	first := f.insert(t, testutil.NewTransitAttachment("one"))
	second := f.insert(t, testutil.NewTransitAttachment("two"))

	result, err := f.svc.ArchivePendingMedia(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ArchivePendingMedia() error = %v, want context.Canceled", err)
	}
	if result.Finished != 1 || result.Pending != 1 {
		t.Errorf("result = %+v, want 1 finished, 1 pending", result)
	}
	if got := f.find(t, first.ID); got.ArchiveTransferState != attachment.ArchiveFinished {
		t.Errorf("first state = %s, want FINISHED", got.ArchiveTransferState)
	}
	if got := f.find(t, second.ID); got.ArchiveTransferState != attachment.ArchiveCopyPending {
		t.Errorf("second state = %s, want COPY_PENDING", got.ArchiveTransferState)
	}
	if n := len(f.server.Batches()); n != 1 {
		t.Errorf("%d batches submitted, want 1", n)
	}
}

func TestService_CopyAttachmentToArchive(t *testing.T) {
	t.Run("copies a single attachment", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		a := testutil.NewTransitAttachment("single")
		a.ArchiveTransferState = attachment.ArchiveTemporaryFailure
		a = f.insert(t, a)

		result, err := f.svc.CopyAttachmentToArchive(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("CopyAttachmentToArchive() error = %v", err)
		}
		if result.Finished != 1 {
			t.Errorf("result = %+v, want 1 finished", result)
		}
		if cdn, ok := f.server.Archived(f.mediaID(t, a)); !ok || cdn != 3 {
			t.Errorf("server archived = %d, %v", cdn, ok)
		}
		if got := f.find(t, a.ID); got.ArchiveTransferState != attachment.ArchiveFinished {
			t.Errorf("state = %s, want FINISHED", got.ArchiveTransferState)
		}
	})

	t.Run("already archived is a no-op", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		a := testutil.NewTransitAttachment("done")
		a.ArchiveTransferState = attachment.ArchiveFinished
		a = f.insert(t, a)

		result, err := f.svc.CopyAttachmentToArchive(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("CopyAttachmentToArchive() error = %v", err)
		}
		if result.Submitted != 0 || f.server.Hits(archive.EndpointArchiveMedia) != 0 {
			t.Error("archived attachment was submitted again")
		}
	})

	t.Run("permanent failure is refused", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		a := testutil.NewTransitAttachment("broken")
		a.ArchiveTransferState = attachment.ArchivePermanentFailure
		a = f.insert(t, a)

		_, err := f.svc.CopyAttachmentToArchive(context.Background(), a.ID)
		if !errors.Is(err, backup.ErrArchivePermanentFailure) {
			t.Fatalf("CopyAttachmentToArchive() error = %v, want ErrArchivePermanentFailure", err)
		}
		if n := f.server.Hits(archive.EndpointArchiveMedia); n != 0 {
			t.Errorf("archive endpoint hit %d times, want 0", n)
		}
		if got := f.find(t, a.ID); got.ArchiveTransferState != attachment.ArchivePermanentFailure {
			t.Errorf("state = %s, want PERMANENT_FAILURE", got.ArchiveTransferState)
		}
	})

	t.Run("unusable transit source needs re-upload", func(t *testing.T) {
		for name, mutate := range map[string]func(*attachment.Attachment){
			"source cdn not allowed": func(a *attachment.Attachment) { a.CDN = 0 },
			"no transit location":    func(a *attachment.Attachment) { a.RemoteLocation = "" },
		} {
			t.Run(name, func(t *testing.T) {
				f := newFixture(t)
				f.register(t)

				a := testutil.NewTransitAttachment(name)
				mutate(a)
				a = f.insert(t, a)

				result, err := f.svc.CopyAttachmentToArchive(context.Background(), a.ID)
				if err != nil {
					t.Fatalf("CopyAttachmentToArchive() error = %v", err)
				}
				if result.NeedsReupload != 1 || result.Submitted != 0 {
					t.Errorf("result = %+v, want 1 needs re-upload, nothing submitted", result)
				}
				if n := f.server.Hits(archive.EndpointArchiveMedia); n != 0 {
					t.Errorf("archive endpoint hit %d times, want 0", n)
				}
				if got := f.find(t, a.ID); got.ArchiveTransferState != attachment.ArchiveNone {
					t.Errorf("state = %s, want NONE", got.ArchiveTransferState)
				}
			})
		}
	})

	t.Run("not marked for copy is not promoted", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		a := testutil.NewTransitAttachment("fresh")
		a.ArchiveTransferState = attachment.ArchiveNone
		a = f.insert(t, a)

		result, err := f.svc.CopyAttachmentToArchive(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("CopyAttachmentToArchive() error = %v", err)
		}
		if result.NeedsReupload != 1 || result.Submitted != 0 {
			t.Errorf("result = %+v, want 1 needs re-upload, nothing submitted", result)
		}
		if n := f.server.Hits(archive.EndpointArchiveMedia); n != 0 {
			t.Errorf("archive endpoint hit %d times, want 0", n)
		}
		if got := f.find(t, a.ID); got.ArchiveTransferState != attachment.ArchiveNone {
			t.Errorf("state = %s, want NONE", got.ArchiveTransferState)
		}
	})

	t.Run("space exhausted flags gc", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		a := f.insert(t, testutil.NewTransitAttachment("big"))
		f.server.FailMedia(f.mediaID(t, a), http.StatusRequestEntityTooLarge)

		result, err := f.svc.CopyAttachmentToArchive(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("CopyAttachmentToArchive() error = %v", err)
		}
		if !result.GCPending || !f.state.Snapshot().RemoteGCPending {
			t.Error("remote gc pending not flagged")
		}
	})

	t.Run("missing attachment", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		if _, err := f.svc.CopyAttachmentToArchive(context.Background(), 99); err == nil {
			t.Error("CopyAttachmentToArchive() for missing id expected error")
		}
	})
}

func TestService_DeleteAbandonedMedia(t *testing.T) {
	t.Run("only archive cdn objects are sent", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		n, err := f.svc.DeleteAbandonedMedia(context.Background(), []archive.MediaObject{
			{CDN: 2, MediaID: "transit"},
			{CDN: 3, MediaID: "archived"},
		})
		if err != nil {
			t.Fatalf("DeleteAbandonedMedia() error = %v", err)
		}
		if n != 1 {
			t.Errorf("deleted %d, want 1", n)
		}
		want := []archive.MediaObject{{CDN: 3, MediaID: "archived"}}
		if got := f.server.Deleted(); !reflect.DeepEqual(got, want) {
			t.Errorf("server deleted %v, want %v", got, want)
		}
	})

	t.Run("empty set makes no request", func(t *testing.T) {
		f := newFixture(t)

		n, err := f.svc.DeleteAbandonedMedia(context.Background(), []archive.MediaObject{{CDN: 2, MediaID: "x"}})
		if err != nil || n != 0 {
			t.Errorf("DeleteAbandonedMedia() = %d, %v; want 0, nil", n, err)
		}
		if f.server.Hits(archive.EndpointDeleteMedia) != 0 {
			t.Error("delete endpoint was called")
		}
	})
}

func TestService_CdnReadCredentials(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.server.SetReadHeaders(map[string]string{"Authorization": "Bearer read"})

	headers, err := f.svc.CdnReadCredentials(context.Background(), 3)
	if err != nil {
		t.Fatalf("CdnReadCredentials() error = %v", err)
	}
	if headers["Authorization"] != "Bearer read" {
		t.Errorf("headers = %v", headers)
	}
}

func TestService_DeleteBackup(t *testing.T) {
	t.Run("deferred while awaiting media download", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		if err := f.state.SetDeletionState(state.DeletionAwaitingMediaDownload); err != nil {
			t.Fatalf("SetDeletionState() error = %v", err)
		}

		deferred, err := f.svc.DeleteBackup(context.Background())
		if err != nil {
			t.Fatalf("DeleteBackup() error = %v", err)
		}
		if !reflect.DeepEqual(deferred, backup.Deferred{constraint.DeletionNotAwaitingMediaDownloadKey}) {
			t.Errorf("Deferred = %v", deferred)
		}
		if f.server.Hits(archive.EndpointDeleteBackup) != 0 {
			t.Error("delete backup endpoint was called")
		}
	})

	t.Run("deletes both backups", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		if err := f.state.SetDeletionState(state.DeletionDeleteBackups); err != nil {
			t.Fatalf("SetDeletionState() error = %v", err)
		}

		deferred, err := f.svc.DeleteBackup(context.Background())
		if err != nil || len(deferred) != 0 {
			t.Fatalf("DeleteBackup() = %v, %v", deferred, err)
		}
		if n := f.server.Hits(archive.EndpointDeleteBackup); n != 2 {
			t.Errorf("delete backup hit %d times, want 2", n)
		}
		if got := f.state.Snapshot().Deletion; got != state.DeletionComplete {
			t.Errorf("deletion state = %s, want COMPLETE", got)
		}
	})

	t.Run("failure is recorded", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		f.server.FailNext(archive.EndpointDeleteBackup, http.StatusInternalServerError)

		if _, err := f.svc.DeleteBackup(context.Background()); err == nil {
			t.Fatal("DeleteBackup() expected error")
		}
		if got := f.state.Snapshot().Deletion; got != state.DeletionFailed {
			t.Errorf("deletion state = %s, want FAILED", got)
		}
	})
}
