package backup

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"zrbackup/internal/archive"
	"zrbackup/internal/attachment"
	"zrbackup/internal/constraint"
	"zrbackup/internal/state"
)

// ArchiveCDN is the only CDN archived media may be deleted from.
const ArchiveCDN = 3

// Reconciliation outcomes, also used as metric labels.
const (
	ReconciledFinished      = "finished"
	ReconciledNeedsReupload = "needs_reupload"
	ReconciledPending       = "pending"
)

// ErrArchivePermanentFailure is returned for attachments that can never be
// copied into the archive.
var ErrArchivePermanentFailure = errors.New("archive copy permanently failed")

// allowedSourceCDNs are the transit CDNs the service copies from.
var allowedSourceCDNs = []int{2, 3}

// archiveConstraints gate every copy into the archive tier.
var archiveConstraints = []string{
	constraint.RegisteredKey,
	constraint.NoRemoteArchiveGarbageCollectionPendingKey,
}

// ArchiveResult summarizes one archive run.
type ArchiveResult struct {
	// Deferred is set when the run did not start.
	Deferred Deferred

	Submitted     int
	Finished      int
	NeedsReupload int
	Pending       int

	// GCPending is set when the service reported that media space ran out.
	GCPending bool

	// RateLimited is set when the service asked to slow down. RetryAfter is
	// its suggested wait, zero when none was given.
	RateLimited bool
	RetryAfter  time.Duration
}

// ReserveBackupID commits the credential requests of both backup kinds.
func (s *Service) ReserveBackupID(ctx context.Context) error {
	keys, err := s.loadKeys()
	if err != nil {
		return err
	}

	creds := s.archive.Credentials()
	messages, err := creds.CredentialRequest(archive.KindMessages, backupID(keys, archive.KindMessages))
	if err != nil {
		return fmt.Errorf("creating messages credential request: %w", err)
	}
	media, err := creds.CredentialRequest(archive.KindMedia, backupID(keys, archive.KindMedia))
	if err != nil {
		return fmt.Errorf("creating media credential request: %w", err)
	}

	err = s.archive.SetBackupID(ctx, archive.SetBackupIDRequest{
		MessagesBackupAuthCredentialRequest: messages,
		MediaBackupAuthCredentialRequest:    media,
	})
	if err != nil {
		return fmt.Errorf("reserving backup id: %w", err)
	}

	s.logger.Info("backup id reserved", "account", keys.Account.String())
	return nil
}

// RegisterPublicKeys uploads the backup-id public key of both kinds.
func (s *Service) RegisterPublicKeys(ctx context.Context) error {
	for _, kind := range []archive.Kind{archive.KindMessages, archive.KindMedia} {
		auth, err := s.auth(kind)
		if err != nil {
			return err
		}
		pub := auth.SigningKey.Public().(ed25519.PublicKey)
		if err := s.archive.SetPublicKey(ctx, auth, archive.SetPublicKeyRequest{BackupIDPublicKey: pub}); err != nil {
			return fmt.Errorf("registering %s public key: %w", kind, err)
		}
		s.logger.Info("public key registered", "kind", kind.String())
	}
	return nil
}

// BackupInfo fetches the remote backup info of kind.
func (s *Service) BackupInfo(ctx context.Context, kind archive.Kind) (*archive.BackupInfo, error) {
	auth, err := s.auth(kind)
	if err != nil {
		return nil, err
	}
	info, err := s.archive.GetBackupInfo(ctx, auth)
	if err != nil {
		return nil, fmt.Errorf("fetching %s backup info: %w", kind, err)
	}
	return info, nil
}

// ArchivePendingMedia copies every attachment waiting in COPY_PENDING into
// the archive tier, in batches. Each item is reconciled on its own outcome.
// The run stops submitting once ctx is done or the service asks to back off;
// items that did not succeed keep their state.
func (s *Service) ArchivePendingMedia(ctx context.Context) (*ArchiveResult, error) {
	result := &ArchiveResult{}

	deferred, err := s.deferred(archiveConstraints...)
	if err != nil {
		return nil, err
	}
	if len(deferred) > 0 {
		s.logger.Info("archive deferred", "constraints", deferred)
		result.Deferred = deferred
		return result, nil
	}

	pending, err := s.database.ListAttachmentsByArchiveState(attachment.ArchiveCopyPending, 0)
	if err != nil {
		return nil, fmt.Errorf("listing pending attachments: %w", err)
	}
	if len(pending) == 0 {
		return result, nil
	}

	auth, err := s.auth(archive.KindMedia)
	if err != nil {
		return nil, err
	}
	keys, err := s.loadKeys()
	if err != nil {
		return nil, err
	}

	s.logger.Info("archive started", "pending", len(pending))

	for start := 0; start < len(pending); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			result.Pending += len(pending) - start
			return result, fmt.Errorf("archive interrupted: %w", err)
		}

		chunk := pending[start:min(start+s.batchSize, len(pending))]
		if err := s.archiveChunk(ctx, auth, keys, chunk, result); err != nil {
			result.Pending += len(pending) - start - len(chunk)
			return result, err
		}
		if result.GCPending || result.RateLimited {
			result.Pending += len(pending) - start - len(chunk)
			s.logger.Warn("archive stopped, service asked to back off",
				"gc_pending", result.GCPending,
				"retry_after", result.RetryAfter.String())
			break
		}
	}

	s.logger.Info("archive complete",
		"finished", result.Finished,
		"needs_reupload", result.NeedsReupload,
		"pending", result.Pending)
	return result, nil
}

// archiveChunk submits one batch and reconciles every returned item.
// Attachments sharing a media id are sent once and all take that item's
// outcome. Items missing from the response stay pending.
func (s *Service) archiveChunk(ctx context.Context, auth archive.Auth, keys *Keys, chunk []*attachment.Attachment, result *ArchiveResult) error {
	byMediaID := make(map[string][]*attachment.Attachment, len(chunk))
	items := make([]archive.ArchiveMediaRequest, 0, len(chunk))
	submitted := 0
	for _, a := range chunk {
		if reason := copySourceProblem(a); reason != "" {
			if err := s.markNeedsReupload(a, reason, result); err != nil {
				return err
			}
			continue
		}
		req, err := s.mediaRequest(keys, a)
		if err != nil {
			if err := s.markNeedsReupload(a, err.Error(), result); err != nil {
				return err
			}
			continue
		}
		if _, dup := byMediaID[req.MediaID]; !dup {
			items = append(items, req)
		}
		byMediaID[req.MediaID] = append(byMediaID[req.MediaID], a)
		submitted++
	}
	if len(items) == 0 {
		return nil
	}

	result.Submitted += submitted
	resp, err := s.archive.ArchiveMediaBatch(ctx, auth, items)
	if err != nil {
		result.Pending += submitted
		return s.batchFailed(err, submitted, result)
	}

	for _, item := range resp.Responses {
		group, ok := byMediaID[item.MediaID]
		if !ok {
			s.logger.Warn("batch response for unknown media", "media_id", item.MediaID)
			continue
		}
		delete(byMediaID, item.MediaID)

		cdn := 0
		if item.CDN != nil {
			cdn = *item.CDN
		}
		for _, a := range group {
			if err := s.reconcile(a, item.Outcome(), cdn, result); err != nil {
				return err
			}
		}
	}

	for _, group := range byMediaID {
		for _, a := range group {
			s.logger.Warn("no batch response for attachment", "id", a.ID)
			result.Pending++
			s.metrics.ObserveReconciled(ReconciledPending)
		}
	}
	return nil
}

// batchFailed handles a batch rejected as a whole. Back-off statuses stop
// the run without an error; the submitted items are already counted pending.
func (s *Service) batchFailed(err error, submitted int, result *ArchiveResult) error {
	var se *archive.ServiceError
	if !errors.As(err, &se) || !se.Status.BackOff() {
		return fmt.Errorf("archiving batch: %w", err)
	}

	for range submitted {
		s.metrics.ObserveReconciled(ReconciledPending)
	}
	if se.Status == archive.StatusNoMediaSpaceRemaining {
		return s.flagRemoteGC(result)
	}
	result.RateLimited = true
	result.RetryAfter = se.RetryAfter
	return nil
}

// copySourceProblem reports why a cannot be copied from its transit
// location, or "" when it can.
func copySourceProblem(a *attachment.Attachment) string {
	if !slices.Contains(allowedSourceCDNs, a.CDN) {
		return fmt.Sprintf("source cdn %d not allowed", a.CDN)
	}
	if strings.TrimSpace(a.RemoteLocation) == "" {
		return "no transit location"
	}
	return ""
}

// mediaRequest builds the copy request for a.
func (s *Service) mediaRequest(keys *Keys, a *attachment.Attachment) (archive.ArchiveMediaRequest, error) {
	name, err := a.MediaName()
	if err != nil {
		return archive.ArchiveMediaRequest{}, err
	}
	return archive.NewArchiveMediaRequest(
		archive.SourceAttachment{CDN: a.CDN, Key: a.RemoteLocation},
		int(attachment.ArchiveObjectLength(a.Size)),
		keys.Media.DeriveMediaSecrets(name),
	), nil
}

// reconcile records the outcome of one copy on a.
func (s *Service) reconcile(a *attachment.Attachment, status archive.Status, cdn int, result *ArchiveResult) error {
	switch status {
	case archive.StatusOK:
		if err := s.database.SetArchiveState(a.ID, attachment.ArchiveFinished, &cdn); err != nil {
			return fmt.Errorf("marking attachment %d archived: %w", a.ID, err)
		}
		result.Finished++
		s.metrics.ObserveReconciled(ReconciledFinished)
		s.logger.Debug("attachment archived", "id", a.ID, "cdn", cdn)

	case archive.StatusSourceNotFound, archive.StatusBadArguments:
		return s.markNeedsReupload(a, status.String(), result)

	case archive.StatusNoMediaSpaceRemaining:
		if err := s.flagRemoteGC(result); err != nil {
			return err
		}
		result.Pending++
		s.metrics.ObserveReconciled(ReconciledPending)

	default:
		result.Pending++
		s.metrics.ObserveReconciled(ReconciledPending)
		s.logger.Debug("attachment left pending", "id", a.ID, "status", status.String())
	}
	return nil
}

// markNeedsReupload resets a to NONE so it is uploaded again.
func (s *Service) markNeedsReupload(a *attachment.Attachment, reason string, result *ArchiveResult) error {
	if err := s.database.SetArchiveState(a.ID, attachment.ArchiveNone, nil); err != nil {
		return fmt.Errorf("resetting attachment %d: %w", a.ID, err)
	}
	result.NeedsReupload++
	s.metrics.ObserveReconciled(ReconciledNeedsReupload)
	s.logger.Info("attachment needs re-upload", "id", a.ID, "reason", reason)
	return nil
}

// flagRemoteGC raises the remote GC flag once per run.
func (s *Service) flagRemoteGC(result *ArchiveResult) error {
	if result.GCPending {
		return nil
	}
	if err := s.state.SetRemoteGCPending(true); err != nil {
		return fmt.Errorf("flagging remote gc: %w", err)
	}
	result.GCPending = true
	return nil
}

// CopyAttachmentToArchive copies a single attachment into the archive tier.
// An attachment already archived is left alone, and one that permanently
// failed is refused. An attachment whose transit copy cannot be used, or
// that was never uploaded for the archive, is reported as needing a
// re-upload without a request.
func (s *Service) CopyAttachmentToArchive(ctx context.Context, id int64) (*ArchiveResult, error) {
	result := &ArchiveResult{}

	deferred, err := s.deferred(archiveConstraints...)
	if err != nil {
		return nil, err
	}
	if len(deferred) > 0 {
		result.Deferred = deferred
		return result, nil
	}

	a, err := s.findAttachment(id)
	if err != nil {
		return nil, err
	}
	switch a.ArchiveTransferState {
	case attachment.ArchiveFinished:
		s.logger.Debug("attachment already archived", "id", id)
		return result, nil
	case attachment.ArchivePermanentFailure:
		return result, fmt.Errorf("attachment %d: %w", id, ErrArchivePermanentFailure)
	}

	if reason := copySourceProblem(a); reason != "" {
		if err := s.markNeedsReupload(a, reason, result); err != nil {
			return nil, err
		}
		return result, nil
	}
	if a.ArchiveTransferState == attachment.ArchiveNone {
		s.logger.Info("attachment not marked for copy, needs upload", "id", id)
		result.NeedsReupload = 1
		s.metrics.ObserveReconciled(ReconciledNeedsReupload)
		return result, nil
	}

	keys, err := s.loadKeys()
	if err != nil {
		return nil, err
	}
	req, err := s.mediaRequest(keys, a)
	if err != nil {
		return nil, fmt.Errorf("attachment %d: %w", id, err)
	}
	auth, err := s.auth(archive.KindMedia)
	if err != nil {
		return nil, err
	}

	if a.ArchiveTransferState != attachment.ArchiveCopyPending {
		if err := s.database.SetArchiveState(id, attachment.ArchiveCopyPending, a.ArchiveCDN); err != nil {
			return nil, fmt.Errorf("marking attachment %d pending: %w", id, err)
		}
	}

	result.Submitted = 1
	res, err := s.archive.ArchiveMedia(ctx, auth, req)
	if err != nil {
		result.Pending = 1
		return result, fmt.Errorf("archiving attachment %d: %w", id, err)
	}
	if err := s.reconcile(a, res.Status, res.CDN, result); err != nil {
		return nil, err
	}
	if res.Status == archive.StatusRateLimited {
		result.RateLimited = true
		result.RetryAfter = res.RetryAfter
	}
	if res.Status.BackOff() && res.RetryAfter > 0 {
		s.logger.Info("archive backing off", "id", id, "retry_after", res.RetryAfter.String())
	}
	return result, nil
}

// DeleteAbandonedMedia deletes archived objects that no attachment refers
// to any more. Objects outside the archive CDN are skipped. It returns the
// number of objects sent for deletion.
func (s *Service) DeleteAbandonedMedia(ctx context.Context, objects []archive.MediaObject) (int, error) {
	var toDelete []archive.MediaObject
	for _, obj := range objects {
		if obj.CDN == ArchiveCDN {
			toDelete = append(toDelete, obj)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	auth, err := s.auth(archive.KindMedia)
	if err != nil {
		return 0, err
	}
	if err := s.archive.DeleteArchivedMedia(ctx, auth, toDelete); err != nil {
		return 0, fmt.Errorf("deleting archived media: %w", err)
	}

	s.logger.Info("archived media deleted", "count", len(toDelete), "skipped", len(objects)-len(toDelete))
	return len(toDelete), nil
}

// CdnReadCredentials fetches the headers for reading archived media
// directly from cdn. The headers are secret.
func (s *Service) CdnReadCredentials(ctx context.Context, cdn int) (map[string]string, error) {
	auth, err := s.auth(archive.KindMedia)
	if err != nil {
		return nil, err
	}
	headers, err := s.archive.GetCdnReadCredentials(ctx, auth, cdn)
	if err != nil {
		return nil, fmt.Errorf("fetching cdn %d read credentials: %w", cdn, err)
	}
	return headers, nil
}

// DeleteBackup deletes both remote backups. It is deferred while a deletion
// still waits for media to be downloaded. The deletion state is COMPLETE on
// success and FAILED otherwise.
func (s *Service) DeleteBackup(ctx context.Context) (Deferred, error) {
	deferred, err := s.deferred(constraint.DeletionNotAwaitingMediaDownloadKey)
	if err != nil {
		return nil, err
	}
	if len(deferred) > 0 {
		return deferred, nil
	}

	for _, kind := range []archive.Kind{archive.KindMessages, archive.KindMedia} {
		auth, err := s.auth(kind)
		if err != nil {
			return nil, err
		}
		if err := s.archive.DeleteBackup(ctx, auth); err != nil {
			if serr := s.state.SetDeletionState(state.DeletionFailed); serr != nil {
				s.logger.Error("recording deletion failure", "error", serr)
			}
			return nil, fmt.Errorf("deleting %s backup: %w", kind, err)
		}
	}

	if err := s.state.SetDeletionState(state.DeletionComplete); err != nil {
		return nil, fmt.Errorf("recording deletion: %w", err)
	}
	s.logger.Info("remote backup deleted")
	return nil, nil
}
