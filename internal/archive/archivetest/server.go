// Package archivetest runs an in-process archive service for tests.
package archivetest

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"zrbackup/internal/archive"
)

// Server is a fake archive service holding its state in memory. Credentials
// it issues are opaque: they carry the backup id they were issued for, so it
// pairs with archive.OpaqueCredentials.
type Server struct {
	URL      string
	Username string
	Password string

	srv *httptest.Server

	mu          sync.Mutex
	backupIDs   map[archive.Kind][]byte
	publicKeys  map[string]ed25519.PublicKey // by backup id
	media       map[string]int               // media id -> cdn
	failures    map[string]int               // media id -> http status
	failNext    map[string][]int             // endpoint -> queued status codes
	hits        map[string]int
	info        archive.BackupInfo
	readHeaders map[string]string
	deleted     []archive.MediaObject
	batches     [][]string

	// ArchiveCDN is the CDN every copy lands on.
	ArchiveCDN int
}

// New starts a Server. It is closed when the test finishes.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		Username:    "account",
		Password:    "secret",
		backupIDs:   make(map[archive.Kind][]byte),
		publicKeys:  make(map[string]ed25519.PublicKey),
		media:       make(map[string]int),
		failures:    make(map[string]int),
		failNext:    make(map[string][]int),
		hits:        make(map[string]int),
		readHeaders: map[string]string{"Authorization": "Basic cdn-read"},
		ArchiveCDN:  3,
	}
	s.srv = httptest.NewServer(s.routes())
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1/archives", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.basicAuth)

			r.Put("/backupid", s.handle(archive.EndpointSetBackupID, s.handleSetBackupID))
			r.Get("/auth", s.handle(archive.EndpointArchiveCredentials, s.handleArchiveCredentials))
		})

		r.Put("/keys", s.handle(archive.EndpointSetPublicKey, s.handleSetPublicKey))
		r.Group(func(r chi.Router) {
			r.Use(s.zkAuth)

			r.Get("/", s.handle(archive.EndpointBackupInfo, s.handleBackupInfo))
			r.Delete("/", s.handle(archive.EndpointDeleteBackup, s.handleDeleteBackup))
			r.Put("/media", s.handle(archive.EndpointArchiveMedia, s.handleArchiveMedia))
			r.Put("/media/batch", s.handle(archive.EndpointArchiveMediaBatch, s.handleArchiveMediaBatch))
			r.Post("/media/delete", s.handle(archive.EndpointDeleteMedia, s.handleDeleteMedia))
			r.Get("/auth/read", s.handle(archive.EndpointCdnCredentials, s.handleReadCredentials))
		})
	})
	return r
}

// FailNext makes the next len(codes) calls to endpoint fail with codes.
func (s *Server) FailNext(endpoint string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[endpoint] = append(s.failNext[endpoint], codes...)
}

// FailMedia makes every copy of mediaID fail with code.
func (s *Server) FailMedia(mediaID string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[mediaID] = code
}

// Hits returns how many requests reached endpoint.
func (s *Server) Hits(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[endpoint]
}

// Archived reports the CDN mediaID was copied to.
func (s *Server) Archived(mediaID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cdn, ok := s.media[mediaID]
	return cdn, ok
}

// ArchivedCount returns the number of archived objects.
func (s *Server) ArchivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.media)
}

// Batches returns the media ids of every batch submitted, in order.
func (s *Server) Batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.batches))
	copy(out, s.batches)
	return out
}

// Deleted returns every object deletion received.
func (s *Server) Deleted() []archive.MediaObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]archive.MediaObject(nil), s.deleted...)
}

// BackupIDRequest returns the committed credential request for kind.
func (s *Server) BackupIDRequest(kind archive.Kind) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupIDs[kind]
}

// PublicKey returns the key registered for a backup id.
func (s *Server) PublicKey(backupID []byte) ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicKeys[string(backupID)]
}

// SetBackupInfo sets the info returned for every backup.
func (s *Server) SetBackupInfo(info archive.BackupInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

// SetReadHeaders sets the CDN read headers handed out.
func (s *Server) SetReadHeaders(h map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readHeaders = h
}

// handle counts the hit and serves a queued failure before calling h.
func (s *Server) handle(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[endpoint]++
		var code int
		if q := s.failNext[endpoint]; len(q) > 0 {
			code, s.failNext[endpoint] = q[0], q[1:]
		}
		s.mu.Unlock()

		if code != 0 {
			if code == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "30")
			}
			w.WriteHeader(code)
			return
		}
		h(w, r)
	}
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credential layout: backup id || redemption day (8 bytes big endian).
func issueCredential(backupID []byte, day time.Time) []byte {
	cred := append([]byte(nil), backupID...)
	return binary.BigEndian.AppendUint64(cred, uint64(day.Unix()))
}

func (s *Server) presentedBackupID(r *http.Request) ([]byte, []byte, bool) {
	presentation, err := base64.StdEncoding.DecodeString(r.Header.Get(archive.HeaderZKAuth))
	if err != nil || len(presentation) <= 8 {
		return nil, nil, false
	}
	signature, err := base64.StdEncoding.DecodeString(r.Header.Get(archive.HeaderZKAuthSignature))
	if err != nil || len(signature) != ed25519.SignatureSize {
		return nil, nil, false
	}
	backupID := presentation[:len(presentation)-8]

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.backupIDs {
		if string(id) == string(backupID) {
			return backupID, append(presentation, signature...), true
		}
	}
	return nil, nil, false
}

func (s *Server) zkAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupID, signed, ok := s.presentedBackupID(r)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		pub := s.publicKeys[string(backupID)]
		s.mu.Unlock()

		if pub == nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		presentation, sig := signed[:len(signed)-ed25519.SignatureSize], signed[len(signed)-ed25519.SignatureSize:]
		if !ed25519.Verify(pub, presentation, sig) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSetBackupID(w http.ResponseWriter, r *http.Request) {
	var req archive.SetBackupIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	if req.MessagesBackupAuthCredentialRequest != nil {
		s.backupIDs[archive.KindMessages] = req.MessagesBackupAuthCredentialRequest
	}
	if req.MediaBackupAuthCredentialRequest != nil {
		s.backupIDs[archive.KindMedia] = req.MediaBackupAuthCredentialRequest
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveCredentials(w http.ResponseWriter, r *http.Request) {
	start, err1 := strconv.ParseInt(r.URL.Query().Get("redemptionStartSeconds"), 10, 64)
	end, err2 := strconv.ParseInt(r.URL.Query().Get("redemptionEndSeconds"), 10, 64)
	if err1 != nil || err2 != nil || end < start {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backupIDs) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	resp := archive.ArchiveCredentialsResponse{Credentials: map[string][]archive.ArchiveCredential{}}
	for kind, id := range s.backupIDs {
		for day := start; day <= end; day += int64((24 * time.Hour).Seconds()) {
			resp.Credentials[kind.String()] = append(resp.Credentials[kind.String()], archive.ArchiveCredential{
				Credential:     issueCredential(id, time.Unix(day, 0)),
				RedemptionTime: day,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetPublicKey(w http.ResponseWriter, r *http.Request) {
	backupID, signed, ok := s.presentedBackupID(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req archive.SetPublicKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.BackupIDPublicKey) != ed25519.PublicKeySize {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	pub := ed25519.PublicKey(req.BackupIDPublicKey)
	presentation, sig := signed[:len(signed)-ed25519.SignatureSize], signed[len(signed)-ed25519.SignatureSize:]
	if !ed25519.Verify(pub, presentation, sig) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.publicKeys[string(backupID)] = pub
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBackupInfo(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.media = make(map[string]int)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// copyMedia archives one item and returns the HTTP status for it.
func (s *Server) copyMedia(item archive.ArchiveMediaRequest) int {
	if item.MediaID == "" || item.HMACKey == "" || item.EncryptionKey == "" || item.SourceAttachment.Key == "" {
		return http.StatusBadRequest
	}
	if code, ok := s.failures[item.MediaID]; ok {
		return code
	}
	s.media[item.MediaID] = s.ArchiveCDN
	return http.StatusOK
}

func (s *Server) handleArchiveMedia(w http.ResponseWriter, r *http.Request) {
	var req archive.ArchiveMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	code := s.copyMedia(req)
	s.mu.Unlock()

	if code != http.StatusOK {
		w.WriteHeader(code)
		return
	}
	writeJSON(w, http.StatusOK, archive.ArchiveMediaResponse{CDN: s.ArchiveCDN})
}

func (s *Server) handleArchiveMediaBatch(w http.ResponseWriter, r *http.Request) {
	var req archive.BatchArchiveMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	ids := make([]string, 0, len(req.Items))
	resp := archive.BatchArchiveMediaResponse{}
	for _, item := range req.Items {
		ids = append(ids, item.MediaID)
		code := s.copyMedia(item)
		out := archive.BatchArchiveMediaItem{Status: &code, MediaID: item.MediaID}
		if code == http.StatusOK {
			cdn := s.ArchiveCDN
			out.CDN = &cdn
		} else {
			out.FailureReason = http.StatusText(code)
		}
		resp.Responses = append(resp.Responses, out)
	}
	s.batches = append(s.batches, ids)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	var req archive.DeleteArchivedMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	for _, obj := range req.MediaToDelete {
		delete(s.media, obj.MediaID)
		s.deleted = append(s.deleted, obj)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadCredentials(w http.ResponseWriter, r *http.Request) {
	if _, err := strconv.Atoi(r.URL.Query().Get("cdn")); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	headers := s.readHeaders
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, archive.CdnCredentialsResponse{Headers: headers})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
