// Package archive is the client of the remote archive service: backup id
// registration, backup info, copying transit objects into the archive CDN,
// media deletion and CDN read credentials.
package archive

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Header names carrying the presentation and its signature.
const (
	HeaderZKAuth          = "X-ZonaRosa-ZK-Auth"
	HeaderZKAuthSignature = "X-ZonaRosa-ZK-Auth-Signature"
)

// Endpoint names, used for metrics and in errors.
const (
	EndpointSetBackupID        = "set_backup_id"
	EndpointArchiveCredentials = "archive_credentials"
	EndpointSetPublicKey       = "set_public_key"
	EndpointBackupInfo         = "backup_info"
	EndpointArchiveMedia       = "archive_media"
	EndpointArchiveMediaBatch  = "archive_media_batch"
	EndpointDeleteMedia        = "delete_media"
	EndpointCdnCredentials     = "cdn_credentials"
	EndpointDeleteBackup       = "delete_backup"
)

// Recorder observes request outcomes. outcome is a Status name, or
// "transport_error" when no response was received.
type Recorder interface {
	ObserveRequest(endpoint, outcome string)
	ObserveBatchItem(status Status)
}

// NopRecorder discards observations.
type NopRecorder struct{}

func (NopRecorder) ObserveRequest(string, string) {}
func (NopRecorder) ObserveBatchItem(Status)       {}

// Defaults applied by NewClient to zero Options fields.
const (
	DefaultTimeout            = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBase          = 250 * time.Millisecond
	DefaultCredentialLifetime = 7 * 24 * time.Hour
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client

	// Username and Password authenticate account-level calls.
	Username string
	Password string

	Credentials        AnonymousCredentials
	CredentialLifetime time.Duration

	// MaxRetries bounds the retries of idempotent calls. Zero means the
	// default; a negative value disables retries.
	MaxRetries int
	RetryBase  time.Duration

	Recorder Recorder
	Now      func() time.Time
}

// Client talks to the archive service. Safe for concurrent use.
type Client struct {
	baseURL  string
	http     *http.Client
	username string
	password string

	creds    AnonymousCredentials
	lifetime time.Duration
	cache    *CredentialCache

	maxRetries uint64
	retryBase  time.Duration

	recorder Recorder
	now      func() time.Time
}

// NewClient creates a Client from opts.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid archive base url %q", opts.BaseURL)
	}

	c := &Client{
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		http:      opts.HTTPClient,
		username:  opts.Username,
		password:  opts.Password,
		creds:     opts.Credentials,
		lifetime:  opts.CredentialLifetime,
		cache:     NewCredentialCache(),
		retryBase: opts.RetryBase,
		recorder:  opts.Recorder,
		now:       opts.Now,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultTimeout}
	}
	if c.creds == nil {
		c.creds = OpaqueCredentials{}
	}
	if c.lifetime <= 0 {
		c.lifetime = DefaultCredentialLifetime
	}
	switch {
	case opts.MaxRetries == 0:
		c.maxRetries = DefaultMaxRetries
	case opts.MaxRetries > 0:
		c.maxRetries = uint64(opts.MaxRetries)
	}
	if c.retryBase <= 0 {
		c.retryBase = DefaultRetryBase
	}
	if c.recorder == nil {
		c.recorder = NopRecorder{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Credentials returns the credential scheme in use.
func (c *Client) Credentials() AnonymousCredentials { return c.creds }

// SetBackupID commits the credential requests for both backup kinds. It uses
// account authentication and is retried.
func (c *Client) SetBackupID(ctx context.Context, req SetBackupIDRequest) error {
	return c.do(ctx, call{
		endpoint:   EndpointSetBackupID,
		method:     http.MethodPut,
		path:       "/v1/archives/backupid",
		body:       req,
		idempotent: true,
	}, nil)
}

// GetArchiveCredentials fetches the credentials redeemable between start and
// end, keyed by Kind.
func (c *Client) GetArchiveCredentials(ctx context.Context, start, end time.Time) (map[Kind][]Credential, error) {
	q := url.Values{}
	q.Set("redemptionStartSeconds", strconv.FormatInt(start.Unix(), 10))
	q.Set("redemptionEndSeconds", strconv.FormatInt(end.Unix(), 10))

	var resp ArchiveCredentialsResponse
	err := c.do(ctx, call{
		endpoint:   EndpointArchiveCredentials,
		method:     http.MethodGet,
		path:       "/v1/archives/auth",
		query:      q,
		idempotent: true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make(map[Kind][]Credential, len(kinds))
	for name, list := range resp.Credentials {
		kind, ok := ParseKind(name)
		if !ok {
			continue
		}
		for _, ac := range list {
			out[kind] = append(out[kind], Credential{
				Kind:           kind,
				RedemptionTime: time.Unix(ac.RedemptionTime, 0).UTC(),
				Bytes:          ac.Credential,
			})
		}
	}
	return out, nil
}

// SetPublicKey uploads the backup-id public key. Retried.
func (c *Client) SetPublicKey(ctx context.Context, auth Auth, req SetPublicKeyRequest) error {
	return c.do(ctx, call{
		endpoint:   EndpointSetPublicKey,
		method:     http.MethodPut,
		path:       "/v1/archives/keys",
		body:       req,
		auth:       &auth,
		idempotent: true,
	}, nil)
}

// GetBackupInfo fetches the backup info. Retried.
func (c *Client) GetBackupInfo(ctx context.Context, auth Auth) (*BackupInfo, error) {
	var info BackupInfo
	err := c.do(ctx, call{
		endpoint:   EndpointBackupInfo,
		method:     http.MethodGet,
		path:       "/v1/archives",
		auth:       &auth,
		idempotent: true,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ArchiveMedia copies one transit object into the archive CDN. A service
// failure is reported in the result's Status; the error is only set when no
// response was received.
func (c *Client) ArchiveMedia(ctx context.Context, auth Auth, req ArchiveMediaRequest) (*ArchiveMediaResult, error) {
	var resp ArchiveMediaResponse
	err := c.do(ctx, call{
		endpoint: EndpointArchiveMedia,
		method:   http.MethodPut,
		path:     "/v1/archives/media",
		body:     req,
		auth:     &auth,
	}, &resp)

	var se *ServiceError
	switch {
	case errors.As(err, &se):
		return &ArchiveMediaResult{Status: se.Status, RetryAfter: se.RetryAfter}, nil
	case err != nil:
		return nil, err
	}
	return &ArchiveMediaResult{Status: StatusOK, CDN: resp.CDN}, nil
}

// ArchiveMediaBatch submits several copies at once. Each response item
// reports its own outcome; the batch is never all-or-nothing. It is not
// retried, since a retry after partial success would resubmit finished
// items.
func (c *Client) ArchiveMediaBatch(ctx context.Context, auth Auth, items []ArchiveMediaRequest) (*BatchArchiveMediaResponse, error) {
	var resp BatchArchiveMediaResponse
	err := c.do(ctx, call{
		endpoint: EndpointArchiveMediaBatch,
		method:   http.MethodPut,
		path:     "/v1/archives/media/batch",
		body:     BatchArchiveMediaRequest{Items: items},
		auth:     &auth,
	}, &resp)
	if err != nil {
		return nil, err
	}
	for _, item := range resp.Responses {
		c.recorder.ObserveBatchItem(item.Outcome())
	}
	return &resp, nil
}

// DeleteArchivedMedia deletes archived objects, best effort. Not retried.
func (c *Client) DeleteArchivedMedia(ctx context.Context, auth Auth, objects []MediaObject) error {
	return c.do(ctx, call{
		endpoint: EndpointDeleteMedia,
		method:   http.MethodPost,
		path:     "/v1/archives/media/delete",
		body:     DeleteArchivedMediaRequest{MediaToDelete: objects},
		auth:     &auth,
	}, nil)
}

// GetCdnReadCredentials fetches the headers for reading directly from cdn.
// The headers are secret and not cached.
func (c *Client) GetCdnReadCredentials(ctx context.Context, auth Auth, cdn int) (map[string]string, error) {
	q := url.Values{}
	q.Set("cdn", strconv.Itoa(cdn))

	var resp CdnCredentialsResponse
	err := c.do(ctx, call{
		endpoint:   EndpointCdnCredentials,
		method:     http.MethodGet,
		path:       "/v1/archives/auth/read",
		query:      q,
		auth:       &auth,
		idempotent: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Headers, nil
}

// DeleteBackup deletes the whole backup. Not retried.
func (c *Client) DeleteBackup(ctx context.Context, auth Auth) error {
	return c.do(ctx, call{
		endpoint: EndpointDeleteBackup,
		method:   http.MethodDelete,
		path:     "/v1/archives",
		auth:     &auth,
	}, nil)
}

// ClearCredentials drops the cached credentials of kind.
func (c *Client) ClearCredentials(kind Kind) {
	c.cache.Clear(kind)
}

// call describes one request. A nil auth means account authentication.
type call struct {
	endpoint   string
	method     string
	path       string
	query      url.Values
	body       any
	auth       *Auth
	idempotent bool
}

func (c *Client) do(ctx context.Context, r call, out any) error {
	var payload []byte
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return fmt.Errorf("encoding %s request: %w", r.endpoint, err)
		}
	}

	var headers http.Header
	if r.auth != nil {
		var err error
		if headers, err = c.presentationHeaders(ctx, *r.auth); err != nil {
			c.recorder.ObserveRequest(r.endpoint, outcomeOf(err))
			return err
		}
	}

	attempt := func(ctx context.Context) error {
		err := c.roundTrip(ctx, r, payload, headers, out)
		if r.idempotent && retryable(ctx, err) {
			return retry.RetryableError(err)
		}
		return err
	}

	var err error
	if r.idempotent && c.maxRetries > 0 {
		backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
		err = retry.Do(ctx, backoff, attempt)
	} else {
		err = attempt(ctx)
	}

	c.recorder.ObserveRequest(r.endpoint, outcomeOf(err))

	if r.auth != nil {
		if st, ok := StatusOf(err); ok && st.RefreshCredential() {
			c.cache.Clear(r.auth.Kind)
		}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, r call, payload []byte, headers http.Header, out any) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", r.endpoint, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		req.Header[k] = vs
	}
	if r.auth == nil {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", r.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return &ServiceError{
			Endpoint:   r.endpoint,
			Status:     StatusFromHTTP(resp.StatusCode),
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s response: %w", r.endpoint, err)
	}
	return nil
}

// presentationHeaders builds the signed presentation for auth, fetching
// credentials when none is cached for today.
func (c *Client) presentationHeaders(ctx context.Context, auth Auth) (http.Header, error) {
	if len(auth.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("archive auth: missing signing key")
	}

	now := c.now()
	cred, ok := c.cache.Get(auth.Kind, now)
	if !ok {
		if err := c.refreshCredentials(ctx, now); err != nil {
			return nil, err
		}
		if cred, ok = c.cache.Get(auth.Kind, now); !ok {
			return nil, fmt.Errorf("archive service issued no %s credential for %s", auth.Kind, now.UTC().Format(time.DateOnly))
		}
	}

	presentation, err := c.creds.Presentation(auth.Kind, cred.Bytes, now)
	if err != nil {
		return nil, fmt.Errorf("creating %s presentation: %w", auth.Kind, err)
	}
	signature := ed25519.Sign(auth.SigningKey, presentation)

	h := http.Header{}
	h.Set(HeaderZKAuth, base64.StdEncoding.EncodeToString(presentation))
	h.Set(HeaderZKAuthSignature, base64.StdEncoding.EncodeToString(signature))
	return h, nil
}

func (c *Client) refreshCredentials(ctx context.Context, now time.Time) error {
	start := now.UTC().Truncate(redemptionWindow)
	end := start.Add(c.lifetime)

	fetched, err := c.GetArchiveCredentials(ctx, start, end)
	if err != nil {
		return fmt.Errorf("fetching archive credentials: %w", err)
	}
	for _, kind := range kinds {
		c.cache.Store(kind, fetched[kind], end)
	}
	return nil
}

// retryable reports whether a failed idempotent call may be repeated:
// transport failures and 5xx responses, unless the caller gave up.
func retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func outcomeOf(err error) string {
	if err == nil {
		return StatusOK.String()
	}
	if st, ok := StatusOf(err); ok {
		return st.String()
	}
	return "transport_error"
}
