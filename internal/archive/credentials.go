package archive

import (
	"crypto/ed25519"
	"slices"
	"sync"
	"time"

	"zrbackup/internal/backupkeys"
)

// Kind selects the messages or the media backup.
type Kind int

const (
	KindMessages Kind = iota
	KindMedia
)

var kinds = []Kind{KindMessages, KindMedia}

func (k Kind) String() string {
	if k == KindMedia {
		return "media"
	}
	return "messages"
}

// ParseKind accepts "messages" or "media".
func ParseKind(s string) (Kind, bool) {
	for _, k := range kinds {
		if k.String() == s {
			return k, true
		}
	}
	return KindMessages, false
}

// AnonymousCredentials is the zero-knowledge credential scheme the service
// authenticates with. It is supplied by the caller.
type AnonymousCredentials interface {
	// CredentialRequest returns the request committed to by SetBackupID.
	CredentialRequest(kind Kind, id backupkeys.BackupID) ([]byte, error)

	// Presentation proves possession of a credential issued for kind.
	Presentation(kind Kind, credential []byte, now time.Time) ([]byte, error)
}

// OpaqueCredentials is the scheme for services that issue bearer
// credentials: the request is the backup id and the presentation is the
// credential itself.
type OpaqueCredentials struct{}

func (OpaqueCredentials) CredentialRequest(_ Kind, id backupkeys.BackupID) ([]byte, error) {
	return slices.Clone(id[:]), nil
}

func (OpaqueCredentials) Presentation(_ Kind, credential []byte, _ time.Time) ([]byte, error) {
	return slices.Clone(credential), nil
}

var _ AnonymousCredentials = OpaqueCredentials{}

// Auth authenticates a request against one backup. SigningKey is the
// backup-id key derived from the root key.
type Auth struct {
	Kind       Kind
	SigningKey ed25519.PrivateKey
}

// Credential is a credential redeemable for the day starting at
// RedemptionTime.
type Credential struct {
	Kind           Kind
	RedemptionTime time.Time
	Bytes          []byte
}

const redemptionWindow = 24 * time.Hour

// CredentialCache holds fetched credentials until their lifetime expires.
// Safe for concurrent use.
type CredentialCache struct {
	mu      sync.RWMutex
	creds   map[Kind][]Credential
	expires map[Kind]time.Time
}

func NewCredentialCache() *CredentialCache {
	return &CredentialCache{
		creds:   make(map[Kind][]Credential),
		expires: make(map[Kind]time.Time),
	}
}

// Get returns the credential redeemable at now.
func (c *CredentialCache) Get(kind Kind, now time.Time) (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !now.Before(c.expires[kind]) {
		return Credential{}, false
	}
	for _, cred := range c.creds[kind] {
		if !now.Before(cred.RedemptionTime) && now.Before(cred.RedemptionTime.Add(redemptionWindow)) {
			return cred, true
		}
	}
	return Credential{}, false
}

// Store replaces the credentials of kind.
func (c *CredentialCache) Store(kind Kind, creds []Credential, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds[kind] = creds
	c.expires[kind] = expires
}

// Clear drops every cached credential of kind.
func (c *CredentialCache) Clear(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.creds, kind)
	delete(c.expires, kind)
}
