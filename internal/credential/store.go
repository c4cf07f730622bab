// Package credential implements per-tenant symmetric encryption and
// decryption of vendor credentials, with rotation history and a hard
// cross-tenant isolation guarantee.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/apilens/gateway/internal/cache"
)

const blobVersion byte = 1

// ErrAuthentication is returned when decryption fails its AEAD tag check —
// including, deliberately, any cross-tenant decryption attempt.
var ErrAuthentication = errors.New("credential: authentication failed")

// ErrNotFound is returned when no active vendor credential exists.
var ErrNotFound = errors.New("credential: not found")

// Record is the durable representation of a vendor credential.
type Record struct {
	Tenant    string    `json:"tenant"`
	Vendor    string    `json:"vendor"`
	Blob      string    `json:"blob"` // base64: version || nonce || ciphertext+tag
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RotationEntry is one append to a (tenant, vendor)'s rotation history.
type RotationEntry struct {
	Tenant    string    `json:"tenant"`
	Vendor    string    `json:"vendor"`
	Reason    string    `json:"reason"`
	RotatedAt time.Time `json:"rotated_at"`
}

// Durable is the subset of the durable-store collaborator the credential
// store needs: reading and replacing the active credential row, and
// appending to rotation history.
type Durable interface {
	GetVendorCredential(ctx context.Context, tenant, vendor string) (*Record, error)
	PutVendorCredential(ctx context.Context, rec *Record) error
	AppendRotationHistory(ctx context.Context, entry *RotationEntry) error
}

// Store derives per-tenant AEAD keys from a single master secret and seals
// vendor credentials under them.
type Store struct {
	masterKey []byte
	durable   Durable
	cache     *cache.Cache
	cacheTTL  time.Duration
	now       func() time.Time
}

// New constructs a Store. masterKey is the operator-supplied secret (not
// itself the AEAD key — every tenant's key is derived from it via HKDF).
func New(masterKey []byte, durable Durable, c *cache.Cache, cacheTTL time.Duration) *Store {
	return &Store{masterKey: masterKey, durable: durable, cache: c, cacheTTL: cacheTTL, now: time.Now}
}

// deriveKey derives a deterministic 32-byte key from the master secret and
// the tenant's isolation namespace, per §4.3.
func (s *Store) deriveKey(isolationNamespace string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.masterKey, []byte(isolationNamespace), []byte("apilens-vendor-credential"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("credential: derive key: %w", err)
	}
	return key, nil
}

// Store encrypts plaintext under tenant's derived key and persists it in
// place of any previous active credential for (tenant, vendor). When one
// existed, a rotation-history entry (tenant, vendor, reason, time) is
// appended; the replaced ciphertext itself is not kept.
func (s *Store) Store(ctx context.Context, tenant, isolationNamespace, vendor string, plaintext []byte) error {
	return s.store(ctx, tenant, isolationNamespace, vendor, plaintext, "initial")
}

// Rotate is Store with an explicit rotation-reason tag for the audit trail.
func (s *Store) Rotate(ctx context.Context, tenant, isolationNamespace, vendor string, plaintext []byte, reason string) error {
	return s.store(ctx, tenant, isolationNamespace, vendor, plaintext, reason)
}

func (s *Store) store(ctx context.Context, tenant, isolationNamespace, vendor string, plaintext []byte, reason string) error {
	key, err := s.deriveKey(isolationNamespace)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("credential: new aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("credential: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(tenant+":"+vendor))

	blob := make([]byte, 0, 1+len(nonce)+len(sealed))
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	existing, err := s.durable.GetVendorCredential(ctx, tenant, vendor)
	if err == nil && existing != nil && existing.Active {
		if err := s.durable.AppendRotationHistory(ctx, &RotationEntry{
			Tenant: tenant, Vendor: vendor, Reason: reason, RotatedAt: s.now(),
		}); err != nil {
			return fmt.Errorf("credential: append rotation history: %w", err)
		}
	}

	rec := &Record{
		Tenant:    tenant,
		Vendor:    vendor,
		Blob:      base64.StdEncoding.EncodeToString(blob),
		Active:    true,
		UpdatedAt: s.now(),
	}
	if err := s.durable.PutVendorCredential(ctx, rec); err != nil {
		return fmt.Errorf("credential: persist: %w", err)
	}

	s.cache.InvalidateTenant(ctx, tenant) //nolint:errcheck // cache is a hint, not source of truth
	return nil
}

// Fetch returns the decrypted plaintext for (tenant, vendor), caching it
// under vendor-cred:<tenant>:<vendor> with the configured short TTL.
func (s *Store) Fetch(ctx context.Context, tenant, isolationNamespace, vendor string) ([]byte, error) {
	key := cache.VendorCredKey(tenant, vendor)

	var cached envelope
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return base64.StdEncoding.DecodeString(cached.Plaintext64)
	}

	rec, err := s.durable.GetVendorCredential(ctx, tenant, vendor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if rec == nil || !rec.Active {
		return nil, ErrNotFound
	}

	plaintext, err := s.decrypt(rec, isolationNamespace, tenant, vendor)
	if err != nil {
		return nil, err
	}

	s.cache.Put(ctx, key, envelope{ //nolint:errcheck // best-effort cache fill
		Plaintext64: base64.StdEncoding.EncodeToString(plaintext),
		CachedAt:    s.now(),
	}, s.cacheTTL)

	return plaintext, nil
}

// decrypt unseals rec.Blob under the key derived from isolationNamespace.
// A mismatched namespace (wrong tenant) fails the AEAD tag check and
// returns ErrAuthentication, never garbage plaintext — this is the
// isolation property of §4.3/§8.
func (s *Store) decrypt(rec *Record, isolationNamespace, tenant, vendor string) ([]byte, error) {
	key, err := s.deriveKey(isolationNamespace)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credential: new aead: %w", err)
	}

	blob, err := base64.StdEncoding.DecodeString(rec.Blob)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed blob: %v", ErrAuthentication, err)
	}
	if len(blob) < 1+aead.NonceSize() {
		return nil, fmt.Errorf("%w: truncated blob", ErrAuthentication)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrAuthentication, blob[0])
	}
	nonce := blob[1 : 1+aead.NonceSize()]
	ciphertext := blob[1+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(tenant+":"+vendor))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

type envelope struct {
	Plaintext64 string    `json:"plaintext"`
	CachedAt    time.Time `json:"cached_at"`
}
