package tenant

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// keyPrefix tags every issued API key so format errors are cheap to detect
// before any hashing work.
const keyPrefix = "alens_"

// ErrMalformedKey is returned when a presented API key does not match the
// issued format.
var ErrMalformedKey = errors.New("tenant: malformed api key")

// IssuedKey is returned once, at issuance time, to the caller that
// requested a new key. Secret is shown only here; SecretHash is what gets
// persisted.
type IssuedKey struct {
	KeyID      string
	FullKey    string // alens_<keyID>.<secret> — shown to the tenant once
	SecretHash string // bcrypt hash of the secret half, persisted
}

// IssueAPIKey generates a new public keyID and private secret, and returns
// the bcrypt hash of the secret for the durable store to persist alongside
// the keyID. Only the full key is usable by the caller; the hash alone
// cannot be replayed.
func IssueAPIKey() (*IssuedKey, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("tenant: generate key id: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("tenant: generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("tenant: hash secret: %w", err)
	}

	return &IssuedKey{
		KeyID:      keyID,
		FullKey:    fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret),
		SecretHash: string(hash),
	}, nil
}

// ParseAPIKey splits a presented full key into its public keyID and
// private secret halves without touching the durable store.
func ParseAPIKey(fullKey string) (keyID, secret string, err error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return "", "", ErrMalformedKey
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, keyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedKey
	}
	return parts[0], parts[1], nil
}

// VerifySecret checks secret against its bcrypt hash. Bcrypt's comparison
// is already constant-time with respect to the hash.
func VerifySecret(secretHash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return nil
}
