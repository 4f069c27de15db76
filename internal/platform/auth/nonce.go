package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// NonceTokenStore persists a value under a key unless a live entry already
// holds it. The boolean reports whether the write happened.
type NonceTokenStore interface {
	PutIfAbsent(ctx context.Context, tokenID string, value string, expiresAt time.Time) (bool, error)
}

// PersistedNonceStore backs nonce replay prevention with an expiring token
// store, so seen nonces survive process restarts. The token id is a digest
// of scope and nonce, keeping arbitrary header values out of document ids.
type PersistedNonceStore struct {
	tokens NonceTokenStore
}

// NewPersistedNonceStore constructs the store.
func NewPersistedNonceStore(tokens NonceTokenStore) (*PersistedNonceStore, error) {
	if tokens == nil {
		return nil, errors.New("auth: nonce token store is required")
	}
	return &PersistedNonceStore{tokens: tokens}, nil
}

// UseNonce records the nonce until the provided expiry, rejecting replays
// until the entry lapses.
func (s *PersistedNonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if s == nil || s.tokens == nil {
		return false, errors.New("auth: nonce store not configured")
	}
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	if expiry.Before(time.Now()) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	return s.tokens.PutIfAbsent(ctx, nonceTokenID(scope, nonce), scope, expiry)
}

func nonceTokenID(scope, nonce string) string {
	sum := sha256.Sum256([]byte(scope + "::" + nonce))
	return "nonce-" + hex.EncodeToString(sum[:])
}

var _ NonceStore = (*PersistedNonceStore)(nil)
