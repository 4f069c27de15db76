package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/marigold-commerce/api/internal/platform/firestore"
	"github.com/marigold-commerce/api/internal/repositories"
)

const tokensCollection = "tokens"

// TokenRepository is a persisted expiring key-value store. Entries past
// their TTL read as not found even before the cleanup sweep removes them.
type TokenRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[tokenDocument]
}

func NewTokenRepository(provider *pfirestore.Provider) (*TokenRepository, error) {
	if provider == nil {
		return nil, errors.New("token repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[tokenDocument](provider, tokensCollection, nil, nil)
	return &TokenRepository{provider: provider, base: base}, nil
}

func (r *TokenRepository) Put(ctx context.Context, tokenID string, value string, expiresAt time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("token repository not initialised")
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return errors.New("token put: id is required")
	}
	doc := tokenDocument{
		Value:     value,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := r.base.Set(ctx, tokenID, doc); err != nil {
		return pfirestore.WrapError("token.put", err)
	}
	return nil
}

// PutIfAbsent stores the entry only when no live entry holds the id,
// reporting whether the write happened. An expired leftover under the same
// id is replaced.
func (r *TokenRepository) PutIfAbsent(ctx context.Context, tokenID string, value string, expiresAt time.Time) (bool, error) {
	if r == nil || r.provider == nil || r.base == nil {
		return false, errors.New("token repository not initialised")
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return false, errors.New("token put: id is required")
	}

	doc := tokenDocument{
		Value:     value,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	stored := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored = false
		ref, err := r.base.DocumentRef(ctx, tokenID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing tokenDocument
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if existing.ExpiresAt.After(time.Now().UTC()) {
				return nil
			}
		}
		stored = true
		return tx.Set(ref, doc)
	})
	if err != nil {
		return false, pfirestore.WrapError("token.putIfAbsent", err)
	}
	return stored, nil
}

func (r *TokenRepository) Get(ctx context.Context, tokenID string) (string, error) {
	if r == nil || r.base == nil {
		return "", errors.New("token repository not initialised")
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return "", errors.New("token get: id is required")
	}

	doc, err := r.base.Get(ctx, tokenID)
	if err != nil {
		return "", pfirestore.WrapError("token.get", err)
	}
	if !doc.Data.ExpiresAt.IsZero() && !doc.Data.ExpiresAt.After(time.Now().UTC()) {
		return "", pfirestore.WrapError("token.get", status.Error(codes.NotFound, fmt.Sprintf("token %s expired", tokenID)))
	}
	return doc.Data.Value, nil
}

func (r *TokenRepository) Delete(ctx context.Context, tokenID string) error {
	if r == nil || r.base == nil {
		return errors.New("token repository not initialised")
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return errors.New("token delete: id is required")
	}
	ref, err := r.base.DocumentRef(ctx, tokenID)
	if err != nil {
		return pfirestore.WrapError("token.delete", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("token.delete", err)
	}
	return nil
}

// CleanupExpired removes entries past their TTL and reports how many went.
func (r *TokenRepository) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("token repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("token.cleanup", err)
	}

	iter := client.Collection(tokensCollection).
		Where("expiresAt", "<", now.UTC()).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, pfirestore.WrapError("token.cleanup", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return removed, pfirestore.WrapError("token.cleanup", err)
		}
		removed++
	}
	return removed, nil
}

type tokenDocument struct {
	Value     string    `firestore:"value"`
	ExpiresAt time.Time `firestore:"expiresAt"`
	CreatedAt time.Time `firestore:"createdAt"`
}

var _ repositories.TokenRepository = (*TokenRepository)(nil)
