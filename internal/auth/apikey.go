package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/midnight-protocol/admin/internal/models"
)

const apiKeyPrefix = "mnp_"

var ErrKeyNotFound = errors.New("api key not found")

// KeyStore looks up operator API keys by hash.
type KeyStore interface {
	Lookup(ctx context.Context, hash string) (*models.APIKey, error)
	Touch(ctx context.Context, id uuid.UUID) error
}

type APIKeyMiddleware struct {
	store      KeyStore
	headerName string
}

func NewAPIKeyMiddleware(store KeyStore, headerName string) *APIKeyMiddleware {
	return &APIKeyMiddleware{store: store, headerName: headerName}
}

// Authenticate resolves the API key header into an operator. Requests
// without the header pass through to the next authenticator.
func (m *APIKeyMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(m.headerName)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		hash := HashAPIKey(key)
		ak, err := m.store.Lookup(r.Context(), hash)
		if err != nil {
			if !errors.Is(err, ErrKeyNotFound) {
				slog.Error("api key lookup failed", "error", err)
			}
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		if subtle.ConstantTimeCompare([]byte(ak.KeyHash), []byte(hash)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		if ak.ExpiresAt != nil && ak.ExpiresAt.Before(time.Now()) {
			writeError(w, http.StatusUnauthorized, "API key expired")
			return
		}

		go func(id uuid.UUID) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.store.Touch(ctx, id); err != nil {
				slog.Warn("failed to update api key usage", "key_id", id, "error", err)
			}
		}(ak.ID)

		op := &models.Operator{Subject: "apikey:" + ak.ID.String(), Email: ak.Name, Role: ak.Role}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
	})
}

func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// GenerateAPIKey returns a new random key. Only its hash is stored.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

type PostgresKeyStore struct {
	db *pgxpool.Pool
}

func NewPostgresKeyStore(db *pgxpool.Pool) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) Lookup(ctx context.Context, hash string) (*models.APIKey, error) {
	var ak models.APIKey
	err := s.db.QueryRow(ctx,
		`SELECT id, name, key_hash, role, last_used_at, expires_at, created_at
		 FROM api_keys WHERE key_hash = $1`, hash,
	).Scan(&ak.ID, &ak.Name, &ak.KeyHash, &ak.Role, &ak.LastUsedAt, &ak.ExpiresAt, &ak.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &ak, nil
}

func (s *PostgresKeyStore) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, "UPDATE api_keys SET last_used_at = now() WHERE id = $1", id)
	return err
}

// Create stores a new key for role and returns the raw key once.
func (s *PostgresKeyStore) Create(ctx context.Context, name, role string, expiresAt *time.Time) (string, *models.APIKey, error) {
	if _, ok := rolePermissions[role]; !ok {
		return "", nil, fmt.Errorf("unknown role %q", role)
	}
	raw, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}

	ak := models.APIKey{Name: name, KeyHash: HashAPIKey(raw), Role: role, ExpiresAt: expiresAt}
	err = s.db.QueryRow(ctx,
		`INSERT INTO api_keys (name, key_hash, role, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		ak.Name, ak.KeyHash, ak.Role, ak.ExpiresAt,
	).Scan(&ak.ID, &ak.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}
	return raw, &ak, nil
}
