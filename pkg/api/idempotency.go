package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChinmayGopal931/Motivate-app/pkg/auth"
)

const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyKeyHeader names the request header carrying the client's key.
const IdempotencyKeyHeader = "Idempotency-Key"

var (
	// ErrIdempotencyInFlight means another request holds the key.
	ErrIdempotencyInFlight = errors.New("idempotency key is in flight")
	// ErrIdempotencyMismatch means the key was used with a different body.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request body")
)

// CachedResponse is a previously-seen response for idempotent replay.
type CachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore is a backend for replayed responses.
//
// Reserve claims key for a request whose body hashes to fingerprint. It returns
// the stored response when the key already completed, ErrIdempotencyInFlight
// while another request holds it, and ErrIdempotencyMismatch when the
// fingerprint differs. A reservation ends with Complete or Release.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, fingerprint string) (*CachedResponse, error)
	Complete(ctx context.Context, key string, resp *CachedResponse)
	Release(ctx context.Context, key string)
}

type memoryEntry struct {
	fingerprint string
	response    *CachedResponse // nil while pending
	at          time.Time
}

// MemoryIdempotencyStore keeps responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates a store whose entries live for ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, fingerprint string) (*CachedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.entries {
		if now.Sub(v.at) >= s.ttl {
			delete(s.entries, k)
		}
	}

	e, ok := s.entries[key]
	if !ok {
		s.entries[key] = &memoryEntry{fingerprint: fingerprint, at: now}
		return nil, nil
	}
	if e.fingerprint != fingerprint {
		return nil, ErrIdempotencyMismatch
	}
	if e.response == nil {
		return nil, ErrIdempotencyInFlight
	}
	return e.response, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, key string, resp *CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	resp.CachedAt = s.now()
	e.response = resp
	e.at = resp.CachedAt
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.response == nil {
		delete(s.entries, key)
	}
}

// PostgresIdempotencyStore survives restarts and is shared across replicas.
// A row with status_code 0 is a pending reservation.
type PostgresIdempotencyStore struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewPostgresIdempotencyStore creates the backing table if needed.
func NewPostgresIdempotencyStore(ctx context.Context, db *sql.DB, ttl time.Duration) (*PostgresIdempotencyStore, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		headers BYTEA,
		body BYTEA,
		cached_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create idempotency table: %w", err)
	}
	return &PostgresIdempotencyStore{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default().With("component", "idempotency"),
	}, nil
}

func (s *PostgresIdempotencyStore) Reserve(ctx context.Context, key, fingerprint string) (*CachedResponse, error) {
	now := s.now()
	// An expired row, pending or not, is taken over by the new reservation.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, fingerprint, status_code, cached_at)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (key) DO UPDATE
		 SET fingerprint = $2, status_code = 0, headers = NULL, body = NULL, cached_at = $3
		 WHERE idempotency_keys.cached_at <= $4`,
		key, fingerprint, now, now.Add(-s.ttl),
	)
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil, nil
	}

	var (
		storedFP string
		c        CachedResponse
		headers  []byte
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT fingerprint, status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&storedFP, &c.StatusCode, &headers, &c.Body, &c.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between the insert and the lookup.
		return nil, ErrIdempotencyInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	if storedFP != fingerprint {
		return nil, ErrIdempotencyMismatch
	}
	if c.StatusCode == 0 {
		return nil, ErrIdempotencyInFlight
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &c.Headers); err != nil {
			return nil, fmt.Errorf("decode idempotency headers: %w", err)
		}
	}
	return &c, nil
}

func (s *PostgresIdempotencyStore) Complete(ctx context.Context, key string, resp *CachedResponse) {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency headers not stored", "key", key, "error", err)
		headers = nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status_code = $2, headers = $3, body = $4, cached_at = $5 WHERE key = $1`,
		key, resp.StatusCode, headers, resp.Body, s.now(),
	)
	if err != nil {
		// The operation already committed; the pending row expires with the ttl.
		s.logger.WarnContext(ctx, "idempotency store failed", "key", key, "error", err)
	}
}

func (s *PostgresIdempotencyStore) Release(ctx context.Context, key string) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND status_code = 0`, key)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency release failed", "key", key, "error", err)
	}
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	headers    http.Header
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	if rc.headers == nil {
		rc.statusCode = code
		rc.headers = rc.ResponseWriter.Header().Clone()
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if rc.headers == nil {
		rc.WriteHeader(http.StatusOK)
	}
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// IdempotencyMiddleware runs a POST carrying an Idempotency-Key at most once
// per caller and path. Repeats get the stored response; a repeat that arrives
// while the first is running gets 409, and a repeat with a different body gets
// 422. Only 2xx responses are stored, so a rejected request can be retried.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				WriteBadRequest(w, "Invalid request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))

			scope := "anonymous"
			if p, err := auth.GetPrincipal(r.Context()); err == nil {
				scope = string(p.Address)
			}
			scoped := scope + "|" + r.URL.Path + "|" + key

			cached, err := store.Reserve(r.Context(), scoped, fingerprint(raw))
			switch {
			case errors.Is(err, ErrIdempotencyInFlight):
				WriteErrorR(w, r, http.StatusConflict, "Conflict", "A request with this Idempotency-Key is still in progress")
				return
			case errors.Is(err, ErrIdempotencyMismatch):
				WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", "Idempotency-Key was already used with a different request body")
				return
			case err != nil:
				slog.ErrorContext(r.Context(), "idempotency reservation failed", "error", err)
				WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Idempotency store unavailable, retry later")
				return
			case cached != nil:
				for k, v := range cached.Headers {
					if k == "X-Request-Id" {
						continue
					}
					w.Header()[k] = append([]string(nil), v...)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			completed := false
			defer func() {
				if !completed {
					store.Release(context.WithoutCancel(r.Context()), scoped)
				}
			}()
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Complete(context.WithoutCancel(r.Context()), scoped, &CachedResponse{
					StatusCode: capture.statusCode,
					Headers:    capture.headers,
					Body:       capture.body.Bytes(),
				})
				completed = true
			}
		})
	}
}
