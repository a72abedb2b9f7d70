package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChinmayGopal931/Motivate-app/pkg/auth"
)

func TestMemoryIdempotencyStoreExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewMemoryIdempotencyStore(time.Minute)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	c, err := s.Reserve(ctx, "k", "fp")
	require.NoError(t, err)
	require.Nil(t, c)
	s.Complete(ctx, "k", &CachedResponse{StatusCode: http.StatusCreated, Body: []byte(`{"id":1}`)})

	c, err = s.Reserve(ctx, "k", "fp")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, http.StatusCreated, c.StatusCode)

	_, err = s.Reserve(ctx, "k", "other")
	assert.ErrorIs(t, err, ErrIdempotencyMismatch)

	now = now.Add(time.Minute)
	c, err = s.Reserve(ctx, "k", "other")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestMemoryIdempotencyStorePending(t *testing.T) {
	s := NewMemoryIdempotencyStore(time.Hour)
	ctx := context.Background()

	_, err := s.Reserve(ctx, "k", "fp")
	require.NoError(t, err)
	_, err = s.Reserve(ctx, "k", "fp")
	assert.ErrorIs(t, err, ErrIdempotencyInFlight)

	s.Release(ctx, "k")
	c, err := s.Reserve(ctx, "k", "fp")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestIdempotencySkipsFailures(t *testing.T) {
	calls := 0
	h := IdempotencyMiddleware(NewMemoryIdempotencyStore(time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteError(w, http.StatusConflict, "Conflict", "already settled")
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/promises/1/resolve", nil)
		req.Header.Set(IdempotencyKeyHeader, "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls)
}

func TestIdempotencyReplaysHeaders(t *testing.T) {
	calls := 0
	h := requestID(IdempotencyMiddleware(NewMemoryIdempotencyStore(time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Location", "/api/v1/promises/0")
		writeJSON(w, http.StatusCreated, CreatePromiseResponse{ID: 0})
	})))

	send := func(body, requestID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/promises", strings.NewReader(body))
		req.Header.Set(IdempotencyKeyHeader, "k")
		req.Header.Set("X-Request-ID", requestID)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send(`{"task":"a"}`, "req-1")
	require.Equal(t, http.StatusCreated, first.Code)

	second := send(`{"task":"a"}`, "req-2")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "/api/v1/promises/0", second.Header().Get("Location"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, "req-2", second.Header().Get("X-Request-ID"))
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	third := send(`{"task":"b"}`, "req-3")
	assert.Equal(t, http.StatusUnprocessableEntity, third.Code)
	assert.Equal(t, 1, calls)
}

func TestIdempotencyRejectsRepeatWhileRunning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	h := IdempotencyMiddleware(NewMemoryIdempotencyStore(time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		writeJSON(w, http.StatusCreated, CreatePromiseResponse{ID: 0})
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/promises", strings.NewReader(`{"task":"a"}`))
		req.Header.Set(IdempotencyKeyHeader, "k")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	firstCode := make(chan int, 1)
	go func() { firstCode <- send() }()
	<-entered

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusConflict, send())
	}
	close(release)
	assert.Equal(t, http.StatusCreated, <-firstCode)

	assert.Equal(t, http.StatusCreated, send())
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyConcurrentRetriesRunOnce(t *testing.T) {
	var calls atomic.Int32
	h := IdempotencyMiddleware(NewMemoryIdempotencyStore(time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, http.StatusCreated, CreatePromiseResponse{ID: 0})
	}))

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/promises", strings.NewReader(`{"task":"a"}`))
			req.Header.Set(IdempotencyKeyHeader, "k")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, code := range codes {
		assert.Contains(t, []int{http.StatusCreated, http.StatusConflict}, code)
	}
}

func TestPostgresIdempotencyStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresIdempotencyStore(ctx, db, time.Hour)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("k", "fp", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	c, err := s.Reserve(ctx, "k", "fp")
	require.NoError(t, err)
	assert.Nil(t, c)

	mock.ExpectExec("UPDATE idempotency_keys SET status_code").
		WithArgs("k", http.StatusCreated, []byte(`{"Location":["/api/v1/promises/3"]}`), []byte(`{"id":3}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.Complete(ctx, "k", &CachedResponse{
		StatusCode: http.StatusCreated,
		Headers:    http.Header{"Location": {"/api/v1/promises/3"}},
		Body:       []byte(`{"id":3}`),
	})

	rows := func(fp string, status int) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"fingerprint", "status_code", "headers", "body", "cached_at"}).
			AddRow(fp, status, []byte(`{"Location":["/api/v1/promises/3"]}`), []byte(`{"id":3}`), time.Now())
	}

	mock.ExpectExec("INSERT INTO idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint, status_code, headers, body, cached_at FROM idempotency_keys").
		WithArgs("k").WillReturnRows(rows("fp", http.StatusCreated))
	c, err = s.Reserve(ctx, "k", "fp")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, `{"id":3}`, string(c.Body))
	assert.Equal(t, "/api/v1/promises/3", c.Headers.Get("Location"))

	mock.ExpectExec("INSERT INTO idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint").WithArgs("k").WillReturnRows(rows("fp", http.StatusCreated))
	_, err = s.Reserve(ctx, "k", "different")
	assert.ErrorIs(t, err, ErrIdempotencyMismatch)

	mock.ExpectExec("INSERT INTO idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint").WithArgs("k").WillReturnRows(rows("fp", 0))
	_, err = s.Reserve(ctx, "k", "fp")
	assert.ErrorIs(t, err, ErrIdempotencyInFlight)

	mock.ExpectExec("DELETE FROM idempotency_keys").WithArgs("k").WillReturnResult(sqlmock.NewResult(0, 1))
	s.Release(ctx, "k")

	mock.ExpectExec("INSERT INTO idempotency_keys").WillReturnError(errors.New("connection reset"))
	_, err = s.Reserve(ctx, "k", "fp")
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeScripter struct {
	redis.Scripter
	allowed int64
	err     error
	keys    []string
}

func (f *fakeScripter) EvalSha(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	f.keys = keys
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	return redis.NewCmdResult([]interface{}{f.allowed, int64(0)}, nil)
}

func TestRedisCallerLimiter(t *testing.T) {
	fake := &fakeScripter{allowed: 1}
	l := NewRedisCallerLimiter(fake, 60, 5)

	ok, err := l.Allow(context.Background(), "0xA")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"motivate:limiter:0xA"}, fake.keys)

	fake.allowed = 0
	ok, err = l.Allow(context.Background(), "0xA")
	require.NoError(t, err)
	assert.False(t, ok)

	fake.err = errors.New("connection refused")
	_, err = l.Allow(context.Background(), "0xA")
	assert.Error(t, err)
}

func TestCallerRateLimitFailsOpen(t *testing.T) {
	fake := &fakeScripter{err: errors.New("connection refused")}
	h := CallerRateLimit(NewRedisCallerLimiter(fake, 60, 5), slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/locked", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Address: "0xA"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
