package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/unicode/norm"

	"github.com/ChinmayGopal931/Motivate-app/pkg/auth"
	"github.com/ChinmayGopal931/Motivate-app/pkg/escrow"
	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/ChinmayGopal931/Motivate-app/pkg/observability"
)

const maxBodyBytes = 64 << 10

// Server exposes an escrow engine over HTTP.
type Server struct {
	engine       *escrow.Engine
	validator    *auth.Validator
	obs          *observability.Provider
	logger       *slog.Logger
	ipLimiter    *IPRateLimiter
	callerLimit  CallerLimiter
	idempotency  IdempotencyStore
	createSchema *jsonschema.Schema
	audit        func() (escrow.AuditReport, error)
}

// Option configures a Server.
type Option func(*Server)

// WithObservability records RED metrics and escrow counters on p.
func WithObservability(p *observability.Provider) Option {
	return func(s *Server) { s.obs = p }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithIPRateLimit enables per-IP limiting.
func WithIPRateLimit(l *IPRateLimiter) Option {
	return func(s *Server) { s.ipLimiter = l }
}

// WithCallerLimiter enables per-caller limiting.
func WithCallerLimiter(l CallerLimiter) Option {
	return func(s *Server) { s.callerLimit = l }
}

// WithIdempotencyStore replaces the in-memory idempotency store.
func WithIdempotencyStore(st IdempotencyStore) Option {
	return func(s *Server) { s.idempotency = st }
}

// NewServer creates a server. A nil validator rejects every authenticated
// route.
func NewServer(e *escrow.Engine, v *auth.Validator, opts ...Option) (*Server, error) {
	s := &Server{
		engine:    e,
		validator: v,
		logger:    slog.Default(),
		audit:     e.Audit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.obs == nil {
		p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		s.obs = p
	}
	if s.idempotency == nil {
		s.idempotency = NewMemoryIdempotencyStore(defaultIdempotencyTTL)
	}
	schema, err := compileSchema("create_promise.json", createPromiseSchema)
	if err != nil {
		return nil, err
	}
	s.createSchema = schema
	return s, nil
}

// Handler returns the routed handler with its middleware chain:
// request id, per-IP limit, authentication, per-caller limit, idempotency.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/promises", s.handleCreate)
	mux.HandleFunc("POST /api/v1/promises/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/v1/promises/{id}", s.handleGet)
	mux.HandleFunc("GET /api/v1/me/locked", s.handleLocked)
	mux.HandleFunc("GET /api/v1/me/created", s.handleCreated)
	mux.HandleFunc("GET /api/v1/me/to-verify", s.handleToVerify)
	mux.HandleFunc("GET /api/v1/audit", s.handleAudit)

	var h http.Handler = mux
	h = IdempotencyMiddleware(s.idempotency)(h)
	if s.callerLimit != nil {
		h = CallerRateLimit(s.callerLimit, s.logger)(h)
	}
	h = auth.NewMiddleware(s.validator, WriteUnauthorized)(h)
	if s.ipLimiter != nil {
		h = s.ipLimiter.Middleware(h)
	}
	return requestID(h)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return auth.Principal{}, false
	}
	return p, true
}

func pathID(w http.ResponseWriter, r *http.Request) (ledger.ID, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", fmt.Sprintf("invalid promise id %q", r.PathValue("id")))
		return 0, false
	}
	return ledger.ID(id), true
}

// CreatePromiseRequest is the body of POST /api/v1/promises.
type CreatePromiseRequest struct {
	Task          string         `json:"task"`
	Amount        int64          `json:"amount"`
	Verifier      ledger.Address `json:"verifier"`
	Deadline      int64          `json:"deadline"`
	AttachedValue int64          `json:"attached_value"`
}

// CreatePromiseResponse carries the new promise id.
type CreatePromiseResponse struct {
	ID ledger.ID `json:"id"`
}

// ResolvePromiseResponse reports a committed settlement.
type ResolvePromiseResponse struct {
	Success bool `json:"success"`
	*escrow.Settlement
}

// LockedResponse reports a party's locked stake.
type LockedResponse struct {
	Address     ledger.Address `json:"address"`
	LockedFunds int64          `json:"locked_funds"`
}

// IDsResponse lists promise ids.
type IDsResponse struct {
	IDs []ledger.ID `json:"ids"`
}

// HealthResponse reports liveness and ledger position.
type HealthResponse struct {
	Status   string `json:"status"`
	Promises int    `json:"promises"`
	Head     string `json:"head"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Promises: s.engine.Length(),
		Head:     s.engine.Head(),
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.caller(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	var req CreatePromiseRequest
	if err := decodeValidated(s.createSchema, raw, &req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	ctx, done := s.obs.TrackOperation(r.Context(), "escrow.create",
		attribute.String("creator", string(p.Address)))
	id, err := s.engine.CreatePromise(ctx, escrow.CreateRequest{
		Task:          norm.NFC.String(req.Task),
		Amount:        req.Amount,
		Verifier:      req.Verifier,
		Deadline:      req.Deadline,
		AttachedValue: req.AttachedValue,
		Creator:       p.Address,
	})
	done(err)
	if err != nil {
		WriteEscrowError(w, r, err)
		return
	}
	s.obs.RecordCreated(ctx, req.Amount)

	w.Header().Set("Location", fmt.Sprintf("/api/v1/promises/%d", id))
	writeJSON(w, http.StatusCreated, CreatePromiseResponse{ID: id})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	p, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, done := s.obs.TrackOperation(r.Context(), "escrow.resolve",
		attribute.String("caller", string(p.Address)))
	settlement, err := s.engine.ResolvePromise(ctx, id, p.Address)
	done(err)
	if err != nil {
		WriteEscrowError(w, r, err)
		return
	}

	s.obs.RecordSettled(ctx, settlement.Amount, settledRole(settlement))

	writeJSON(w, http.StatusOK, ResolvePromiseResponse{Success: true, Settlement: settlement})
}

// settledRole labels who received the stake.
func settledRole(s *escrow.Settlement) string {
	if s.OwnerClaim {
		return "owner"
	}
	return "creator"
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	promise, err := s.engine.Promise(id)
	if err != nil {
		WriteEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promise)
}

func (s *Server) handleLocked(w http.ResponseWriter, r *http.Request) {
	p, ok := s.caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, LockedResponse{Address: p.Address, LockedFunds: s.engine.LockedFunds(p.Address)})
}

func ids(list []ledger.ID) IDsResponse {
	if list == nil {
		list = []ledger.ID{}
	}
	return IDsResponse{IDs: list}
}

func (s *Server) handleCreated(w http.ResponseWriter, r *http.Request) {
	p, ok := s.caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ids(s.engine.CreatedPromiseIDs(p.Address)))
}

func (s *Server) handleToVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := s.caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ids(s.engine.PromisesToVerify(p.Address)))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.caller(w, r)
	if !ok {
		return
	}
	if p.Address != s.engine.Owner() {
		WriteForbidden(w, "audit is restricted to the owner")
		return
	}

	report, err := s.audit()
	if err != nil {
		s.logger.ErrorContext(r.Context(), "audit failed", "error", err)
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
