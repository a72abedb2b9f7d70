package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChinmayGopal931/Motivate-app/pkg/api"
	"github.com/ChinmayGopal931/Motivate-app/pkg/escrow"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	return problem
}

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	problem := decodeProblem(t, w)
	assert.Equal(t, 400, problem.Status)
	assert.Equal(t, "Bad Request", problem.Title)
	assert.Equal(t, "field is missing", problem.Detail)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, decodeProblem(t, w).Detail, "10.0.0.1")
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/promises/3", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	problem := decodeProblem(t, w)
	assert.Equal(t, "/api/v1/promises/3", problem.Instance)
	assert.Equal(t, "req-123", problem.TraceID)
}

func TestWriteEscrowError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{&escrow.Rejection{Kind: escrow.KindAmountMismatch, Op: escrow.OpCreate, Err: escrow.ErrAmountMismatch}, http.StatusBadRequest, "AmountMismatch"},
		{&escrow.Rejection{Kind: escrow.KindInvalidAmount, Op: escrow.OpCreate, Err: escrow.ErrInvalidAmount}, http.StatusBadRequest, "InvalidAmount"},
		{&escrow.Rejection{Kind: escrow.KindNotFound, Op: escrow.OpGet, PromiseID: 4, Err: escrow.ErrNotFound}, http.StatusNotFound, "NotFound"},
		{&escrow.Rejection{Kind: escrow.KindUnauthorized, Op: escrow.OpResolve, Err: escrow.ErrUnauthorized}, http.StatusForbidden, "Unauthorized"},
		{&escrow.Rejection{Kind: escrow.KindAlreadySettled, Op: escrow.OpResolve, Err: escrow.ErrAlreadySettled}, http.StatusConflict, "AlreadySettled"},
		{&escrow.Rejection{Kind: escrow.KindTransferFailed, Op: escrow.OpResolve, Err: escrow.ErrTransferFailed}, http.StatusBadGateway, "TransferFailed"},
		{&escrow.Rejection{Kind: escrow.KindInvariantViolation, Op: escrow.OpResolve, Err: escrow.ErrInvariantViolation}, http.StatusInternalServerError, ""},
		{errors.New("plain"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d/%s", tc.status, tc.kind), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/promises", nil)
			w := httptest.NewRecorder()
			api.WriteEscrowError(w, req, tc.err)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.kind, decodeProblem(t, w).Kind)
		})
	}
}
