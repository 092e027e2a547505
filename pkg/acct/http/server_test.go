package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/query"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
	"github.com/slurm-tools/slacctdb/pkg/acct/tree"
)

var noOpLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupServer(t *testing.T, maxRequests int) (*store.Store, *Server) {
	t.Helper()

	s, err := store.Open(&store.Config{
		Logger:   noOpLogger,
		DataPath: t.TempDir(),
		AppName:  "slacctdb_test",
	})
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	ctx := context.Background()

	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		_, err := store.AddCluster(ctx, txn, "c1", 8)

		return err
	})
	require.NoError(t, err)

	te := tree.New(s, noOpLogger)

	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		if _, err := te.AddAssociations(ctx, txn, "c1", []tree.AddRequest{{Acct: "physics"}}); err != nil {
			return err
		}

		_, err := te.AddAssociations(ctx, txn, "c1", []tree.AddRequest{{Acct: "physics", User: "alice"}})

		return err
	})
	require.NoError(t, err)

	_, err = s.DB().Exec(
		"INSERT INTO users (name,admin_level) VALUES ('root_admin',?),('reader',?)",
		models.AdminFull, models.AdminNone,
	)
	require.NoError(t, err)

	srv, err := New(&Config{
		Logger:      noOpLogger,
		Address:     "localhost:0",
		Store:       s,
		MaxRequests: maxRequests,
	})
	require.NoError(t, err)

	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return s, srv
}

func doRequest(t *testing.T, srv *Server, method, target, user string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	if user != "" {
		req.Header.Set(userHeader, user)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) Response[T] {
	t.Helper()

	var resp Response[T]

	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	return resp
}

func TestAPIRequiresUserHeader(t *testing.T) {
	_, srv := setupServer(t, 0)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/clusters", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	resp := decode[any](t, w)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, errorUnauthorized, resp.ErrorType)

	w = doRequest(t, srv, http.MethodGet, "/api/v1/clusters", "ghost")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAssociationsEndpoint(t *testing.T) {
	_, srv := setupServer(t, 0)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/associations", "reader")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[query.AssocRecord](t, w)
	assert.Equal(t, "success", resp.Status)
	// root, physics and alice under physics
	require.Len(t, resp.Data, 3)

	w = doRequest(t, srv, http.MethodGet, "/api/v1/associations?user=alice", "reader")
	require.Equal(t, http.StatusOK, w.Code)

	resp = decode[query.AssocRecord](t, w)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "alice", resp.Data[0].User)
	assert.Equal(t, "physics", resp.Data[0].Acct)
}

func TestAssociationsBadIDParam(t *testing.T) {
	_, srv := setupServer(t, 0)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/associations?id=abc", "reader")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode[any](t, w)
	assert.Equal(t, errorBadData, resp.ErrorType)
}

func TestUsageBadGranularity(t *testing.T) {
	_, srv := setupServer(t, 0)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/usage?granularity=week", "reader")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode[any](t, w)
	assert.Equal(t, errorBadData, resp.ErrorType)
}

func TestRollupRequiresAdmin(t *testing.T) {
	_, srv := setupServer(t, 0)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/rollup?cluster=c1&start=3600&end=7200", "reader")
	assert.Equal(t, http.StatusForbidden, w.Code)

	resp := decode[any](t, w)
	assert.Equal(t, errorForbidden, resp.ErrorType)

	w = doRequest(t, srv, http.MethodPost, "/api/v1/rollup?cluster=c1&start=3600&end=7200", "root_admin")
	require.Equal(t, http.StatusOK, w.Code)

	result := decode[rollupResult](t, w)
	assert.Equal(t, "success", result.Status)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "c1", result.Data[0].Cluster)
}

func TestRollupUnknownCluster(t *testing.T) {
	_, srv := setupServer(t, 0)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/rollup?cluster=ghost&start=3600&end=7200", "root_admin")
	assert.Equal(t, http.StatusNotFound, w.Code)

	resp := decode[any](t, w)
	assert.Equal(t, errorNotFound, resp.ErrorType)
}

func TestHealthAndLanding(t *testing.T) {
	_, srv := setupServer(t, 0)

	w := doRequest(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = doRequest(t, srv, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiting(t *testing.T) {
	_, srv := setupServer(t, 2)

	for i := 0; i < 2; i++ {
		w := doRequest(t, srv, http.MethodGet, "/api/v1/clusters", "reader")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doRequest(t, srv, http.MethodGet, "/api/v1/clusters", "reader")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
