// internal/client/client_test.go
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	httpapi "inference-horde/internal/api/http"
	"inference-horde/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/status/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "OK"})
	})
	mux.HandleFunc("POST /api/v2/generate/async", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("apikey") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"rc": "InvalidAPIKey", "message": "no user"})
			return
		}
		var body httpapi.ImageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(httpapi.SubmitResponse{ID: "wp-1", Kudos: float64(len(body.Prompt))})
	})
	mux.HandleFunc("DELETE /api/v2/generate/text/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(httpapi.StatusResponse{Done: true})
	})
	mux.HandleFunc("GET /api/v2/workers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]httpapi.WorkerView{{Name: "box", Type: r.URL.Query().Get("type")}})
	})
	mux.HandleFunc("GET /api/v2/status/modes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	c := New(srv.URL, "secret", 5*time.Second)

	require.NoError(t, c.Heartbeat(ctx))

	res, err := c.Submit(ctx, domain.VariantImage, httpapi.ImageRequest{Prompt: "robots"})
	require.NoError(t, err)
	assert.Equal(t, "wp-1", res.ID)
	assert.Equal(t, 6.0, res.Kudos)

	st, err := c.Cancel(ctx, domain.VariantText, "wp-1")
	require.NoError(t, err)
	assert.True(t, st.Done)

	workers, err := c.ListWorkers(ctx, domain.VariantText)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "text", workers[0].Type)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)

	_, err := New(srv.URL, "wrong", 5*time.Second).Submit(ctx, domain.VariantImage, httpapi.ImageRequest{Prompt: "x"})
	apiErr, ok := domain.AsAPIError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "InvalidAPIKey", apiErr.RC)

	_, err = New(srv.URL, "", 5*time.Second).Modes(ctx)
	require.Error(t, err)
	_, ok = domain.AsAPIError(err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "502")
}
