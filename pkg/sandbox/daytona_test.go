package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProviderServer(t *testing.T, handler http.HandlerFunc) *DaytonaClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewDaytonaClient(Config{ServerURL: srv.URL, APIKey: "test-key"})
}

func TestDaytonaCreate(t *testing.T) {
	client := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sandbox", r.URL.Path)

		var req CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "strand-web", req.Snapshot)
		assert.Equal(t, 120, req.AutoStopMinutes)

		_ = json.NewEncoder(w).Encode(Instance{ID: "sbx-1", State: StateCreating, Snapshot: req.Snapshot})
	})

	inst, err := client.Create(context.Background(), CreateRequest{Snapshot: "strand-web", AutoStopMinutes: 120})
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", inst.ID)
	assert.Equal(t, StateCreating, inst.State)
}

func TestDaytonaGetNotFound(t *testing.T) {
	client := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such sandbox", http.StatusNotFound)
	})

	_, err := client.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDaytonaLifecycleEndpoints(t *testing.T) {
	var paths []string
	client := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	require.NoError(t, client.Start(ctx, "sbx-1"))
	require.NoError(t, client.Stop(ctx, "sbx-1"))
	require.NoError(t, client.Delete(ctx, "sbx-1"))

	assert.Equal(t, []string{
		"POST /sandbox/sbx-1/start",
		"POST /sandbox/sbx-1/stop",
		"DELETE /sandbox/sbx-1",
	}, paths)
}

func TestDaytonaExec(t *testing.T) {
	client := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/toolbox/sbx-1/process/execute", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "ls -la", payload["command"])
		assert.Equal(t, "/workspace", payload["cwd"])

		_ = json.NewEncoder(w).Encode(ExecResult{ExitCode: 0, Output: "total 0"})
	})

	result, err := client.Exec(context.Background(), "sbx-1", "ls -la", "/workspace")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "total 0", result.Output)
}

func TestDaytonaFileRoundTrip(t *testing.T) {
	stored := map[string][]byte{}
	client := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			stored[path] = body
		case http.MethodGet:
			_, _ = w.Write(stored[path])
		case http.MethodDelete:
			delete(stored, path)
		}
	})
	ctx := context.Background()

	require.NoError(t, client.UploadFile(ctx, "sbx-1", "/workspace/src/App.tsx", []byte("export default App")))

	data, err := client.DownloadFile(ctx, "sbx-1", "/workspace/src/App.tsx")
	require.NoError(t, err)
	assert.Equal(t, "export default App", string(data))

	require.NoError(t, client.DeleteFile(ctx, "sbx-1", "/workspace/src/App.tsx"))
	assert.Empty(t, stored)
}

func TestDaytonaPreviewURL(t *testing.T) {
	client := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sandbox/sbx-1/ports/3000/preview", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://3000-sbx-1.preview.example.dev"})
	})

	url, err := client.PreviewURL(context.Background(), "sbx-1", 3000)
	require.NoError(t, err)
	assert.Equal(t, "https://3000-sbx-1.preview.example.dev", url)
}

func TestDaytonaServerError(t *testing.T) {
	client := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := client.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
