package uploadsession

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropgate/dropgate/pkg/envelope"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "upload-test.bin")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	return path
}

func newFakeServer(t *testing.T, e2ee bool, maxSizeMB int64) (*httptest.Server, *[]byte) {
	t.Helper()

	received := make([]byte, 0)
	var uploadID = "session-1"

	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version": ClientVersion,
			"capabilities": map[string]any{
				"upload": map[string]any{"enabled": true, "maxSizeMB": maxSizeMB, "e2ee": e2ee},
			},
		})
	})
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"uploadId": uploadID})
	})
	mux.HandleFunc("/upload/chunk", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = append(received, body...)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/upload/complete", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "final-file-id"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, &received
}

func TestUpload_PlainSmallFile(t *testing.T) {
	content := []byte("dropgate test payload")
	path := writeTempFile(t, content)

	srv, received := newFakeServer(t, false, 0)

	result, err := Upload(t.Context(), Options{
		ServerURL: srv.URL,
		FilePath:  path,
		ChunkSize: 1024,
	})

	require.NoError(t, err)
	assert.Equal(t, "final-file-id", result.FileID)
	assert.Empty(t, result.Key)
	assert.Equal(t, content, *received)
}

func TestUpload_EncryptedFileProducesKeyAndEncryptedBytes(t *testing.T) {
	content := []byte("super secret dropgate payload")
	path := writeTempFile(t, content)

	srv, received := newFakeServer(t, true, 0)

	result, err := Upload(t.Context(), Options{
		ServerURL: srv.URL,
		FilePath:  path,
		Encrypt:   true,
		ChunkSize: 1024,
	})

	require.NoError(t, err)
	assert.NotEmpty(t, result.Key)
	assert.NotEqual(t, content, *received)

	key, err := envelope.DecodeKey(result.Key)
	require.NoError(t, err)

	plain, err := envelope.Decrypt(*received, key)
	require.NoError(t, err)
	assert.Equal(t, content, plain)
}

func TestUpload_RejectsIncompatibleServerVersion(t *testing.T) {
	path := writeTempFile(t, []byte("data"))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version": "2.0.0",
			"capabilities": map[string]any{
				"upload": map[string]any{"enabled": true},
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, err := Upload(t.Context(), Options{ServerURL: srv.URL, FilePath: path})
	assert.ErrorContains(t, err, "incompatible")
}

func TestUpload_RejectsEncryptionWhenServerLacksSupport(t *testing.T) {
	path := writeTempFile(t, []byte("data"))
	srv, _ := newFakeServer(t, false, 0)

	_, err := Upload(t.Context(), Options{
		ServerURL: srv.URL,
		FilePath:  path,
		Encrypt:   true,
	})

	assert.Error(t, err)
}

func TestUpload_RejectsEmptyFile(t *testing.T) {
	path := writeTempFile(t, nil)
	srv, _ := newFakeServer(t, false, 0)

	_, err := Upload(t.Context(), Options{ServerURL: srv.URL, FilePath: path})
	assert.Error(t, err)
}

func TestUpload_RejectsOverSizeLimit(t *testing.T) {
	path := writeTempFile(t, make([]byte, 2_000_000))
	srv, _ := newFakeServer(t, false, 1)

	_, err := Upload(t.Context(), Options{ServerURL: srv.URL, FilePath: path})
	assert.Error(t, err)
}

func TestUpload_ReportsProgressPhases(t *testing.T) {
	path := writeTempFile(t, []byte("progress test"))
	srv, _ := newFakeServer(t, false, 0)

	var phases []Phase
	_, err := Upload(t.Context(), Options{
		ServerURL:  srv.URL,
		FilePath:   path,
		ChunkSize:  1024,
		OnProgress: func(p Progress) { phases = append(phases, p.Phase) },
	})

	require.NoError(t, err)
	assert.Contains(t, phases, PhaseServerInfo)
	assert.Contains(t, phases, PhaseServerCompat)
	assert.Contains(t, phases, PhaseInit)
	assert.Contains(t, phases, PhaseChunk)
	assert.Contains(t, phases, PhaseComplete)
	assert.Contains(t, phases, PhaseDone)
}
