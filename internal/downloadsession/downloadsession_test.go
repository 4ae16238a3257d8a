package downloadsession

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropgate/dropgate/pkg/envelope"
)

func TestDownload_Plain(t *testing.T) {
	content := []byte("plain file contents")

	mux := http.NewServeMux()
	mux.HandleFunc("/abc123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="hello.txt"`)
		_, _ = w.Write(content)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	out := filepath.Join(t.TempDir(), "out.bin")

	result, err := Download(t.Context(), Options{
		ServerURL:  srv.URL,
		FileID:     "abc123",
		OutputPath: out,
	})

	require.NoError(t, err)
	assert.Equal(t, "hello.txt", result.Filename)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownload_PlainMissingFileReturnsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, err := Download(t.Context(), Options{
		ServerURL:  srv.URL,
		FileID:     "missing",
		OutputPath: filepath.Join(t.TempDir(), "out.bin"),
	})

	assert.Error(t, err)
}

func TestDownload_Encrypted(t *testing.T) {
	key, err := envelope.GenerateKey()
	require.NoError(t, err)

	plainName := "secret-report.pdf"
	encName, err := envelope.EncryptFilename(plainName, key)
	require.NoError(t, err)

	plainData := make([]byte, 12*1024*1024+777) // spans multiple chunks
	for i := range plainData {
		plainData[i] = byte(i % 251)
	}

	const chunkSize = 5 * 1024 * 1024

	var encrypted []byte
	for off := 0; off < len(plainData); off += chunkSize {
		end := min(off+chunkSize, len(plainData))

		blob, err := envelope.Encrypt(plainData[off:end], key)
		require.NoError(t, err)

		encrypted = append(encrypted, blob...)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/file/enc1/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"encryptedName":"` + encName + `"}`))
	})
	mux.HandleFunc("/api/file/enc1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(encrypted)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	out := filepath.Join(t.TempDir(), "out.bin")

	result, err := Download(t.Context(), Options{
		ServerURL:  srv.URL,
		FileID:     "enc1",
		Key:        envelope.EncodeKey(key),
		OutputPath: out,
	})

	require.NoError(t, err)
	assert.Equal(t, plainName, result.Filename)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, plainData, got)
}

// TestDownload_EncryptedHonorsServerAdvertisedChunkSize exercises a sender
// that used a non-default chunk size; the receiver must learn that size
// from the metadata response rather than assuming the 5 MiB default, or
// every chunk after the first would fail to decrypt.
func TestDownload_EncryptedHonorsServerAdvertisedChunkSize(t *testing.T) {
	key, err := envelope.GenerateKey()
	require.NoError(t, err)

	plainName := "odd-chunked.bin"
	encName, err := envelope.EncryptFilename(plainName, key)
	require.NoError(t, err)

	const chunkSize = 64 * 1024

	plainData := make([]byte, chunkSize*3+123)
	for i := range plainData {
		plainData[i] = byte(i % 251)
	}

	var encrypted []byte
	for off := 0; off < len(plainData); off += chunkSize {
		end := min(off+chunkSize, len(plainData))

		blob, err := envelope.Encrypt(plainData[off:end], key)
		require.NoError(t, err)

		encrypted = append(encrypted, blob...)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/file/enc3/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"encryptedName":"` + encName + `","chunkSize":` + fmt.Sprint(chunkSize) + `}`))
	})
	mux.HandleFunc("/api/file/enc3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(encrypted)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	out := filepath.Join(t.TempDir(), "out.bin")

	result, err := Download(t.Context(), Options{
		ServerURL:  srv.URL,
		FileID:     "enc3",
		Key:        envelope.EncodeKey(key),
		OutputPath: out,
	})

	require.NoError(t, err)
	assert.Equal(t, plainName, result.Filename)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, plainData, got)
}

func TestDownload_EncryptedRejectsInsecureURL(t *testing.T) {
	_, err := Download(t.Context(), Options{
		ServerURL:  "http://example.com",
		FileID:     "x",
		Key:        "somekey",
		OutputPath: filepath.Join(t.TempDir(), "out.bin"),
	})

	assert.Error(t, err)
}

func TestDownload_EncryptedWrongKeyFailsWithoutPartialFile(t *testing.T) {
	key, err := envelope.GenerateKey()
	require.NoError(t, err)

	wrongKey, err := envelope.GenerateKey()
	require.NoError(t, err)

	encName, err := envelope.EncryptFilename("file.bin", key)
	require.NoError(t, err)

	blob, err := envelope.Encrypt([]byte("contents"), key)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/file/enc2/meta", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"encryptedName":"` + encName + `"}`))
	})
	mux.HandleFunc("/api/file/enc2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(blob)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	out := filepath.Join(t.TempDir(), "out.bin")

	_, err = Download(t.Context(), Options{
		ServerURL:  srv.URL,
		FileID:     "enc2",
		Key:        envelope.EncodeKey(wrongKey),
		OutputPath: out,
	})

	assert.Error(t, err)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}
