package serverapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/dropgate/dropgate/internal/fileindex"
)

// handleDownload implements GET /{fileId} for plain (non-E2EE) files. The
// file is streamed with a Content-Disposition header and deleted from the
// index and disk immediately after the response completes: the first
// download consumes the share, so a second request for the same id
// returns 404.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")

	rec, err := s.Index.Get(r.Context(), fileID)
	if errors.Is(err, fileindex.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	} else if err != nil {
		s.logger.Error("index get failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to look up file")

		return
	}

	if rec.IsEncrypted {
		writeError(w, http.StatusBadRequest, "file requires the encrypted download path")
		return
	}

	f, err := os.Open(rec.StoragePath)
	if err != nil {
		s.logger.Error("storage open failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to open file")

		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Name))
	w.Header().Set("Content-Type", "application/octet-stream")

	if _, err := writeFileResponse(w, f); err != nil {
		s.logger.Warn("download stream interrupted", slog.String("file_id", fileID), slog.String("error", err.Error()))
	}

	s.consumeFile(fileID, rec.StoragePath)
}

// handleEncryptedMeta implements GET /api/file/{fileId}/meta, returning the
// E2EE-encrypted filename blob so the receiver can decrypt it client-side.
// Key-bearing flows must not run over plaintext HTTP; TLS termination is
// assumed to happen upstream, so this only rejects requests explicitly
// marked insecure via X-Forwarded-Proto.
type encryptedMetaResponse struct {
	EncryptedName string `json:"encryptedName"`
	ChunkSize     int64  `json:"chunkSize"` // plaintext bytes per envelope, the receiver's chunk boundary
}

func (s *Server) handleEncryptedMeta(w http.ResponseWriter, r *http.Request) {
	if isInsecureRequest(r) {
		writeError(w, http.StatusBadRequest, "encrypted transfers require HTTPS")
		return
	}

	fileID := chi.URLParam(r, "fileId")

	rec, err := s.Index.Get(r.Context(), fileID)
	if errors.Is(err, fileindex.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up file")
		return
	}

	if !rec.IsEncrypted {
		writeError(w, http.StatusBadRequest, "file is not encrypted")
		return
	}

	chunkSize := rec.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultUploadChunkSize
	}

	writeJSON(w, http.StatusOK, encryptedMetaResponse{EncryptedName: rec.Name, ChunkSize: chunkSize})
}

// handleEncryptedData implements GET /api/file/{fileId}, streaming the raw
// encrypted chunk stream; decryption happens client-side via
// pkg/envelope.ChunkSplitter.
func (s *Server) handleEncryptedData(w http.ResponseWriter, r *http.Request) {
	if isInsecureRequest(r) {
		writeError(w, http.StatusBadRequest, "encrypted transfers require HTTPS")
		return
	}

	fileID := chi.URLParam(r, "fileId")

	rec, err := s.Index.Get(r.Context(), fileID)
	if errors.Is(err, fileindex.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up file")
		return
	}

	if !rec.IsEncrypted {
		writeError(w, http.StatusBadRequest, "file is not encrypted")
		return
	}

	f, err := os.Open(rec.StoragePath)
	if err != nil {
		s.logger.Error("storage open failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to open file")

		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")

	if _, err := writeFileResponse(w, f); err != nil {
		s.logger.Warn("encrypted download stream interrupted", slog.String("file_id", fileID), slog.String("error", err.Error()))
	}

	s.consumeFile(fileID, rec.StoragePath)
}

// consumeFile deletes the index record and the backing file after a
// successful (or partial) download, enforcing the single-download rule.
// The request context is already done by the time the response body has
// been written, so the cleanup runs on its own background context.
func (s *Server) consumeFile(fileID, storagePath string) {
	if err := s.Index.Delete(context.Background(), fileID); err != nil {
		s.logger.Error("index delete after download failed", slog.String("file_id", fileID), slog.String("error", err.Error()))
	}

	if err := os.Remove(storagePath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("storage delete after download failed", slog.String("file_id", fileID), slog.String("error", err.Error()))
	}
}

func isInsecureRequest(r *http.Request) bool {
	return r.Header.Get("X-Forwarded-Proto") == "http"
}

func writeFileResponse(w http.ResponseWriter, f *os.File) (int64, error) {
	return io.Copy(w, f)
}
