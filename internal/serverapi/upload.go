package serverapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dropgate/dropgate/internal/fileindex"
)

type initRequest struct {
	Filename    string `json:"filename"`
	Lifetime    int64  `json:"lifetime"` // ms, 0 = server default/unlimited
	IsEncrypted bool   `json:"isEncrypted"`
}

type initResponse struct {
	UploadID string `json:"uploadId"`
}

type completeRequest struct {
	UploadID  string `json:"uploadId"`
	ChunkSize int64  `json:"chunkSize,omitempty"` // plaintext bytes per envelope the client used; ignored for plain uploads
}

// defaultUploadChunkSize mirrors uploadsession's documented fallback, for
// encrypted uploads that predate ChunkSize being reported or a misbehaving
// client that omitted it.
const defaultUploadChunkSize = 5 * 1024 * 1024

type completeResponse struct {
	ID string `json:"id"`
}

// maxFilenameBytes caps plain (non-encrypted) declared filenames.
const maxFilenameBytes = 255

// validateFilename requires a non-empty name; when not encrypted, at
// most 255 bytes and free of path separators.
func validateFilename(name string, encrypted bool) error {
	if name == "" {
		return errors.New("filename must not be empty")
	}

	if encrypted {
		return nil // name is an opaque base64 ciphertext blob
	}

	if len(name) > maxFilenameBytes {
		return errors.New("filename exceeds 255 bytes")
	}

	if strings.ContainsAny(name, "/\\") {
		return errors.New("filename must not contain path separators")
	}

	return nil
}

// handleUploadInit implements POST /upload/init.
func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validateFilename(req.Filename, req.IsEncrypted); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Lifetime < 0 {
		writeError(w, http.StatusBadRequest, "lifetime must be non-negative")
		return
	}

	if req.IsEncrypted && !s.Config.EnableE2EE {
		writeError(w, http.StatusBadRequest, "encryption is not enabled on this server")
		return
	}

	uploadID := uuid.NewString()
	tempPath := s.tempPath(uploadID)

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		s.logger.Error("failed creating tempfile", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create upload session")

		return
	}
	f.Close()

	sess := s.sessions.createWithID(uploadID, req.Filename, req.Lifetime, req.IsEncrypted, tempPath)

	s.logger.Info("upload session created",
		slog.String("upload_id", sess.UploadID),
		slog.Bool("encrypted", req.IsEncrypted),
	)

	writeJSON(w, http.StatusOK, initResponse{UploadID: sess.UploadID})
}

// handleUploadChunk implements POST /upload/chunk. The offset is the byte
// offset into the assembled file; re-sending the same bytes at the same
// offset is idempotent.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := r.Header.Get("X-Upload-Id")

	sess, ok := s.sessions.get(uploadID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid upload id")
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("X-File-Offset"), 10, 64)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid X-File-Offset")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error("chunk read failed", slog.String("upload_id", uploadID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read chunk body")

		return
	}

	f, err := os.OpenFile(sess.TempPath, os.O_WRONLY, 0o600)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open upload session file")
		return
	}
	defer f.Close()

	if _, err := f.WriteAt(body, offset); err != nil {
		s.logger.Error("chunk write failed", slog.String("upload_id", uploadID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to write chunk")

		return
	}

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stat upload session file")
		return
	}

	if s.Config.MaxFileSizeMB > 0 && info.Size() > s.Config.MaxFileSizeMB*1_000_000 {
		f.Close()
		os.Remove(sess.TempPath)
		s.sessions.delete(uploadID)
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the configured size limit")

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUploadComplete implements POST /upload/complete.
func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, ok := s.sessions.get(req.UploadID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid upload id")
		return
	}

	info, err := os.Stat(sess.TempPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload session file missing")
		return
	}

	if info.Size() == 0 {
		writeError(w, http.StatusBadRequest, "empty files are not accepted")
		return
	}

	fileID := uuid.NewString()
	storagePath := s.storagePath(fileID)

	if err := os.Rename(sess.TempPath, storagePath); err != nil {
		s.logger.Error("rename to final storage failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to finalize upload")

		return
	}

	rec := fileindex.FileRecord{
		FileID:      fileID,
		Name:        sess.DeclaredName,
		StoragePath: storagePath,
		IsEncrypted: sess.DeclaredEncrypted,
	}

	if sess.DeclaredEncrypted {
		// A server-advertised chunk size is authoritative; otherwise trust
		// what the client reports it used, falling back to the documented
		// default for a client that omitted it.
		switch {
		case s.Config.UploadChunkSizeBytes > 0:
			rec.ChunkSize = s.Config.UploadChunkSizeBytes
		case req.ChunkSize > 0:
			rec.ChunkSize = req.ChunkSize
		default:
			rec.ChunkSize = defaultUploadChunkSize
		}
	}

	if sess.DeclaredLifetimeMS > 0 {
		expires := time.Now().Add(time.Duration(sess.DeclaredLifetimeMS) * time.Millisecond)
		rec.ExpiresAt = &expires
	}

	if err := s.Index.Put(r.Context(), rec); err != nil {
		s.logger.Error("index put failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to register file")

		return
	}

	s.sessions.delete(req.UploadID)

	s.logger.Info("upload completed", slog.String("file_id", fileID), slog.Int64("size", info.Size()))

	writeJSON(w, http.StatusOK, completeResponse{ID: fileID})
}
