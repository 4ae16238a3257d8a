// Package uploadsession implements the client-side sender half of
// Dropgate's hosted chunked upload: probing server capabilities, optionally
// generating an E2EE key, and driving init/chunk/complete against
// the server API with exponential-backoff retry on transient failures
// (base 1s, factor 2x, 30s cap, 5 retries after the first attempt, via
// go-retry).
package uploadsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dropgate/dropgate/internal/dropgateerrors"
	"github.com/dropgate/dropgate/pkg/envelope"
)

// ClientVersion is compared against the server's advertised version during
// the server-compat phase: any major.minor mismatch fails fast rather than
// proceeding with an incompatible wire protocol.
const ClientVersion = "1.0.0"

// Retry policy for chunk POSTs: exponential backoff from 1s, capped at 30s.
const (
	maxRetries  = 5
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
)

// Per-request deadlines, applied to each attempt individually so a retry
// gets a fresh window.
const (
	defaultServerInfoTimeout = 5 * time.Second
	defaultInitTimeout       = 15 * time.Second
	defaultChunkTimeout      = 60 * time.Second
	defaultCompleteTimeout   = 30 * time.Second
)

// Timeouts bounds each request type individually. Zero fields take the
// documented defaults.
type Timeouts struct {
	ServerInfo time.Duration
	Init       time.Duration
	Chunk      time.Duration
	Complete   time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.ServerInfo <= 0 {
		t.ServerInfo = defaultServerInfoTimeout
	}

	if t.Init <= 0 {
		t.Init = defaultInitTimeout
	}

	if t.Chunk <= 0 {
		t.Chunk = defaultChunkTimeout
	}

	if t.Complete <= 0 {
		t.Complete = defaultCompleteTimeout
	}

	return t
}

// Phase reports upload progress to the caller.
type Phase string

const (
	PhaseServerInfo   Phase = "server-info"
	PhaseServerCompat Phase = "server-compat"
	PhaseCrypto       Phase = "crypto"
	PhaseInit         Phase = "init"
	PhaseChunk        Phase = "chunk"
	PhaseRetrying     Phase = "retrying"
	PhaseComplete     Phase = "complete"
	PhaseDone         Phase = "done"
)

// Progress is delivered to the caller's onProgress callback.
type Progress struct {
	Phase      Phase
	ChunkIndex int
	ChunkTotal int
	Attempt    int
}

// Options configures an upload.
type Options struct {
	ServerURL  string
	FilePath   string
	DeclaredAs string // filename to declare to the server; defaults to filepath.Base(FilePath)
	LifetimeMS int64
	Encrypt    bool
	ChunkSize  int
	MaxRetries int // retry attempts per request; 0 = the default of 5
	Timeouts   Timeouts
	HTTPClient *http.Client
	Logger     *slog.Logger
	OnProgress func(Progress)
}

// Result is returned on a successful upload.
type Result struct {
	FileID string
	URL    string
	Key    string // base64url-encoded envelope key, empty when Encrypt is false
}

type serverInfo struct {
	Version      string `json:"version"`
	Capabilities struct {
		Upload struct {
			Enabled          bool  `json:"enabled"`
			MaxSizeMB        int64 `json:"maxSizeMB"`
			MaxLifetimeHours int64 `json:"maxLifetimeHours"`
			E2EE             bool  `json:"e2ee"`
			ChunkSize        int64 `json:"chunkSize,omitempty"`
		} `json:"upload"`
	} `json:"capabilities"`
}

// defaultChunkSize is the fallback plaintext chunk size used when neither
// the server advertises one nor the caller configures ChunkSize.
const defaultChunkSize = 5 * 1024 * 1024

// resolveChunkSize applies chunk-size precedence: a server-advertised
// chunk size always wins, then the caller's configured size, then the
// documented 5 MiB default.
func resolveChunkSize(configured int, serverAdvertised int64) int {
	if serverAdvertised > 0 {
		return int(serverAdvertised)
	}

	if configured > 0 {
		return configured
	}

	return defaultChunkSize
}

// majorMinor returns the leading "major.minor" substring of a dotted
// version string, e.g. "1.0.0" -> "1.0".
func majorMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}

	return parts[0] + "." + parts[1]
}

// checkCompat fails fast with an IncompatibleServerError when the server's
// major.minor version doesn't match ClientVersion's.
func checkCompat(serverVersion string) error {
	if majorMinor(serverVersion) != majorMinor(ClientVersion) {
		return dropgateerrors.IncompatibleServer("client %s is incompatible with server %s", ClientVersion, serverVersion)
	}

	return nil
}

// Upload drives the full sender flow: server-info, compat check, optional
// key generation, init, chunk loop, complete.
func Upload(ctx context.Context, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	declaredName := opts.DeclaredAs
	if declaredName == "" {
		declaredName = filepathBase(opts.FilePath)
	}

	timeouts := opts.Timeouts.withDefaults()

	retries := opts.MaxRetries
	if retries <= 0 {
		retries = maxRetries
	}

	report(opts, Progress{Phase: PhaseServerInfo})

	info, err := fetchServerInfo(ctx, client, opts.ServerURL, timeouts.ServerInfo, retries)
	if err != nil {
		return Result{}, err
	}

	report(opts, Progress{Phase: PhaseServerCompat})

	if err := checkCompat(info.Version); err != nil {
		return Result{}, err
	}

	if opts.Encrypt && !info.Capabilities.Upload.E2EE {
		return Result{}, dropgateerrors.Validation("server does not support end-to-end encryption")
	}

	if !info.Capabilities.Upload.Enabled {
		return Result{}, dropgateerrors.Validation("server has hosted upload disabled")
	}

	maxLifetimeMS := info.Capabilities.Upload.MaxLifetimeHours * 3_600_000
	if info.Capabilities.Upload.MaxLifetimeHours > 0 && opts.LifetimeMS > maxLifetimeMS {
		return Result{}, dropgateerrors.Validation("requested lifetime exceeds the server's maximum of %d hours", info.Capabilities.Upload.MaxLifetimeHours)
	}

	f, err := os.Open(opts.FilePath)
	if err != nil {
		return Result{}, dropgateerrors.Validation("opening file: %v", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Result{}, dropgateerrors.Validation("stating file: %v", err)
	}

	if stat.Size() == 0 {
		return Result{}, dropgateerrors.Validation("cannot upload an empty file")
	}

	if info.Capabilities.Upload.MaxSizeMB > 0 && stat.Size() > info.Capabilities.Upload.MaxSizeMB*1_000_000 {
		return Result{}, dropgateerrors.Validation("file exceeds the server's configured size limit")
	}

	var key []byte
	uploadName := declaredName

	if opts.Encrypt {
		report(opts, Progress{Phase: PhaseCrypto})

		key, err = envelope.GenerateKey()
		if err != nil {
			return Result{}, dropgateerrors.Crypto("generating key: %v", err)
		}

		uploadName, err = envelope.EncryptFilename(declaredName, key)
		if err != nil {
			return Result{}, dropgateerrors.Crypto("encrypting filename: %v", err)
		}
	}

	report(opts, Progress{Phase: PhaseInit})

	uploadID, err := initSession(ctx, client, opts.ServerURL, uploadName, opts.LifetimeMS, opts.Encrypt, timeouts.Init, retries)
	if err != nil {
		return Result{}, err
	}

	chunkSize := resolveChunkSize(opts.ChunkSize, info.Capabilities.Upload.ChunkSize)

	if err := sendChunks(ctx, client, opts, f, stat.Size(), uploadID, chunkSize, key, timeouts.Chunk, retries, logger); err != nil {
		return Result{}, err
	}

	report(opts, Progress{Phase: PhaseComplete})

	// The chunk size actually used only matters to a later decrypting
	// download when the upload was encrypted, since it is the envelope
	// boundary. Report it unconditionally; the server ignores it for
	// plain uploads.
	fileID, err := completeSession(ctx, client, opts.ServerURL, uploadID, int64(chunkSize), timeouts.Complete, retries)
	if err != nil {
		return Result{}, err
	}

	report(opts, Progress{Phase: PhaseDone})

	result := Result{
		FileID: fileID,
		URL:    fmt.Sprintf("%s/%s", opts.ServerURL, fileID),
	}

	if opts.Encrypt {
		result.Key = envelope.EncodeKey(key)
	}

	return result, nil
}

func report(opts Options, p Progress) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}

func filepathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}

	return p
}

func fetchServerInfo(ctx context.Context, client *http.Client, serverURL string, timeout time.Duration, retries int) (serverInfo, error) {
	var info serverInfo

	err := withRetry(ctx, retries, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/info", nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(dropgateerrors.Network("fetching server info: %v", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			classified := dropgateerrors.FromHTTPStatus(resp.StatusCode, "")
			if dropgateerrors.IsRetryableStatus(resp.StatusCode) {
				return retry.RetryableError(classified)
			}

			return classified
		}

		return json.NewDecoder(resp.Body).Decode(&info)
	})

	return info, err
}

func initSession(ctx context.Context, client *http.Client, serverURL, name string, lifetimeMS int64, encrypted bool, timeout time.Duration, retries int) (string, error) {
	body, err := json.Marshal(map[string]any{
		"filename":    name,
		"lifetime":    lifetimeMS,
		"isEncrypted": encrypted,
	})
	if err != nil {
		return "", err
	}

	var uploadID string

	err = withRetry(ctx, retries, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/upload/init", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(dropgateerrors.Network("initiating upload: %v", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyResponse(resp)
		}

		var out struct {
			UploadID string `json:"uploadId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}

		uploadID = out.UploadID

		return nil
	})

	return uploadID, err
}

func sendChunks(ctx context.Context, client *http.Client, opts Options, f *os.File, size int64, uploadID string, chunkSize int, key []byte, timeout time.Duration, retries int, logger *slog.Logger) error {
	total := int((size + int64(chunkSize) - 1) / int64(chunkSize))
	buf := make([]byte, chunkSize)

	var offset int64

	for i := 0; offset < size; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return dropgateerrors.Validation("reading file: %v", err)
		}

		chunk := buf[:n]

		if key != nil {
			chunk, err = envelope.Encrypt(chunk, key)
			if err != nil {
				return dropgateerrors.Crypto("encrypting chunk: %v", err)
			}
		}

		report(opts, Progress{Phase: PhaseChunk, ChunkIndex: i, ChunkTotal: total})

		sendOffset := offset
		if key != nil {
			sendOffset = encryptedOffset(offset, int64(chunkSize), int64(n))
		}

		if err := sendChunk(ctx, client, opts, uploadID, sendOffset, chunk, timeout, retries, logger); err != nil {
			return err
		}

		offset += int64(n)
	}

	return nil
}

// encryptedOffset maps a plaintext byte offset to the corresponding offset
// in the server-side encrypted stream, where every chunk carries a fixed
// envelope.Overhead beyond its plaintext size.
func encryptedOffset(plainOffset, chunkSize, lastChunkLen int64) int64 {
	if chunkSize <= 0 {
		return plainOffset
	}

	fullChunks := plainOffset / chunkSize

	return fullChunks*(chunkSize+envelope.Overhead) + (plainOffset % chunkSize)
}

func sendChunk(ctx context.Context, client *http.Client, opts Options, uploadID string, offset int64, data []byte, timeout time.Duration, retries int, logger *slog.Logger) error {
	serverURL := opts.ServerURL
	attempt := 0

	return withRetry(ctx, retries, func(ctx context.Context) error {
		attempt++

		if attempt > 1 {
			report(opts, Progress{Phase: PhaseRetrying, Attempt: attempt})
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/upload/chunk", bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("X-Upload-Id", uploadID)
		req.Header.Set("X-File-Offset", strconv.FormatInt(offset, 10))

		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("chunk send failed, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return retry.RetryableError(dropgateerrors.Network("sending chunk: %v", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyResponse(resp)
		}

		return nil
	})
}

func completeSession(ctx context.Context, client *http.Client, serverURL, uploadID string, chunkSize int64, timeout time.Duration, retries int) (string, error) {
	body, err := json.Marshal(map[string]any{"uploadId": uploadID, "chunkSize": chunkSize})
	if err != nil {
		return "", err
	}

	var fileID string

	err = withRetry(ctx, retries, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/upload/complete", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(dropgateerrors.Network("completing upload: %v", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyResponse(resp)
		}

		var out struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}

		fileID = out.ID

		return nil
	})

	return fileID, err
}

func classifyResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	classified := dropgateerrors.FromHTTPStatus(resp.StatusCode, string(body))

	if dropgateerrors.IsRetryableStatus(resp.StatusCode) {
		return retry.RetryableError(classified)
	}

	return classified
}

// withRetry wraps retry.Do with Dropgate's policy: exponential backoff from
// a 1s base, capped at 30s, up to retries retries after the first attempt.
func withRetry(ctx context.Context, retries int, f retry.RetryFunc) error {
	b := retry.NewExponential(baseBackoff)
	b = retry.WithCappedDuration(maxBackoff, b)
	b = retry.WithMaxRetries(uint64(retries), b)

	return retry.Do(ctx, b, f)
}
