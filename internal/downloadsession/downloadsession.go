// Package downloadsession implements the client-side receiver half of
// Dropgate's hosted download: fetching plain files directly, or, for E2EE
// shares, fetching the encrypted filename metadata and chunk stream and
// decrypting both with the key carried in the share URL fragment.
package downloadsession

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/dropgate/dropgate/internal/dropgateerrors"
	"github.com/dropgate/dropgate/pkg/envelope"
)

// Phase reports download progress to the caller.
type Phase string

const (
	PhaseServerInfo Phase = "server-info"
	PhaseMetadata   Phase = "metadata"
	PhaseDownload   Phase = "downloading"
	PhaseDecrypt    Phase = "decrypting"
	PhaseComplete   Phase = "complete"
)

// Progress is delivered to the caller's onProgress callback.
type Progress struct {
	Phase           Phase
	BytesDownloaded int64
}

// Options configures a download.
type Options struct {
	ServerURL  string
	FileID     string
	Key        string // base64url envelope key; non-empty selects the encrypted path
	OutputPath string
	HTTPClient *http.Client
	Logger     *slog.Logger
	OnProgress func(Progress)
}

// Result is returned on a successful download.
type Result struct {
	Filename string
	BytesOut int64
}

// Download drives the full receiver flow. When opts.Key is set the
// encrypted metadata+data path is used and opts.OutputPath receives the
// decrypted plaintext; otherwise the plain file is streamed directly.
func Download(ctx context.Context, opts Options) (Result, error) {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	if opts.Key != "" {
		return downloadEncrypted(ctx, client, opts)
	}

	return downloadPlain(ctx, client, opts)
}

func report(opts Options, p Progress) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}

func downloadPlain(ctx context.Context, client *http.Client, opts Options) (Result, error) {
	report(opts, Progress{Phase: PhaseDownload})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.ServerURL+"/"+opts.FileID, nil)
	if err != nil {
		return Result{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, dropgateerrors.Network("fetching file: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, dropgateerrors.FromHTTPStatus(resp.StatusCode, "")
	}

	filename := filenameFromDisposition(resp.Header.Get("Content-Disposition"))

	n, err := writeToOutput(opts.OutputPath, resp.Body)
	if err != nil {
		return Result{}, err
	}

	report(opts, Progress{Phase: PhaseComplete, BytesDownloaded: n})

	return Result{Filename: filename, BytesOut: n}, nil
}

func downloadEncrypted(ctx context.Context, client *http.Client, opts Options) (Result, error) {
	if isInsecureServerURL(opts.ServerURL) {
		return Result{}, dropgateerrors.Validation("encrypted transfers require an https:// server URL")
	}

	key, err := envelope.DecodeKey(opts.Key)
	if err != nil {
		return Result{}, dropgateerrors.Crypto("decoding key: %v", err)
	}

	report(opts, Progress{Phase: PhaseMetadata})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.ServerURL+"/api/file/"+opts.FileID+"/meta", nil)
	if err != nil {
		return Result{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, dropgateerrors.Network("fetching metadata: %v", err)
	}

	var meta struct {
		EncryptedName string `json:"encryptedName"`
		ChunkSize     int64  `json:"chunkSize"`
	}
	if decErr := decodeJSON(resp, &meta); decErr != nil {
		return Result{}, decErr
	}

	// The envelope boundary is whatever the sender actually used; fall
	// back to the documented default for an older server that didn't
	// report one.
	chunkSize := meta.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	filename, err := envelope.DecryptFilename(meta.EncryptedName, key)
	if err != nil {
		return Result{}, dropgateerrors.Crypto("decrypting filename: %v", err)
	}

	report(opts, Progress{Phase: PhaseDownload})

	dataReq, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.ServerURL+"/api/file/"+opts.FileID, nil)
	if err != nil {
		return Result{}, err
	}

	dataResp, err := client.Do(dataReq)
	if err != nil {
		return Result{}, dropgateerrors.Network("fetching encrypted data: %v", err)
	}
	defer dataResp.Body.Close()

	if dataResp.StatusCode != http.StatusOK {
		return Result{}, dropgateerrors.FromHTTPStatus(dataResp.StatusCode, "")
	}

	report(opts, Progress{Phase: PhaseDecrypt})

	n, err := decryptToOutput(opts.OutputPath, dataResp.Body, key, chunkSize)
	if err != nil {
		// A fatal crypto error during decrypt leaves no partial plaintext
		// file on disk.
		os.Remove(opts.OutputPath)
		return Result{}, err
	}

	report(opts, Progress{Phase: PhaseComplete, BytesDownloaded: n})

	return Result{Filename: filename, BytesOut: n}, nil
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return dropgateerrors.FromHTTPStatus(resp.StatusCode, "")
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

func writeToOutput(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, dropgateerrors.Validation("creating output file: %v", err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(path)
		return n, dropgateerrors.Network("writing output: %v", err)
	}

	return n, nil
}

// defaultChunkSize is the fallback plaintext envelope size used when the
// server doesn't report the chunk size the sender used.
const defaultChunkSize = 5 * 1024 * 1024

// decryptToOutput streams the encrypted chunk stream from r through
// envelope.ChunkSplitter, decrypting each envelope before writing plaintext
// to path. plainChunkSize must match the sender's chunk size exactly —
// chunks are encrypted independently, so the boundary can't be inferred
// from the stream itself.
func decryptToOutput(path string, r io.Reader, key []byte, plainChunkSize int64) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, dropgateerrors.Validation("creating output file: %v", err)
	}
	defer f.Close()

	envelopeSize := plainChunkSize + envelope.Overhead
	splitter := envelope.NewChunkSplitter(int(plainChunkSize))

	buf := make([]byte, 0, envelopeSize*2)
	read := make([]byte, envelopeSize)

	var written int64
	var eof bool

	for {
		if !eof {
			n, readErr := r.Read(read)
			if n > 0 {
				buf = append(buf, read[:n]...)
			}

			switch {
			case readErr == io.EOF:
				eof = true
			case readErr != nil:
				return written, dropgateerrors.Network("reading encrypted stream: %v", readErr)
			}
		}

		// Only decode a chunk once we hold a full envelope, or once the
		// stream is exhausted and the remainder is the final short chunk.
		for int64(len(buf)) >= envelopeSize || (eof && len(buf) > 0) {
			envBuf, consumed, err := splitter.Next(buf)
			if err != nil {
				return written, err
			}

			plain, err := envelope.Decrypt(envBuf, key)
			if err != nil {
				return written, err
			}

			if _, err := f.Write(plain); err != nil {
				return written, dropgateerrors.Network("writing decrypted output: %v", err)
			}

			written += int64(len(plain))
			buf = buf[consumed:]
		}

		if eof && len(buf) == 0 {
			break
		}
	}

	return written, nil
}

func filenameFromDisposition(header string) string {
	const prefix = `attachment; filename="`
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		rest := header[len(prefix):]
		if idx := indexByte(rest, '"'); idx >= 0 {
			return rest[:idx]
		}
	}

	return ""
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}

	return -1
}

// isInsecureServerURL reports whether the key-bearing encrypted flow would
// run over plaintext HTTP to a non-loopback host. Loopback is exempt so
// local development and tests work without TLS.
func isInsecureServerURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme != "http" {
		return false
	}

	host := parsed.Hostname()

	return host != "localhost" && host != "127.0.0.1" && host != "::1"
}
