package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dropgate/dropgate/internal/downloadsession"
)

func newReceiveCmd() *cobra.Command {
	var (
		serverURL  string
		outputPath string
		key        string
	)

	cmd := &cobra.Command{
		Use:   "receive <url-or-file-id>",
		Short: "Download a file from a Dropgate server",
		Long: `Download a hosted file.

Accepts either a full share URL (https://host/fileId or
https://host/fileId#key) or a bare file ID combined with --server and
--key. A successful download consumes the share on the server — a second
attempt for the same ID returns a not-found error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd.Context(), args[0], serverURL, outputPath, key)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (required when the argument is a bare file ID)")
	cmd.Flags().StringVar(&outputPath, "output", "", "destination path (defaults to the server-declared filename in the current directory)")
	cmd.Flags().StringVar(&key, "key", "", "base64url envelope key (required for encrypted shares when not embedded in the URL fragment)")

	return cmd
}

func runReceive(ctx context.Context, arg, serverURL, outputPath, key string) error {
	logger := loggerFrom(ctx)

	url, fileID, fragmentKey, err := parseShareArg(arg, serverURL)
	if err != nil {
		return err
	}

	if fragmentKey != "" {
		key = fragmentKey
	}

	output := outputPath
	if output == "" {
		// A placeholder; replaced with the server-declared name once known
		// for the plain path, or the decrypted name for the encrypted path.
		output = fileID
	}

	var lastPhase downloadsession.Phase

	res, err := downloadsession.Download(ctx, downloadsession.Options{
		ServerURL:  url,
		FileID:     fileID,
		Key:        key,
		OutputPath: output,
		HTTPClient: &http.Client{},
		Logger:     logger,
		OnProgress: func(p downloadsession.Progress) {
			if p.Phase != lastPhase {
				fmt.Println(string(p.Phase))
				lastPhase = p.Phase
			}
		},
	})
	if err != nil {
		return err
	}

	// The receiver does not know the declared filename until after the
	// transfer (plain: from Content-Disposition; encrypted: from decrypted
	// metadata), so when the caller didn't pin --output, rename the
	// placeholder to the name the server/sender actually declared.
	if outputPath == "" && res.Filename != "" && res.Filename != output {
		if renameErr := renameToDeclaredName(output, res.Filename); renameErr == nil {
			output = res.Filename
		}
	}

	fmt.Printf("saved %s (%s) to %s\n", res.Filename, humanize.Bytes(uint64(res.BytesOut)), output)

	return nil
}

// parseShareArg splits a share URL into its server base, file ID, and
// fragment key, which browsers never transmit to the server. If arg has no
// scheme, it is treated as a bare file ID and serverURL must be supplied.
func parseShareArg(arg, serverURL string) (url, fileID, key string, err error) {
	withoutFragment := arg
	if idx := strings.IndexByte(arg, '#'); idx >= 0 {
		withoutFragment = arg[:idx]
		key = arg[idx+1:]
	}

	if !strings.Contains(withoutFragment, "://") {
		if serverURL == "" {
			return "", "", "", fmt.Errorf("receive: --server is required when passing a bare file ID")
		}

		return strings.TrimRight(serverURL, "/"), withoutFragment, key, nil
	}

	idx := strings.LastIndexByte(withoutFragment, '/')
	if idx < 0 {
		return "", "", "", fmt.Errorf("receive: %q is not a valid share URL", arg)
	}

	return withoutFragment[:idx], withoutFragment[idx+1:], key, nil
}

func renameToDeclaredName(from, to string) error {
	if filepath.Clean(from) == filepath.Clean(to) {
		return nil
	}

	return os.Rename(from, to)
}
