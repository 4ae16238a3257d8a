package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/dropgate/dropgate/internal/config"
	"github.com/dropgate/dropgate/internal/uploadsession"
)

func newSendCmd() *cobra.Command {
	var (
		serverURL  string
		configPath string
		lifetime   time.Duration
		encrypt    bool
		asName     string
	)

	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Upload a file to a Dropgate server for hosted sharing",
		Long: `Chunk and upload a file to a Dropgate server.

On success, prints the share URL. With --encrypt, the AES-256 key travels
only in the URL fragment (after '#') and never reaches the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), args[0], serverURL, configPath, lifetime, encrypt, asName)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (overrides config)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a client TOML config file")
	cmd.Flags().DurationVar(&lifetime, "lifetime", 0, "how long the server should retain the file, e.g. 1h (0 = server default)")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "end-to-end encrypt the file; requires server E2EE support")
	cmd.Flags().StringVar(&asName, "as", "", "filename to declare to the server (defaults to the source file's basename)")

	return cmd
}

func runSend(ctx context.Context, filePath, serverURL, configPath string, lifetime time.Duration, encrypt bool, asName string) error {
	logger := loggerFrom(ctx)

	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}

	url := serverURL
	if url == "" {
		url = cfg.Upload.ServerURL
	}

	chunkSize, err := cfg.Upload.ChunkSizeBytes()
	if err != nil {
		return err
	}

	progress := newSendProgressPrinter(os.Stderr)

	res, err := uploadsession.Upload(ctx, uploadsession.Options{
		ServerURL:  url,
		FilePath:   filePath,
		DeclaredAs: asName,
		LifetimeMS: lifetime.Milliseconds(),
		Encrypt:    encrypt,
		ChunkSize:  int(chunkSize),
		MaxRetries: cfg.Upload.MaxRetries,
		Timeouts: uploadsession.Timeouts{
			ServerInfo: time.Duration(cfg.Network.ServerInfoTimeoutMS) * time.Millisecond,
			Init:       time.Duration(cfg.Network.InitTimeoutMS) * time.Millisecond,
			Chunk:      time.Duration(cfg.Network.ChunkTimeoutMS) * time.Millisecond,
			Complete:   time.Duration(cfg.Network.CompleteTimeoutMS) * time.Millisecond,
		},
		HTTPClient: &http.Client{},
		Logger:     logger,
		OnProgress: progress,
	})
	if err != nil {
		return err
	}

	shareURL := res.URL
	if res.Key != "" {
		shareURL = fmt.Sprintf("%s#%s", res.URL, res.Key)
	}

	fmt.Println(shareURL)

	return nil
}

// newSendProgressPrinter renders uploadsession.Progress to w. Each phase
// change other than chunk progress prints the phase name on its own line.
// Chunk progress rewrites a single line on a real terminal; otherwise only
// the first and last chunk lines are printed.
func newSendProgressPrinter(w *os.File) func(uploadsession.Progress) {
	interactive := isatty.IsTerminal(w.Fd())
	lastPhase := uploadsession.Phase("")

	return func(p uploadsession.Progress) {
		switch {
		case p.Phase == uploadsession.PhaseChunk && p.ChunkTotal > 0:
			line := fmt.Sprintf("chunk %d/%d", p.ChunkIndex+1, p.ChunkTotal)
			if interactive {
				fmt.Fprintf(w, "\r%s", line)
			} else if p.ChunkIndex == 0 || p.ChunkIndex == p.ChunkTotal-1 {
				fmt.Fprintln(w, line)
			}
		case p.Phase != lastPhase:
			if interactive && lastPhase == uploadsession.PhaseChunk {
				fmt.Fprintln(w)
			}

			fmt.Fprintln(w, string(p.Phase))
		}

		lastPhase = p.Phase
	}
}
