package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dropgate/dropgate/internal/config"
	"github.com/dropgate/dropgate/internal/p2p"
	"github.com/dropgate/dropgate/internal/p2p/wschannel"
)

func newP2PCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "p2p",
		Short: "Direct peer-to-peer transfer, brokered only by signalling rendezvous",
	}

	cmd.AddCommand(newP2PSendCmd())
	cmd.AddCommand(newP2PReceiveCmd())

	return cmd
}

func newP2PSendCmd() *cobra.Command {
	var (
		signalling string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Offer a file for direct transfer and print the share code",
		Long: `Register a rendezvous share code with the signalling broker and wait for
one receiver to connect. The code is printed as soon as registration
succeeds; give it to the receiver out of band.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := resolveSignallingURL(signalling, configPath)
			if err != nil {
				return err
			}

			return runP2PSend(cmd.Context(), args[0], url)
		},
	}

	cmd.Flags().StringVar(&signalling, "signalling", "", "base websocket URL of the signalling broker (overrides config)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a client TOML config file")

	return cmd
}

// resolveSignallingURL applies flag-over-config precedence for the broker
// URL, falling back to the client config's default.
func resolveSignallingURL(flagValue, configPath string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return "", err
	}

	return cfg.P2P.SignallingURL, nil
}

func newP2PReceiveCmd() *cobra.Command {
	var (
		signalling string
		configPath string
		outputDir  string
		autoAccept bool
	)

	cmd := &cobra.Command{
		Use:   "receive <code>",
		Short: "Connect to a sender's share code and receive the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := resolveSignallingURL(signalling, configPath)
			if err != nil {
				return err
			}

			return runP2PReceive(cmd.Context(), args[0], url, outputDir, autoAccept)
		},
	}

	cmd.Flags().StringVar(&signalling, "signalling", "", "base websocket URL of the signalling broker (overrides config)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a client TOML config file")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "directory to write the received file into")
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", true, "send ready{} immediately on metadata (disable for confirm-before-receive)")

	return cmd
}

func runP2PSend(ctx context.Context, filePath, signalling string) error {
	logger := loggerFrom(ctx)

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	// The reference signalbroker (internal/signalbroker) has no
	// existence-check API, so collision avoidance relies on the broker's
	// own rendezvous timeout rather than a client-side exists() probe;
	// GenerateUniqueShareCode degrades to a single attempt against it.
	code, err := p2p.GenerateUniqueShareCode(1, nil)
	if err != nil {
		return err
	}

	fmt.Println(code)

	listener := wschannel.DialListener{URL: strings.TrimRight(signalling, "/") + "/ws/" + code}
	src := p2p.NewFileSource(filepath.Base(filePath), stat.Size(), mimeForExt(filePath), f)

	sender := p2p.NewSender(p2p.DefaultConfig(), p2p.SenderHooks{
		OnProgress: func(sent, total int64) {
			fmt.Printf("\rsent %s / %s", humanize.Bytes(uint64(sent)), humanize.Bytes(uint64(total)))
		},
		OnComplete: func() {
			fmt.Println("\ntransfer complete")
		},
		OnError: func(err error) {
			fmt.Printf("\ntransfer failed: %v\n", err)
		},
		OnCancel: func(info p2p.CancelledInfo) {
			fmt.Printf("\ntransfer cancelled by %s\n", info.CancelledBy)
		},
	}, logger)

	// Serve rather than a single Listen+Run: the sender keeps watching for
	// dialers against this code for as long as the share is live, rejecting
	// an intruder while a transfer is underway and taking over from a
	// dialer whose predecessor went dead.
	return sender.Serve(ctx, listener, src)
}

func runP2PReceive(ctx context.Context, code, signalling, outputDir string, autoAccept bool) error {
	logger := loggerFrom(ctx)

	conn, _, err := websocket.Dial(ctx, strings.TrimRight(signalling, "/")+"/ws/"+code, nil)
	if err != nil {
		return fmt.Errorf("p2p receive: dialing signalling broker: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "transfer ended")

	ch := wschannel.New(conn)

	var (
		sink     *fileSink
		destPath string
	)

	receiver := p2p.NewReceiver(p2p.DefaultConfig(), p2p.ReceiverHooks{
		OnMeta: func(meta p2p.MetaPayload) {
			destPath = filepath.Join(outputDir, filepath.Base(meta.Name))
			fmt.Printf("receiving %q (%s)\n", meta.Name, humanize.Bytes(uint64(meta.Size)))
		},
		OnProgress: func(received, total int64) {
			fmt.Printf("\rreceived %s / %s", humanize.Bytes(uint64(received)), humanize.Bytes(uint64(total)))
		},
		OnComplete: func() {
			fmt.Println("\ntransfer complete")
		},
		OnError: func(err error) {
			fmt.Printf("\ntransfer failed: %v\n", err)
		},
		OnCancel: func(info p2p.CancelledInfo) {
			fmt.Printf("\ntransfer cancelled by %s\n", info.CancelledBy)
		},
	}, autoAccept, logger)

	openSink := func() (*fileSink, error) {
		if sink != nil {
			return sink, nil
		}

		f, err := os.Create(destPath)
		if err != nil {
			return nil, err
		}

		sink = &fileSink{f: f}

		return sink, nil
	}

	lazySink := &lazyFileSink{open: openSink}

	if err := receiver.Run(ctx, ch, lazySink); err != nil {
		return err
	}

	if sink != nil {
		sink.f.Close()
	}

	return nil
}

// fileSink implements p2p.Sink over an already-open file.
type fileSink struct {
	f *os.File
}

func (s *fileSink) WriteAt(p []byte, off int64) (int, error) {
	return s.f.WriteAt(p, off)
}

// lazyFileSink defers opening the destination file until the first write,
// by which point OnMeta has already run and named the file.
type lazyFileSink struct {
	open func() (*fileSink, error)
}

func (s *lazyFileSink) WriteAt(p []byte, off int64) (int, error) {
	sink, err := s.open()
	if err != nil {
		return 0, err
	}

	return sink.WriteAt(p, off)
}

func mimeForExt(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}

	return "application/octet-stream"
}
