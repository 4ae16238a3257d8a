package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type statusInfoResponse struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Capabilities struct {
		Upload struct {
			Enabled          bool  `json:"enabled"`
			MaxSizeMB        int64 `json:"maxSizeMB"`
			MaxLifetimeHours int64 `json:"maxLifetimeHours"`
			E2EE             bool  `json:"e2ee"`
		} `json:"upload"`
		P2P struct {
			Enabled    bool     `json:"enabled"`
			PeerJSPath string   `json:"peerjsPath"`
			ICEServers []string `json:"iceServers"`
		} `json:"p2p"`
	} `json:"capabilities"`
}

func newStatusCmd() *cobra.Command {
	var (
		serverURL string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a Dropgate server's capabilities (GET /api/info)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), serverURL, asJSON)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "https://localhost:8080", "server base URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw capabilities JSON")

	return cmd
}

func runStatus(ctx context.Context, serverURL string, asJSON bool) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/info", nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("status: reaching %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: server returned HTTP %d", resp.StatusCode)
	}

	var info statusInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("status: decoding response: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(info)
	}

	printStatusText(serverURL, info)

	return nil
}

func printStatusText(serverURL string, info statusInfoResponse) {
	fmt.Fprintf(os.Stdout, "%s (%s) at %s\n", info.Name, info.Version, serverURL)

	if info.Capabilities.Upload.Enabled {
		maxSize := "unlimited"
		if info.Capabilities.Upload.MaxSizeMB > 0 {
			maxSize = humanize.Bytes(uint64(info.Capabilities.Upload.MaxSizeMB) * 1_000_000)
		}

		e2ee := "disabled"
		if info.Capabilities.Upload.E2EE {
			e2ee = "enabled"
		}

		fmt.Fprintf(os.Stdout, "  hosted upload: max size %s, max lifetime %dh, e2ee %s\n",
			maxSize, info.Capabilities.Upload.MaxLifetimeHours, e2ee)
	} else {
		fmt.Fprintln(os.Stdout, "  hosted upload: disabled")
	}

	if info.Capabilities.P2P.Enabled {
		fmt.Fprintf(os.Stdout, "  p2p signalling: %s (ice servers: %d)\n",
			info.Capabilities.P2P.PeerJSPath, len(info.Capabilities.P2P.ICEServers))
	} else {
		fmt.Fprintln(os.Stdout, "  p2p signalling: disabled")
	}
}
