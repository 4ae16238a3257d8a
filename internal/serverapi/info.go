package serverapi

import (
	"encoding/json"
	"net/http"
)

type rootResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	SizeLimit int64  `json:"sizeLimit"` // MB
}

type infoResponse struct {
	Name         string           `json:"name"`
	Version      string           `json:"version"`
	Capabilities infoCapabilities `json:"capabilities"`
}

type infoCapabilities struct {
	Upload uploadCapabilities `json:"upload"`
	P2P    P2PCapabilities    `json:"p2p"`
	WebUI  webUICapabilities  `json:"webUI"`
}

type uploadCapabilities struct {
	Enabled          bool  `json:"enabled"`
	MaxSizeMB        int64 `json:"maxSizeMB"`
	MaxLifetimeHours int64 `json:"maxLifetimeHours"`
	E2EE             bool  `json:"e2ee"`
	ChunkSize        int64 `json:"chunkSize,omitempty"`
}

type webUICapabilities struct {
	Enabled bool `json:"enabled"`
}

// MaxLifetimeHours bounds the lifetime a client may request; Dropgate
// allows any lifetime up to one year; hosted files are held for a bounded
// lifetime only.
const MaxLifetimeHours = 24 * 365

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Status:    "ok",
		Version:   Version,
		SizeLimit: s.Config.MaxFileSizeMB,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Name:    "dropgate",
		Version: Version,
		Capabilities: infoCapabilities{
			Upload: uploadCapabilities{
				Enabled:          true,
				MaxSizeMB:        s.Config.MaxFileSizeMB,
				MaxLifetimeHours: MaxLifetimeHours,
				E2EE:             s.Config.EnableE2EE,
				ChunkSize:        s.Config.UploadChunkSizeBytes,
			},
			P2P:   s.P2P,
			WebUI: webUICapabilities{Enabled: false},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
