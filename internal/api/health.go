package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mbailey/voicemode-sub000/internal/audioio"
	"github.com/mbailey/voicemode-sub000/internal/provider"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	providers ProviderDirectory
	conch     ConchSource
	version   string
	startTime time.Time
}

func NewHealthHandler(providers ProviderDirectory, conch ConchSource, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		providers: providers,
		conch:     conch,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Audio device checks. Missing devices degrade rather than fail:
	// synthetic sources and cached speech still work without hardware.
	if audioio.CheckCapture() {
		checks["capture"] = "ok"
	} else {
		checks["capture"] = "unavailable"
		status = "degraded"
	}
	if audioio.CheckPlayback() {
		checks["playback"] = "ok"
	} else {
		checks["playback"] = "unavailable"
		status = "degraded"
	}

	// Conch check
	if h.conch != nil {
		info, err := h.conch.Info()
		switch {
		case err != nil:
			checks["conch"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		case info.Held:
			checks["conch"] = "held by " + info.HolderID
		default:
			checks["conch"] = "free"
		}
	} else {
		checks["conch"] = "not_configured"
	}

	// Provider registry check
	if h.providers != nil {
		counts := map[provider.Role][2]int{}
		for _, st := range h.providers.Snapshot() {
			c := counts[st.Role]
			c[0]++
			if st.Health == provider.HealthHealthy.String() {
				c[1]++
			}
			counts[st.Role] = c
		}
		for role, key := range map[provider.Role]string{
			provider.RoleTTS: "tts_providers",
			provider.RoleSTT: "stt_providers",
		} {
			c := counts[role]
			checks[key] = fmt.Sprintf("%d registered, %d healthy", c[0], c[1])
		}
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
