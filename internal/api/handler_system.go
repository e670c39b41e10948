package api

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/subflow-proxy/subflow/internal/buildinfo"
	"github.com/subflow-proxy/subflow/internal/store"
)

// StatusResponse is the GET /api/status payload.
type StatusResponse struct {
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	Environment string `json:"environment"`
	Timestamp   string `json:"timestamp"`
}

// HandleStatus returns a handler for GET /api/status.
func HandleStatus(startedAt time.Time, environment string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, StatusResponse{
			Version:     buildinfo.Version,
			Uptime:      time.Since(startedAt).Round(time.Second).String(),
			Environment: environment,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// HealthCheck is one sub-check in the health report.
type HealthCheck struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is the GET /api/health payload. Overall status is down when
// any sub-check is down.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

// HandleHealth returns a handler for GET /api/health. Sub-checks: the data
// store is readable and artifacts have been generated.
func HandleHealth(st *store.Store, outputDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]HealthCheck{
			"store":     checkStore(st),
			"artifacts": checkArtifacts(outputDir),
		}

		status := "up"
		httpStatus := http.StatusOK
		for _, c := range checks {
			if c.Status == "down" {
				status = "down"
				httpStatus = http.StatusServiceUnavailable
				break
			}
		}
		WriteJSON(w, httpStatus, HealthResponse{Status: status, Checks: checks})
	}
}

func checkStore(st *store.Store) HealthCheck {
	status, err := st.LoadSyncStatus()
	if err != nil {
		return HealthCheck{Status: "down", Detail: err.Error()}
	}
	if status.LastRunAt.IsZero() {
		return HealthCheck{Status: "up", Detail: "no sync has run yet"}
	}
	return HealthCheck{Status: "up", Detail: "last sync " + status.LastRunAt.UTC().Format(time.RFC3339)}
}

func checkArtifacts(outputDir string) HealthCheck {
	if _, err := os.Stat(filepath.Join(outputDir, "clash.yaml")); err != nil {
		if os.IsNotExist(err) {
			// Not yet generated is degraded service, not an outage.
			return HealthCheck{Status: "up", Detail: "no artifacts generated yet"}
		}
		return HealthCheck{Status: "down", Detail: err.Error()}
	}
	return HealthCheck{Status: "up"}
}
