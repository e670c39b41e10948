package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// clientConfigs maps a facade route to the emitted artifact and its media
// type. /mihomo and the legacy /clash alias serve the same file.
var clientConfigs = map[string]struct {
	File        string
	ContentType string
}{
	"mihomo":  {"clash.yaml", "text/yaml; charset=utf-8"},
	"clash":   {"clash.yaml", "text/yaml; charset=utf-8"},
	"surge":   {"surge.conf", "text/plain; charset=utf-8"},
	"singbox": {"singbox.json", "application/json; charset=utf-8"},
	"v2ray":   {"v2ray.json", "application/json; charset=utf-8"},
}

// ShortcutNames are the short paths served at the root. Each resolves to the
// matching regional group artifact.
var ShortcutNames = []string{"HK", "US", "SG", "TW", "JP", "Others"}

// HandleGroup returns a handler for GET /groups/{name}: the per-group URI
// list as a text attachment.
func HandleGroup(outputDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		serveGroupFile(w, r, outputDir, name)
	}
}

// HandleShortcut returns a handler for one fixed short path such as GET /HK.
// The local artifact is served when present; otherwise the request falls
// through to the published upstream copy.
func HandleShortcut(outputDir, name, upstreamBase string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := groupArtifactPath(outputDir, name)
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				serveAttachment(w, r, path, name)
				return
			}
		}
		if upstreamBase != "" {
			http.Redirect(w, r, strings.TrimRight(upstreamBase, "/")+"/"+name+".txt", http.StatusFound)
			return
		}
		WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("group %s not generated yet", name))
	}
}

// HandleClientConfig returns a handler serving one generated client config.
func HandleClientConfig(outputDir, client string) http.HandlerFunc {
	cfg := clientConfigs[client]
	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(outputDir, cfg.File)
		data, err := os.ReadFile(path)
		if err != nil {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s config not generated yet", client))
			return
		}
		w.Header().Set("Content-Type", cfg.ContentType)
		w.Write(data)
	}
}

func serveGroupFile(w http.ResponseWriter, r *http.Request, outputDir, name string) {
	path, err := groupArtifactPath(outputDir, name)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if _, err := os.Stat(path); err != nil {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("group %s not generated yet", name))
		return
	}
	serveAttachment(w, r, path, name)
}

func serveAttachment(w http.ResponseWriter, r *http.Request, path, name string) {
	data, err := os.ReadFile(path)
	if err != nil {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "artifact unreadable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".txt"))
	w.Write(data)
}

// groupArtifactPath resolves a group name to its file under output/groups,
// rejecting names that escape the directory.
func groupArtifactPath(outputDir, name string) (string, error) {
	name = strings.TrimSuffix(name, ".txt")
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid group name %q", name)
	}
	return filepath.Join(outputDir, "groups", name+".txt"), nil
}
