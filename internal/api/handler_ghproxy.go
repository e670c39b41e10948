package api

import (
	"io"
	"net/http"
	"time"
)

const ghRawBase = "https://raw.githubusercontent.com/"

// ghProxyClient is swapped out in tests.
var ghProxyClient = &http.Client{Timeout: 30 * time.Second}

// HandleGHProxy returns a handler for GET /gh-proxy/{rest...}: a transparent
// GET proxy to raw.githubusercontent.com.
func HandleGHProxy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := r.PathValue("rest")
		if rest == "" {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "missing upstream path")
			return
		}
		upstream := ghRawBase + rest
		if r.URL.RawQuery != "" {
			upstream += "?" + r.URL.RawQuery
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstream, nil)
		if err != nil {
			WriteError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
			return
		}
		resp, err := ghProxyClient.Do(req)
		if err != nil {
			WriteError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}
}
