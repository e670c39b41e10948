// Package notify pushes run notifications through a Bark endpoint.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/subflow-proxy/subflow/internal/events"
)

// Bark posts to a Bark push server. A client with an empty URL is a no-op;
// callers never need to branch on configuration.
type Bark struct {
	log   *slog.Logger
	url   string
	title string
	http  *http.Client
}

// NewBark creates a client for the given Bark URL. title defaults to the
// service name.
func NewBark(log *slog.Logger, barkURL, title string) *Bark {
	if log == nil {
		log = slog.Default()
	}
	if title == "" {
		title = "subflow"
	}
	return &Bark{
		log:   log,
		url:   strings.TrimRight(barkURL, "/"),
		title: title,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a push URL is configured.
func (b *Bark) Enabled() bool { return b.url != "" }

// Push sends one notification. Failures are logged, never propagated; a
// broken push channel must not fail a sync run.
func (b *Bark) Push(ctx context.Context, body string) {
	if !b.Enabled() {
		return
	}
	endpoint := b.url + "/" + url.PathEscape(b.title) + "/" + url.PathEscape(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		b.log.Warn("bark request build failed", "error", err)
		return
	}
	resp, err := b.http.Do(req)
	if err != nil {
		b.log.Warn("bark push failed", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b.log.Warn("bark push rejected", "status", resp.StatusCode)
	}
}

// SubscribeTo wires the client to the event bus: completion and error events
// become push notifications.
func (b *Bark) SubscribeTo(bus *events.Bus) {
	bus.Subscribe(events.TypeSyncCompleted, func(e events.Event) {
		payload, ok := e.Payload.(events.SyncCompleted)
		if !ok {
			return
		}
		b.Push(context.Background(), formatCompletion(payload))
	})
	bus.Subscribe(events.TypeSystemError, func(e events.Event) {
		payload, ok := e.Payload.(events.SystemError)
		if !ok {
			return
		}
		b.Push(context.Background(), "sync failed: "+payload.Message)
	})
}

// formatCompletion renders the completion summary with the delta from the
// previous run.
func formatCompletion(p events.SyncCompleted) string {
	delta := p.NodeCount - p.PreviousNodeCount
	sign := "+"
	if delta < 0 {
		sign = ""
	}
	return fmt.Sprintf("sync done: %d nodes (%s%d), %d regions, %d protocols",
		p.NodeCount, sign, delta, p.RegionsCount, p.ProtocolsCount)
}
