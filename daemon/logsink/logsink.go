// Package logsink forwards log records to the orchestrator's logging
// endpoint. It plugs into the daemon's logger as a logrus hook so the rest
// of the code logs normally and forwarding stays a deployment decision.
package logsink

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wasmiot/supervisor/daemon/config"
)

const sendTimeout = 5 * time.Second

// Hook posts every record to the configured endpoint. Sends are
// fire-and-forget on a separate goroutine: a slow or absent sink must never
// stall the daemon.
type Hook struct {
	cfg    *config.Config
	client *http.Client
}

// New builds the hook. client may be nil.
func New(cfg *config.Config, client *http.Client) *Hook {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	return &Hook{cfg: cfg, client: client}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	endpoint := h.cfg.LoggingEndpoint
	if endpoint == "" {
		return nil
	}
	record := map[string]any{
		"timestamp":  entry.Time.UTC().Format(time.RFC3339Nano),
		"loglevel":   entry.Level.String(),
		"message":    entry.Message,
		"deviceName": h.cfg.Name,
		"deviceIP":   h.cfg.Host,
	}
	for k, v := range entry.Data {
		record[k] = v
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil
	}
	payload := string(data)
	go func() {
		// The orchestrator consumes log records as form data.
		form := url.Values{"logData": {payload}}
		resp, err := h.client.PostForm(endpoint, form)
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
	return nil
}
