package views

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultPushTimeout = 5 * time.Second

// HTTPPusher edits a standing message through a platform webhook endpoint.
// The message id travels in headers so the receiver can edit in place.
type HTTPPusher struct {
	URL       string
	Secret    string
	ChannelID string
	MessageID string
	Client    *http.Client
}

func (h HTTPPusher) Push(ctx context.Context, payload Payload) error {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultPushTimeout}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raidline-Run", fmt.Sprintf("%d", payload.RunID))
	if h.ChannelID != "" {
		req.Header.Set("X-Raidline-Channel", h.ChannelID)
	}
	if h.MessageID != "" {
		req.Header.Set("X-Raidline-Message", h.MessageID)
	}
	if strings.TrimSpace(h.Secret) != "" {
		req.Header.Set("X-Raidline-Secret", h.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
