// Package notify pushes operator-facing messages — session outcomes,
// critical bottleneck postures — to a Matrix room over the client API.
// The access token is a secret and therefore arrives via the environment,
// never the config file.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"
)

// MatrixSender sends messages directly through the Matrix client API.
type MatrixSender struct {
	client     *http.Client
	homeserver string
	roomID     string
	token      string
}

// NewMatrixSender constructs a direct Matrix sender. homeserver is the
// base URL (e.g. "https://matrix.example.org"), roomID the target room,
// token the access token of the posting account.
func NewMatrixSender(client *http.Client, homeserver, roomID, token string) (*MatrixSender, error) {
	homeserver = strings.TrimRight(strings.TrimSpace(homeserver), "/")
	roomID = strings.TrimSpace(roomID)
	token = strings.TrimSpace(token)
	if homeserver == "" {
		return nil, fmt.Errorf("notify: homeserver is required")
	}
	if roomID == "" {
		return nil, fmt.Errorf("notify: room id is required")
	}
	if token == "" {
		return nil, fmt.Errorf("notify: access token is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &MatrixSender{client: client, homeserver: homeserver, roomID: roomID, token: token}, nil
}

// Send posts message as an m.text event to the configured room.
func (s *MatrixSender) Send(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Errorf("notify: message is required")
	}

	txnID := fmt.Sprintf("orket-%d", time.Now().UTC().UnixNano())
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		s.homeserver,
		neturl.PathEscape(s.roomID),
		neturl.PathEscape(txnID),
	)

	payload, err := json.Marshal(map[string]string{
		"msgtype": "m.text",
		"body":    message,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal matrix payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build matrix request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: matrix send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: matrix send returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
