package provider

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

// Local dispatches completion requests over HTTP to a local model
// runner.
type Local struct {
	Endpoint string
	Client   *http.Client
}

// NewLocal builds a Local provider with a sane request timeout default;
// callers still control per-call cancellation via ctx.
func NewLocal(endpoint string) *Local {
	return &Local{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type completeRequest struct {
	Prompt      string   `json:"prompt"`
	Stop        []string `json:"stop,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
}

type completeResponse struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func (l *Local) Complete(ctx context.Context, prompt string, stop []string, params Params) (Response, error) {
	body, err := json.Marshal(completeRequest{
		Prompt: prompt, Stop: stop, MaxTokens: params.MaxTokens, Temperature: params.Temperature,
	})
	if err != nil {
		return Response{}, fmt.Errorf("provider: local: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.Endpoint+"/complete", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("provider: local: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.Client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("provider: local: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Response{}, &Rejected{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if resp.StatusCode >= 500 {
		return Response{}, fmt.Errorf("provider: local: server error %d: %s", resp.StatusCode, respBody)
	}

	var out completeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Response{}, fmt.Errorf("provider: local: decode response: %w", err)
	}
	return Response{Text: out.Text, InputTokens: out.InputTokens, OutputTokens: out.OutputTokens}, nil
}

func (l *Local) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("provider: local: build health request: %w", err)
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: local: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider: local: health check returned %d", resp.StatusCode)
	}
	return nil
}
