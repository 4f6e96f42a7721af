package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

type fakeRoundTripper func(req *http.Request) (*http.Response, error)

func (f fakeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestMatrixSenderSendSuccess(t *testing.T) {
	var (
		gotAuth    string
		gotMethod  string
		gotEscPath string
		gotPayload map[string]any
	)

	client := &http.Client{
		Transport: fakeRoundTripper(func(req *http.Request) (*http.Response, error) {
			gotAuth = req.Header.Get("Authorization")
			gotMethod = req.Method
			gotEscPath = req.URL.EscapedPath()
			defer req.Body.Close()
			_ = json.NewDecoder(req.Body).Decode(&gotPayload)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"event_id":"$evt"}`)),
				Header:     make(http.Header),
				Request:    req,
			}, nil
		}),
	}

	s, err := NewMatrixSender(client, "https://matrix.example.org/", "!room:example.org", "tok-123")
	if err != nil {
		t.Fatalf("NewMatrixSender failed: %v", err)
	}
	if err := s.Send(context.Background(), "session sess-1 ended: COMPLETED"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if !strings.Contains(gotEscPath, "/_matrix/client/v3/rooms/%21room:example.org/send/m.room.message/") {
		t.Errorf("unexpected path %q", gotEscPath)
	}
	if gotPayload["msgtype"] != "m.text" || gotPayload["body"] != "session sess-1 ended: COMPLETED" {
		t.Errorf("unexpected payload %v", gotPayload)
	}
}

func TestMatrixSenderSendNon2xxIsError(t *testing.T) {
	client := &http.Client{
		Transport: fakeRoundTripper(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusForbidden,
				Body:       io.NopCloser(strings.NewReader(`{"errcode":"M_FORBIDDEN"}`)),
				Header:     make(http.Header),
				Request:    req,
			}, nil
		}),
	}

	s, err := NewMatrixSender(client, "https://matrix.example.org", "!room:example.org", "tok-123")
	if err != nil {
		t.Fatal(err)
	}
	err = s.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}

func TestNewMatrixSenderValidatesInputs(t *testing.T) {
	cases := []struct {
		name                      string
		homeserver, roomID, token string
	}{
		{"no homeserver", "", "!r:x", "tok"},
		{"no room", "https://hs", "", "tok"},
		{"no token", "https://hs", "!r:x", ""},
	}
	for _, tc := range cases {
		if _, err := NewMatrixSender(nil, tc.homeserver, tc.roomID, tc.token); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestMatrixSenderRejectsEmptyMessage(t *testing.T) {
	s, err := NewMatrixSender(nil, "https://hs", "!r:x", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), "   "); err == nil {
		t.Fatal("expected error for blank message")
	}
}
