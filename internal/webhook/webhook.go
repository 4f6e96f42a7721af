// Package webhook implements the Gitea-style webhook intake: signed
// pull-request events that create or nudge cards. Signatures are
// HMAC-SHA256 over the raw request body under a shared secret.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mcelyea/orket/internal/card"
)

// payloadVersion names the fixed, versioned mapping from webhook fields
// to card fields. Bumping the wire format means adding a
// webhook_v1 handler alongside this one, never mutating it in place.
const payloadVersion = "webhook_v0"

// eventAction is the subset of pull-request actions Orket reacts to.
type eventAction string

const (
	actionOpened       eventAction = "opened"
	actionSynchronized eventAction = "synchronized"
	actionApproved     eventAction = "approved"
)

// pullRequestEvent is the webhook_v0 payload shape. Unknown fields are
// ignored by encoding/json's default decode behavior; this struct names
// only what Orket's mapping actually consumes.
type pullRequestEvent struct {
	Action eventAction `json:"action"`

	Number int `json:"number"`

	PullRequest struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Head  struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`

	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// CardFactory is the narrow slice of card.Store the handler needs: create
// on PR-open, a status nudge on later events. Declared as an interface so
// handler tests don't need a real SQLite-backed Store.
type CardFactory interface {
	CreateCard(ctx context.Context, c card.Card, idPrefix string, genID func(string) (string, error)) (string, error)
	FindByMetadata(ctx context.Context, key, value string) (card.Card, error)
	ProposeTransition(ctx context.Context, cardID string, fromStatus, toStatus card.Status, role string, waitReason card.WaitReason, auditDetails string) (card.TransitionOutcome, error)
}

// Handler verifies and dispatches incoming pull-request webhook events.
type Handler struct {
	Secret []byte
	Cards  CardFactory
	Logger *slog.Logger
	GenID  func(prefix string) (string, error)
}

// NewHandler builds a Handler. secret is the shared HMAC key configured
// out-of-band with the Git host; an empty secret is a configuration error,
// not a degraded mode — a webhook server with no secret would accept
// unsigned requests, defeating the entire point of the signature check.
func NewHandler(secret []byte, cards CardFactory, genID func(string) (string, error), logger *slog.Logger) (*Handler, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook: secret must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Secret: secret, Cards: cards, Logger: logger, GenID: genID}, nil
}

const signatureHeader = "X-Hub-Signature-256"

// ServeHTTP verifies the request's HMAC-SHA256 signature over the raw body
// before touching any JSON, so a malformed-but-unsigned payload never
// reaches the decoder.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r.Header.Get(signatureHeader), body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt pullRequestEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), evt); err != nil {
		h.Logger.Error("webhook: dispatch failed", "error", err, "action", evt.Action)
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// verifySignature reports whether sig (the "sha256=<hex>" header value)
// matches the HMAC-SHA256 of body under h.Secret. Uses hmac.Equal for the
// comparison so response timing doesn't leak how many prefix bytes matched.
func (h *Handler) verifySignature(sig string, body []byte) bool {
	const prefix = "sha256="
	if len(sig) <= len(prefix) || sig[:len(prefix)] != prefix {
		return false
	}
	given, err := hex.DecodeString(sig[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.Secret)
	mac.Write(body)
	want := mac.Sum(nil)

	return hmac.Equal(given, want)
}

const prSourceMetaKey = "webhook_pr_head_sha"

func (h *Handler) dispatch(ctx context.Context, evt pullRequestEvent) error {
	switch evt.Action {
	case actionOpened:
		return h.createReviewCard(ctx, evt)
	case actionSynchronized, actionApproved:
		return h.nudgeExistingCard(ctx, evt)
	default:
		// Unrecognized actions are accepted and dropped, not errors: a Git
		// host's event set evolves independently of Orket's mapping.
		return nil
	}
}

// createReviewCard creates a CODE_REVIEW card for a newly opened pull
// request, with the webhook_v0 field mapping fixed here: pull_request.title -> Title, repository.full_name + PR number ->
// RequirementsRef, and the head SHA stashed in metadata so later
// synchronize/approve events can find the same card again.
func (h *Handler) createReviewCard(ctx context.Context, evt pullRequestEvent) error {
	c := card.Card{
		Kind:            card.KindTask,
		Title:           evt.PullRequest.Title,
		Status:          card.StatusCodeReview,
		Role:            "verifier",
		Priority:        card.PriorityMedium,
		RequirementsRef: fmt.Sprintf("%s#%d", evt.Repository.FullName, evt.Number),
		Metadata: card.Metadata{
			"webhook_version": payloadVersion,
			prSourceMetaKey:   evt.PullRequest.Head.SHA,
		},
	}
	_, err := h.Cards.CreateCard(ctx, c, "task", h.GenID)
	if err != nil {
		return fmt.Errorf("webhook: create review card: %w", err)
	}
	return nil
}

// nudgeExistingCard looks up the card created for this PR by its stashed
// head SHA and moves it back into CODE_REVIEW on a new push (synchronize),
// or leaves status handling to the Verification Subsystem on approve — an
// approval alone isn't sufficient to pass CODE_REVIEW (the automated
// verification run still has to pass), so it is intentionally a
// no-op beyond the lookup.
func (h *Handler) nudgeExistingCard(ctx context.Context, evt pullRequestEvent) error {
	existing, err := h.Cards.FindByMetadata(ctx, prSourceMetaKey, evt.PullRequest.Head.SHA)
	if err != nil {
		return nil // no matching card: nothing to nudge, not an error
	}
	if evt.Action == actionSynchronized && existing.Status != card.StatusCodeReview {
		_, err := h.Cards.ProposeTransition(ctx, existing.ID, existing.Status, card.StatusCodeReview, "webhook", "", "pr_synchronized")
		if err != nil {
			return fmt.Errorf("webhook: re-open review card: %w", err)
		}
	}
	return nil
}
