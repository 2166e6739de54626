package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/google/uuid"
)

// ErrRateLimited means the delivery limiter denied the send. The caller
// keeps the notification pending and retries later.
var ErrRateLimited = errors.New("notification delivery rate limited")

// envelope is the wire form posted to the webhook endpoint.
type envelope struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
}

// WebhookSender posts notifications to a single HTTP endpoint. Bodies are
// signed with HMAC-SHA256 so the receiver can authenticate them.
type WebhookSender struct {
	endpoint string
	secret   []byte
	client   *http.Client
	limiter  DeliveryLimiter
	logger   *slog.Logger
	clock    func() time.Time
}

// NewWebhookSender creates a sender. A nil limiter disables outbound
// pacing.
func NewWebhookSender(endpoint string, secret []byte, limiter DeliveryLimiter, logger *slog.Logger) *WebhookSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSender{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  limiter,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *WebhookSender) WithClock(clock func() time.Time) *WebhookSender {
	s.clock = clock
	return s
}

// CheckpointRaised posts a checkpoint notification immediately. Satisfies
// the flow driver's notifier contract for deployments without an outbox.
func (s *WebhookSender) CheckpointRaised(ctx context.Context, req contracts.CheckpointRequest, resumeToken string) error {
	return s.Send(ctx, uuid.New().String(), req.ProjectID, KindCheckpointRaised,
		CheckpointNotice{Request: req, ResumeToken: resumeToken})
}

// ProjectClosed posts a terminal notification immediately.
func (s *WebhookSender) ProjectClosed(ctx context.Context, projectID string, phase contracts.Phase, reason string) error {
	return s.Send(ctx, uuid.New().String(), projectID, KindProjectClosed,
		ClosedNotice{ProjectID: projectID, Phase: phase, Reason: reason})
}

// Send posts one notification. Denials from the delivery limiter return
// ErrRateLimited without touching the endpoint.
func (s *WebhookSender) Send(ctx context.Context, id, projectID, kind string, payload any) error {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, s.endpoint)
		if err != nil {
			return fmt.Errorf("deliver %s: %w", id, err)
		}
		if !allowed {
			return fmt.Errorf("deliver %s: %w", id, ErrRateLimited)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deliver %s: marshal payload: %w", id, err)
	}
	wire, err := json.Marshal(envelope{
		ID:        id,
		ProjectID: projectID,
		Kind:      kind,
		Payload:   body,
		SentAt:    s.clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("deliver %s: marshal envelope: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(wire))
	if err != nil {
		return fmt.Errorf("deliver %s: %w", id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set("X-Gauntlet-Signature", Sign(s.secret, wire))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", id, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver %s: endpoint returned %d", id, resp.StatusCode)
	}

	s.logger.InfoContext(ctx, "notification delivered",
		slog.String("id", id),
		slog.String("project_id", projectID),
		slog.String("kind", kind))
	return nil
}

// Sign computes the hex HMAC-SHA256 signature of a webhook body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
