// Package notify delivers best-effort outbound notifications through the
// email/SMS partner API. Delivery failure never fails the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/expont-mind/happy-academy-payments/internal/httputil"
	"github.com/expont-mind/happy-academy-payments/pkg/logger"
)

// Config holds notification sink settings.
type Config struct {
	Endpoint string
	APIKey   string
	Sender   string
	Timeout  time.Duration
}

// HTTPNotifier posts notifications to the partner sending API.
type HTTPNotifier struct {
	endpoint   string
	apiKey     string
	sender     string
	httpClient *http.Client
	log        *logger.Logger
}

// NewHTTPNotifier creates a notifier. An empty endpoint yields a disabled
// notifier whose Send is a logged no-op.
func NewHTTPNotifier(cfg Config, log *logger.Logger) *HTTPNotifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		sender:     cfg.Sender,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Send delivers one notification. Errors are returned for the caller to log;
// callers must not treat them as operation failures.
func (n *HTTPNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	if n.endpoint == "" {
		n.log.Debugf("notification sink disabled; dropping message to %s", recipient)
		return nil
	}

	payload := map[string]string{
		"to":      recipient,
		"from":    n.sender,
		"subject": subject,
		"body":    body,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return httputil.DecodeResponse(resp, nil)
}
