// Package events publishes lifecycle notifications for downloads. Emission is
// best effort: a failed notification never disturbs orchestration.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Event kinds
const (
	KindGrabbed   = "grabbed"
	KindCompleted = "completed"
	KindFailed    = "failed"
	KindRemoved   = "removed"
	KindUntracked = "untracked"
)

// Event describes one lifecycle transition of a download
type Event struct {
	Kind      string    `json:"kind"`
	Backend   string    `json:"backend"`
	BackendID string    `json:"backend_id,omitempty"`
	Title     string    `json:"title"`
	TargetID  string    `json:"target_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter publishes events somewhere
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// LogEmitter writes events to the application log
type LogEmitter struct {
	logger *logrus.Logger
}

// NewLogEmitter creates an emitter backed by the application log
func NewLogEmitter(logger *logrus.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit logs the event
func (e *LogEmitter) Emit(_ context.Context, event Event) {
	e.logger.WithFields(logrus.Fields{
		"kind":       event.Kind,
		"backend":    event.Backend,
		"backend_id": event.BackendID,
		"title":      event.Title,
		"target_id":  event.TargetID,
		"reason":     event.Reason,
	}).Info("Download event")
}

// WebhookEmitter POSTs events as JSON to a configured URL, retrying transient
// failures with exponential backoff
type WebhookEmitter struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewWebhookEmitter creates an emitter that delivers events over HTTP
func NewWebhookEmitter(url string, logger *logrus.Logger) *WebhookEmitter {
	return &WebhookEmitter{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Emit delivers the event, retrying for up to a minute before giving up
func (e *WebhookEmitter) Emit(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.WithError(err).Error("Failed to marshal event")
		return
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		e.logger.WithError(err).WithField("kind", event.Kind).Warn("Failed to deliver event webhook")
	}
}

// MultiEmitter fans one event out to several emitters
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit delivers the event to every emitter
func (e *MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, emitter := range e.emitters {
		emitter.Emit(ctx, event)
	}
}
