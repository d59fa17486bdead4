// Package notify delivers job lifecycle notifications: a webhook POST to the
// URL a job was submitted with, and an event on a Pub/Sub topic.
// Delivery runs in the background and failures are logged; neither ever
// changes job state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/researchops/pkg/models"
)

const (
	EventJobSubmitted = "job.submitted"
	EventJobTerminal  = "job.terminal"
)

// deliveryTimeout bounds one background delivery, webhook and publish together.
const deliveryTimeout = 30 * time.Second

// Event is the payload published for a job lifecycle change.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Job  models.JobView `json:"job"`
}

// Publisher sends encoded events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) error
}

// WebhookSender POSTs job views to caller-supplied URLs.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSender) Send(ctx context.Context, url string, ev Event) error {
	body, err := json.Marshal(ev.Job)
	if err != nil {
		return fmt.Errorf("encoding webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ResearchOps-Event", ev.Type)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher fans a lifecycle event out to the webhook and the publisher.
// Either may be nil. Events are delivered on their own goroutine so callers
// never wait on a slow endpoint.
type Dispatcher struct {
	webhook   *WebhookSender
	publisher Publisher
	timeout   time.Duration
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewDispatcher(webhook *WebhookSender, publisher Publisher) *Dispatcher {
	return &Dispatcher{webhook: webhook, publisher: publisher, timeout: deliveryTimeout, now: time.Now}
}

// JobSubmitted publishes a submission event. Webhooks fire only on terminal states.
func (d *Dispatcher) JobSubmitted(ctx context.Context, job *models.Job) {
	ev := Event{Type: EventJobSubmitted, At: d.now().UTC(), Job: job.View()}
	d.deliver(ctx, func(ctx context.Context) {
		d.publish(ctx, ev)
	})
}

// JobTerminal delivers the terminal status view to the job's webhook and
// publishes it.
func (d *Dispatcher) JobTerminal(ctx context.Context, job *models.Job) {
	ev := Event{Type: EventJobTerminal, At: d.now().UTC(), Job: job.View()}
	url := job.WebhookURL
	d.deliver(ctx, func(ctx context.Context) {
		if d.webhook != nil && url != "" {
			if err := d.webhook.Send(ctx, url, ev); err != nil {
				slog.Warn("webhook delivery failed",
					"job_id", ev.Job.ID,
					"status", ev.Job.Status,
					"error", err,
				)
			}
		}
		d.publish(ctx, ev)
	})
}

// Wait blocks until every delivery started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver runs fn in the background. The delivery outlives the caller's
// context but not the dispatcher timeout.
func (d *Dispatcher) deliver(ctx context.Context, fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("job event delivery panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (d *Dispatcher) publish(ctx context.Context, ev Event) {
	if d.publisher == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("encoding job event", "job_id", ev.Job.ID, "error", err)
		return
	}
	attrs := map[string]string{
		"type":     ev.Type,
		"job_id":   ev.Job.ID.String(),
		"status":   ev.Job.Status,
		"provider": ev.Job.Provider,
	}
	if ev.Job.CampaignID != nil {
		attrs["campaign_id"] = ev.Job.CampaignID.String()
	}
	if err := d.publisher.Publish(ctx, data, attrs); err != nil {
		slog.Warn("job event publish failed",
			"job_id", ev.Job.ID,
			"type", ev.Type,
			"error", err,
		)
	}
}
