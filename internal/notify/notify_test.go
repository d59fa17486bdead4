package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/notify"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	attrs  []map[string]string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, data []byte, attrs map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ev notify.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.events = append(p.events, ev)
	p.attrs = append(p.attrs, attrs)
	return p.err
}

func terminalJob(webhook string) *models.Job {
	cost := 0.42
	campaign := uuid.New()
	return &models.Job{
		ID:            uuid.New(),
		ProviderJobID: "resp_123",
		Provider:      "openai",
		Model:         "o3-deep-research",
		Status:        models.JobStatusCompleted,
		CostEstimate:  1,
		ActualCost:    &cost,
		OutputRef:     "job:x/output",
		WebhookURL:    webhook,
		CampaignID:    &campaign,
		TaskID:        "a",
		UpdatedAt:     time.Now().UTC(),
	}
}

func TestJobTerminal_DeliversWebhookAndEvent(t *testing.T) {
	var got models.JobView
	var eventHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventHeader = r.Header.Get("X-ResearchOps-Event")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pub := &recordingPublisher{}
	d := notify.NewDispatcher(notify.NewWebhookSender(time.Second), pub)
	job := terminalJob(srv.URL)

	d.JobTerminal(context.Background(), job)
	d.Wait()

	assert.Equal(t, notify.EventJobTerminal, eventHeader)
	assert.Equal(t, job.ID, got.ID)
	assert.InDelta(t, 0.42, got.CostSoFar, 0.0001)
	assert.Equal(t, "job:x/output", got.OutputRef)

	require.Len(t, pub.events, 1)
	assert.Equal(t, notify.EventJobTerminal, pub.events[0].Type)
	assert.Equal(t, models.JobStatusCompleted, pub.attrs[0]["status"])
	assert.Equal(t, job.CampaignID.String(), pub.attrs[0]["campaign_id"])
}

func TestJobTerminal_FailuresAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pub := &recordingPublisher{err: errors.New("topic gone")}
	d := notify.NewDispatcher(notify.NewWebhookSender(time.Second), pub)

	assert.NotPanics(t, func() { d.JobTerminal(context.Background(), terminalJob(srv.URL)) })
	d.Wait()
	assert.Len(t, pub.events, 1, "publish is attempted even when the webhook fails")
}

func TestJobTerminal_NoWebhookURL(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls++ }))
	defer srv.Close()

	d := notify.NewDispatcher(notify.NewWebhookSender(time.Second), nil)
	d.JobTerminal(context.Background(), terminalJob(""))
	d.Wait()
	assert.Zero(t, calls)
}

func TestJobSubmitted_PublishesWithoutWebhook(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls++ }))
	defer srv.Close()

	pub := &recordingPublisher{}
	d := notify.NewDispatcher(notify.NewWebhookSender(time.Second), pub)
	job := terminalJob(srv.URL)
	job.Status = models.JobStatusSubmitted

	d.JobSubmitted(context.Background(), job)
	d.Wait()

	assert.Zero(t, calls)
	require.Len(t, pub.events, 1)
	assert.Equal(t, notify.EventJobSubmitted, pub.events[0].Type)
	assert.Empty(t, pub.events[0].Job.OutputRef, "output ref is hidden until terminal")
}

func TestJobTerminal_DoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pub := &recordingPublisher{}
	d := notify.NewDispatcher(notify.NewWebhookSender(5*time.Second), pub)

	// The caller's context ends right away; delivery must not.
	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		d.JobTerminal(ctx, terminalJob(srv.URL))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("JobTerminal waited for the webhook")
	}
	cancel()

	close(release)
	d.Wait()
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.events, 1)
}

func TestWebhookSender_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	err := notify.NewWebhookSender(20*time.Millisecond).Send(context.Background(), srv.URL, notify.Event{})
	assert.Error(t, err)
}
