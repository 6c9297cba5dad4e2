package core

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/klerk-framework/klerk-sub000/internal/jobs"
	"github.com/klerk-framework/klerk-sub000/internal/logging"
	"github.com/klerk-framework/klerk-sub000/internal/metrics"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

type captureMetrics struct {
	mu       sync.Mutex
	commands []string
	models   int
	triggers []string
}

func (c *captureMetrics) CommandHandled(event, outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, event+":"+outcome)
}

func (c *captureMetrics) ModelCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = n
}

func (c *captureMetrics) TimeTrigger(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, result)
}

func (c *captureMetrics) triggerResults() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.triggers...)
}

func TestMetricsRecordOutcomes(t *testing.T) {
	m := &captureMetrics{}
	h := newHarness(t, WithMetrics(m))
	h.create(t, "doc", docProps{Title: "A"})
	_, err := h.handle(domain.Command{Event: ev("doc", "create"), Params: docProps{}})
	require.Error(t, err)
	_, err = h.svc.Handle(context.Background(), domain.Command{Event: ev("doc", "create"), Params: docProps{Title: "B"}},
		domain.CommandContext{}, domain.Options{DryRun: true})
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"doc.create:committed", "doc.create:rejected", "doc.create:dry_run"}, m.commands)
	assert.Equal(t, 1, m.models)
}

func TestPrometheusRecorderWiresIntoService(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	h := newHarness(t, WithMetrics(rec))
	h.create(t, "doc", docProps{Title: "A"})
	h.create(t, "doc", docProps{Title: "B"})

	expected := `
# HELP klerk_models Live models in the cache
# TYPE klerk_models gauge
klerk_models 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "klerk_models"))
	count, err := testutil.GatherAndCount(reg, "klerk_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandleEmitsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	h := newHarness(t, WithTracer(tp.Tracer("test")))

	id := h.create(t, "doc", docProps{Title: "A"})
	_, err := h.handle(domain.Command{Event: ev("doc", "rename"), Model: id, Params: noteProps{}})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "klerk.handle", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("klerk.event", "doc.create"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("klerk.primary_model", int(id)))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.Int("klerk.model", int(id)))
}

func TestRejectionsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newHarness(t, WithLogger(logger))
	_, err := h.handle(domain.Command{Event: ev("doc", "create"), Params: docProps{}})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "command rejected")
	assert.Contains(t, buf.String(), "event=doc.create")
}

func TestJobsRunAfterCommit(t *testing.T) {
	var mu sync.Mutex
	var statuses []string
	runner := jobs.New(jobs.Config{Workers: 1}, jobs.WithStatusHook(func(s string) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	}))
	h := newHarness(t, WithJobRunner(runner))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	res, err := h.handle(domain.Command{Event: ev("lease", "create"), Params: leaseProps{Holder: "ops"}})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, "notify", res.Jobs[0].Name)
	assert.Equal(t, res.PrimaryModel, res.Jobs[0].ModelID)

	runner.Wait()
	assert.Contains(t, h.rec.list(), "job:notify")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{jobs.StatusSucceeded}, statuses)

	entries, err := h.svc.AuditLog(context.Background(), domain.AuditFilter{ModelID: res.PrimaryModel})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, []string{"notify"}, entries[0].Jobs)
}

func TestFullJobQueueDoesNotStallHandle(t *testing.T) {
	var mu sync.Mutex
	var statuses []string
	runner := jobs.New(jobs.Config{Workers: 1, QueueSize: 1}, jobs.WithLogger(logging.Discard()), jobs.WithStatusHook(func(s string) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	}))
	h := newHarness(t, WithJobRunner(runner))

	h.create(t, "lease", leaseProps{Holder: "a"})
	done := make(chan error, 1)
	go func() {
		_, err := h.handle(domain.Command{Event: ev("lease", "create"), Params: leaseProps{Holder: "b"}})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on a full job queue")
	}
	assert.Len(t, h.models(), 2)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{jobs.StatusDropped}, statuses)
}
