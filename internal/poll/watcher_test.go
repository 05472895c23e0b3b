package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pixelmuse/go-studio/internal/genevent"
	"github.com/pixelmuse/go-studio/internal/stream"
)

// scriptedClient 依序返回预置的轮询结果, 用尽后重复最后一个。
type scriptedClient struct {
	mu      sync.Mutex
	script  []pollResult
	calls   int
	gotJob  string
	lastCtx context.Context
}

type pollResult struct {
	ev  *genevent.StatusEvent
	err error
}

func (c *scriptedClient) JobStatus(ctx context.Context, jobID string) (*genevent.StatusEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.gotJob = jobID
	c.lastCtx = ctx
	idx := c.calls - 1
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	r := c.script[idx]
	return r.ev, r.err
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now() }
func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func progressEv(jobID string, p float64) *genevent.StatusEvent {
	return &genevent.StatusEvent{RequestID: jobID, Status: genevent.StatusProgress, Progress: &p}
}

func collectHandlers(events chan genevent.StatusEvent) stream.Handlers {
	return stream.Handlers{
		OnProgress: func(ev genevent.StatusEvent) { events <- ev },
		OnSuccess:  func(ev genevent.StatusEvent) { events <- ev },
		OnError:    func(ev genevent.StatusEvent) { events <- ev },
	}
}

func waitFor(t *testing.T, ch <-chan genevent.StatusEvent) genevent.StatusEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for poll event")
		return genevent.StatusEvent{}
	}
}

// ─── 正常收敛 ───

func TestWatcher_ProgressThenSuccess(t *testing.T) {
	client := &scriptedClient{script: []pollResult{
		{ev: progressEv("job-1", 0.2)},
		{ev: progressEv("job-1", 0.8)},
		{ev: &genevent.StatusEvent{RequestID: "job-1", Status: genevent.StatusOK,
			Images: []genevent.ImageRef{{URL: "u1"}, {URL: "u2"}}}},
	}}
	events := make(chan genevent.StatusEvent, 16)

	w := NewWatcher(client, "job-1", collectHandlers(events), WithClock(instantClock{}))
	stop := w.Start(context.Background())
	defer stop()

	ev := waitFor(t, events)
	if ev.Status != genevent.StatusProgress || *ev.Progress != 0.2 {
		t.Errorf("first event = %+v", ev)
	}
	ev = waitFor(t, events)
	if ev.Status != genevent.StatusProgress || *ev.Progress != 0.8 {
		t.Errorf("second event = %+v", ev)
	}
	ev = waitFor(t, events)
	if ev.Status != genevent.StatusOK || len(ev.Images) != 2 {
		t.Errorf("terminal event = %+v", ev)
	}

	// 终态后自动停止: 不应有第四次轮询
	time.Sleep(50 * time.Millisecond)
	if got := client.callCount(); got != 3 {
		t.Errorf("calls = %d, want 3 (stop after terminal)", got)
	}
}

func TestWatcher_TerminalErrorStops(t *testing.T) {
	client := &scriptedClient{script: []pollResult{
		{ev: &genevent.StatusEvent{RequestID: "job-2", Status: genevent.StatusError, Message: "nsfw rejected"}},
	}}
	events := make(chan genevent.StatusEvent, 16)

	w := NewWatcher(client, "job-2", collectHandlers(events), WithClock(instantClock{}))
	stop := w.Start(context.Background())
	defer stop()

	ev := waitFor(t, events)
	if ev.Status != genevent.StatusError || ev.Message != "nsfw rejected" {
		t.Errorf("event = %+v", ev)
	}
	time.Sleep(50 * time.Millisecond)
	if got := client.callCount(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

// ─── 失败不触发提前停止 ───

func TestWatcher_TransientFailuresKeepPolling(t *testing.T) {
	client := &scriptedClient{script: []pollResult{
		{err: errors.New("502 bad gateway")},
		{err: errors.New("timeout")},
		{ev: nil}, // 不可识别响应体
		{ev: &genevent.StatusEvent{RequestID: "job-3", Status: genevent.StatusOK}},
	}}
	events := make(chan genevent.StatusEvent, 16)

	w := NewWatcher(client, "job-3", collectHandlers(events), WithClock(instantClock{}))
	stop := w.Start(context.Background())
	defer stop()

	ev := waitFor(t, events)
	if ev.Status != genevent.StatusOK {
		t.Errorf("event = %+v, want OK after transient failures", ev)
	}
	if got := client.callCount(); got != 4 {
		t.Errorf("calls = %d, want 4 (failures must not stop polling)", got)
	}
}

// ─── 超次 ───

func TestWatcher_MaxAttemptsTimesOut(t *testing.T) {
	client := &scriptedClient{script: []pollResult{
		{err: errors.New("unreachable")},
	}}
	events := make(chan genevent.StatusEvent, 16)

	w := NewWatcher(client, "job-4", collectHandlers(events),
		WithClock(instantClock{}), WithMaxAttempts(5))
	stop := w.Start(context.Background())
	defer stop()

	ev := waitFor(t, events)
	if ev.Status != genevent.StatusError {
		t.Errorf("timeout event = %+v, want ERROR", ev)
	}
	if ev.RequestID != "job-4" {
		t.Errorf("RequestID = %q, want job-4", ev.RequestID)
	}
	if ev.Message == "" {
		t.Error("timeout event should carry a message")
	}
	if got := client.callCount(); got != 5 {
		t.Errorf("calls = %d, want exactly maxAttempts=5", got)
	}
}

// ─── stop ───

func TestWatcher_StopCancelsLoop(t *testing.T) {
	client := &scriptedClient{script: []pollResult{
		{ev: progressEv("job-5", 0.1)},
	}}
	events := make(chan genevent.StatusEvent, 64)

	// 真实时钟 + 短间隔: stop 后不应再有新轮询
	w := NewWatcher(client, "job-5", collectHandlers(events), WithInterval(10*time.Millisecond))
	stop := w.Start(context.Background())

	waitFor(t, events)
	stop()
	time.Sleep(30 * time.Millisecond)
	after := client.callCount()
	time.Sleep(50 * time.Millisecond)
	if got := client.callCount(); got != after {
		t.Errorf("calls kept growing after stop: %d → %d", after, got)
	}

	// stop 幂等
	stop()
}
