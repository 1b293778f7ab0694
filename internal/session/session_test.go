package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netlens/internal/config"
	"netlens/internal/export"
	"netlens/pkg/domain"
	"netlens/pkg/traffic"
)

type fakeHost struct {
	mu       sync.Mutex
	released int
	closed   bool
}

func (h *fakeHost) ReleaseHeld(context.Context) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
	return 0
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func testDeps(t *testing.T) Deps {
	cfg := config.NewConfig()
	cfg.Export.Dir = t.TempDir()
	return Deps{Config: cfg}
}

func TestSessionEndToEnd(t *testing.T) {
	s := New("tab-1", testDeps(t))
	s.SetPageURL("https://b.test/")

	var mu sync.Mutex
	var added, updated []domain.CapturedExchange
	var alerts []domain.Alert
	s.Subscribe(Subscriber{
		Added:   func(b []domain.CapturedExchange) { mu.Lock(); added = append(added, b...); mu.Unlock() },
		Updated: func(b []domain.CapturedExchange) { mu.Lock(); updated = append(updated, b...); mu.Unlock() },
		Alert:   func(a domain.Alert) { mu.Lock(); alerts = append(alerts, a); mu.Unlock() },
	})

	req := traffic.NewRequest()
	req.URL = "https://a.test/px"
	req.Method = "GET"
	req.PageURL = s.PageURL()
	req.TrackerLabel = "adnet"
	req.TrackerConfidence = 0.9
	s.Store.RecordRequest("tab-1", req)

	resp := traffic.NewResponse()
	resp.URL = req.URL
	resp.StatusCode = 200
	s.Store.RecordResponse("tab-1", resp)
	s.Dispatcher.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, added, 1)
	require.Len(t, updated, 1)
	assert.Equal(t, 200, updated[0].StatusCode)
	require.Len(t, alerts, 2)
	assert.Equal(t, domain.RiskHigh, alerts[0].Level)
}

func TestSessionPauseNotifiesAndReleasesHost(t *testing.T) {
	s := New("tab-1", testDeps(t))
	host := &fakeHost{}
	s.AttachHost(host)

	var states []domain.PauseState
	s.Subscribe(Subscriber{PauseState: func(st domain.PauseState) { states = append(states, st) }})

	s.Gate.Pause()
	s.Gate.Pause()
	s.Gate.Resume()
	s.Gate.Resume()

	assert.Equal(t, []domain.PauseState{domain.StatePaused, domain.StateCapturing}, states)
	assert.Equal(t, 1, host.released)

	require.NoError(t, s.Close())
	assert.True(t, host.closed)
	require.NoError(t, s.Close())
}

func TestSessionClearNotifies(t *testing.T) {
	s := New("tab-1", testDeps(t))
	cleared := 0
	unsubscribe := s.Subscribe(Subscriber{Cleared: func() { cleared++ }})

	req := traffic.NewRequest()
	req.URL = "https://a.test/"
	s.Store.RecordRequest("tab-1", req)
	s.Signals.RecordAPI("a.test", "canvas.toDataURL")
	s.Clear()

	assert.Equal(t, 0, s.Store.Len())
	assert.Nil(t, s.Signals.For("a.test"))
	assert.Equal(t, 1, cleared)

	unsubscribe()
	s.Clear()
	assert.Equal(t, 1, cleared)
}

func TestSessionExportEventsReachSubscribers(t *testing.T) {
	s := New("tab-1", testDeps(t))
	done := make(chan domain.ExportEvent, 8)
	s.Subscribe(Subscriber{Export: func(ev domain.ExportEvent) {
		if ev.Status != domain.ExportRunning {
			done <- ev
		}
	}})

	_, err := s.Exports.ExportSession(context.Background(), export.SessionRequest{
		SessionID: string(s.ID),
		Exchanges: s.Store.Snapshot(),
	})
	require.NoError(t, err)
	select {
	case ev := <-done:
		assert.Equal(t, domain.ExportCompleted, ev.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("export did not finish")
	}
}

func TestManagerReplacesAndDeletes(t *testing.T) {
	m := NewManager(testDeps(t))
	first := m.Create(context.Background(), "tab-1")
	second := m.Create(context.Background(), "tab-1")
	assert.True(t, first.Store.Disposed())

	got, ok := m.Get("tab-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Len(t, m.List(), 1)

	require.NoError(t, m.Delete("tab-1"))
	_, ok = m.Get("tab-1")
	assert.False(t, ok)
	assert.True(t, second.Store.Disposed())
	assert.NoError(t, m.Delete("tab-1"))
}
