package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"netlens/pkg/domain"
)

var exportedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(n int) []domain.CapturedExchange {
	out := make([]domain.CapturedExchange, n)
	for i := range out {
		out[i] = domain.CapturedExchange{
			ID:             int64(i + 1),
			CorrelationID:  "c-" + string(rune('a'+i%26)),
			Method:         "GET",
			FullURL:        "https://a.test/x",
			Domain:         "a.test",
			Path:           "/x",
			StatusCode:     200,
			RiskScore:      42,
			RiskLevel:      domain.RiskMedium,
			RequestHeaders: map[string]string{"accept": "*/*"},
		}
	}
	return out
}

func TestCanReplay(t *testing.T) {
	for _, m := range []string{"GET", "head", "OPTIONS", "POST", "PUT", "PATCH", "DELETE"} {
		assert.True(t, CanReplay(m), m)
	}
	for _, m := range []string{"CONNECT", "TRACE", ""} {
		assert.False(t, CanReplay(m), m)
	}
}

func TestWriteDocumentShape(t *testing.T) {
	exs := sample(2)
	exs[1].Method = "CONNECT"
	exs[1].IsModifiedReplay = true
	m := &domain.TrafficMetrics{TotalRequests: 2}

	var buf bytes.Buffer
	require.NoError(t, WriteDocument(&buf, BuildDocument(exs, Meta{
		ExportID: "e1", ExportedAt: exportedAt, SessionTabID: "tab-1", FullSession: true, Metrics: m,
	})))

	js := buf.String()
	assert.Equal(t, "1.0", gjson.Get(js, "version").String())
	assert.Equal(t, "e1", gjson.Get(js, "export_id").String())
	assert.Equal(t, "tab-1", gjson.Get(js, "session_tab_id").String())
	assert.True(t, gjson.Get(js, "full_session").Bool())
	assert.Equal(t, int64(2), gjson.Get(js, "requests.#").Int())
	assert.True(t, gjson.Get(js, "requests.0.replay.can_replay").Bool())
	assert.False(t, gjson.Get(js, "requests.1.replay.can_replay").Bool())
	assert.True(t, gjson.Get(js, "requests.1.replay.modified_replay").Bool())
	assert.Equal(t, "*/*", gjson.Get(js, "requests.0.request_headers.accept").String())
	assert.Equal(t, int64(2), gjson.Get(js, "session_metrics.total_requests").Int())
}

func TestDocumentOmitsOptionalFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDocument(&buf, BuildDocument(nil, Meta{ExportID: "e"})))
	js := buf.String()
	assert.False(t, gjson.Get(js, "session_tab_id").Exists())
	assert.False(t, gjson.Get(js, "session_metrics").Exists())
	assert.Equal(t, int64(0), gjson.Get(js, "requests.#").Int())
}

func TestStreamLinesAndProgress(t *testing.T) {
	exs := sample(1201)
	var buf bytes.Buffer
	var progress []int
	n, status, err := Stream(context.Background(), &buf, exs, StreamOptions{
		Meta:     Meta{ExportID: "s1", ExportedAt: exportedAt, FullSession: true, Metrics: &domain.TrafficMetrics{TotalRequests: 1201}},
		Progress: func(written, total int) { progress = append(progress, written) },
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExportCompleted, status)
	assert.Equal(t, 1201, n)
	assert.Equal(t, []int{500, 1000, 1201}, progress)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1202)
	assert.Equal(t, int64(1201), gjson.Get(lines[0], "request_count").Int())
	assert.Equal(t, "s1", gjson.Get(lines[0], "export_id").String())
	assert.Equal(t, int64(1201), gjson.Get(lines[0], "session_metrics.total_requests").Int())
	assert.Equal(t, int64(1), gjson.Get(lines[1], "id").Int())
	assert.True(t, gjson.Get(lines[1], "replay.can_replay").Bool())
}

func TestStreamGzip(t *testing.T) {
	var buf bytes.Buffer
	_, status, err := Stream(context.Background(), &buf, sample(3), StreamOptions{Gzip: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ExportCompleted, status)

	zr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	sc := bufio.NewScanner(zr)
	count := 0
	for sc.Scan() {
		assert.True(t, json.Valid(sc.Bytes()))
		count++
	}
	assert.Equal(t, 4, count)
}

func TestStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	n, status, err := Stream(ctx, &buf, sample(2000), StreamOptions{
		ProgressEvery: 100,
		Progress: func(written, _ int) {
			if written == 300 {
				cancel()
			}
		},
	})
	assert.Equal(t, domain.ExportCancelled, status)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 300, n)
	assert.Equal(t, 301, strings.Count(buf.String(), "\n"))
}

type failingWriter struct{ after int }

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("disk full")
	}
	f.after--
	return len(p), nil
}

func TestStreamIOFailure(t *testing.T) {
	_, status, err := Stream(context.Background(), &failingWriter{}, sample(10), StreamOptions{})
	assert.Equal(t, domain.ExportFailed, status)
	assert.ErrorContains(t, err, "disk full")
}

type memLedger struct {
	mu       sync.Mutex
	begun    []Job
	finished map[string]domain.ExportStatus
}

func (l *memLedger) Begin(_ context.Context, job Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.begun = append(l.begun, job)
	return nil
}

func (l *memLedger) Finish(_ context.Context, id string, status domain.ExportStatus, _ int, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished == nil {
		l.finished = map[string]domain.ExportStatus{}
	}
	l.finished[id] = status
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.ExportEvent
}

func (e *eventLog) add(ev domain.ExportEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) last() domain.ExportEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[len(e.events)-1]
}

func TestManagerAutoSelectsStreaming(t *testing.T) {
	dir := t.TempDir()
	ledger := &memLedger{}
	events := &eventLog{}
	m := NewManager(Config{Dir: dir, StreamingThreshold: 5, Ledger: ledger, Notify: events.add})

	small, err := m.ExportSession(context.Background(), SessionRequest{SessionID: "tab-1", Exchanges: sample(3), FullSession: true})
	require.NoError(t, err)
	big, err := m.ExportSession(context.Background(), SessionRequest{SessionID: "tab-1", Exchanges: sample(6), FullSession: true})
	require.NoError(t, err)
	m.Wait()

	require.Len(t, ledger.begun, 2)
	byID := map[string]Job{}
	for _, j := range ledger.begun {
		byID[j.ID] = j
	}
	assert.False(t, byID[small].Streaming)
	assert.True(t, byID[big].Streaming)
	assert.Equal(t, ".json", filepath.Ext(byID[small].Path))
	assert.Equal(t, ".jsonl", filepath.Ext(byID[big].Path))
	assert.Equal(t, domain.ExportCompleted, ledger.finished[small])
	assert.Equal(t, domain.ExportCompleted, ledger.finished[big])

	data, err := os.ReadFile(byID[small].Path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), gjson.GetBytes(data, "requests.#").Int())
	assert.Equal(t, "tab-1", gjson.GetBytes(data, "session_tab_id").String())
	assert.Equal(t, 0, m.Running())
}

func TestManagerCancel(t *testing.T) {
	events := &eventLog{}
	m := NewManager(Config{Dir: t.TempDir(), Notify: events.add})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 父 ctx 的取消不影响后台任务
	id, err := m.ExportSession(ctx, SessionRequest{Exchanges: sample(10), Mode: ModeStreaming})
	require.NoError(t, err)
	m.Wait()
	assert.Equal(t, domain.ExportCompleted, events.last().Status)

	assert.ErrorIs(t, m.Cancel(id), ErrExportNotFound)
	assert.ErrorIs(t, m.Cancel("nope"), ErrExportNotFound)
}

func TestManagerFailureReported(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	events := &eventLog{}
	ledger := &memLedger{}
	m := NewManager(Config{Dir: filepath.Join(blocker, "sub"), Notify: events.add, Ledger: ledger})
	id, err := m.ExportSession(context.Background(), SessionRequest{Exchanges: sample(1)})
	require.NoError(t, err)
	m.Wait()

	last := events.last()
	assert.Equal(t, domain.ExportFailed, last.Status)
	assert.NotEmpty(t, last.Error)
	assert.Equal(t, domain.ExportFailed, ledger.finished[id])
}

func TestExportExchange(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Config{Dir: dir, Now: func() time.Time { return exportedAt }})
	path, err := m.ExportExchange(sample(1)[0], "tab-9", "")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tab-9", gjson.GetBytes(data, "session_tab_id").String())
	assert.False(t, gjson.GetBytes(data, "full_session").Bool())
	assert.Equal(t, exportedAt.Format(time.RFC3339), gjson.GetBytes(data, "exported_at").String())
}
