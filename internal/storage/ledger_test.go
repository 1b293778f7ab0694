package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	gormlogger "gorm.io/gorm/logger"

	"netlens/internal/ctxkeys"
	"netlens/internal/export"
	"netlens/internal/logger"
	"netlens/pkg/domain"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Options{DSN: filepath.Join(t.TempDir(), "ledger.sqlite3"), Prefix: "netlens_"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedgerLifecycle(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, l.Begin(ctx, export.Job{ID: "j1", SessionID: "tab-1", Path: "/tmp/a.jsonl", Streaming: true, Total: 10, StartedAt: start}))
	require.NoError(t, l.Begin(ctx, export.Job{ID: "j2", SessionID: "tab-2", Total: 3, StartedAt: start.Add(time.Minute)}))

	job, err := l.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.ExportRunning), job.Status)
	assert.True(t, job.Streaming)
	assert.Nil(t, job.FinishedAt)

	require.NoError(t, l.Finish(ctx, "j1", domain.ExportCancelled, 4, ""))
	job, err = l.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.ExportCancelled), job.Status)
	assert.Equal(t, 4, job.Written)
	assert.NotNil(t, job.FinishedAt)

	all, err := l.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "j2", all[0].ID)

	only, err := l.List(ctx, "tab-1", 10)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "j1", only[0].ID)
}

func TestLedgerNotFound(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, export.ErrExportNotFound)
	assert.ErrorIs(t, l.Finish(context.Background(), "missing", domain.ExportFailed, 0, "x"), export.ErrExportNotFound)
}

func TestLedgerBacksExportManager(t *testing.T) {
	l := openTestLedger(t)
	m := export.NewManager(export.Config{Dir: t.TempDir(), Ledger: l})
	id, err := m.ExportSession(context.Background(), export.SessionRequest{
		SessionID: "tab-1",
		Exchanges: []domain.CapturedExchange{{ID: 1, Method: "GET", FullURL: "https://a.test/"}},
	})
	require.NoError(t, err)
	m.Wait()

	job, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ExportCompleted), job.Status)
	assert.Equal(t, 1, job.Written)
}

func TestGormLoggerCarriesTraceID(t *testing.T) {
	var buf bytes.Buffer
	gl := NewGormLogger(logger.NewWithWriter(&buf, "debug")).LogMode(gormlogger.Info)
	ctx := context.WithValue(context.Background(), ctxkeys.TraceIDKey{}, "job-7")
	ctx = context.WithValue(ctx, ctxkeys.SessionIDKey{}, "tab-1")

	gl.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	line := buf.String()
	assert.Equal(t, "job-7", gjson.Get(line, "traceId").String())
	assert.Equal(t, "tab-1", gjson.Get(line, "session").String())
	assert.Equal(t, "SELECT 1", gjson.Get(line, "sql").String())

	buf.Reset()
	NewGormLogger(logger.NewWithWriter(&buf, "debug")).LogMode(gormlogger.Silent).
		Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	assert.Empty(t, buf.String())
}
