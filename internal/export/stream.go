package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"netlens/pkg/domain"
)

// StreamOptions 流式导出选项
type StreamOptions struct {
	Meta
	Gzip          bool
	ProgressEvery int
	Progress      func(written, total int)
}

// Stream 写出一行首部，随后每条记录一行。ctx 取消后停止写入并返回 ExportCancelled，
// 已写出的内容保持原样。
func Stream(ctx context.Context, w io.Writer, exchanges []domain.CapturedExchange, opts StreamOptions) (int, domain.ExportStatus, error) {
	every := opts.ProgressEvery
	if every <= 0 {
		every = 500
	}
	total := len(exchanges)

	var gz *gzip.Writer
	out := w
	if opts.Gzip {
		gz = gzip.NewWriter(w)
		out = gz
	}
	buf := bufio.NewWriterSize(out, 64*1024)
	enc := json.NewEncoder(buf)

	finish := func(written int, status domain.ExportStatus, err error) (int, domain.ExportStatus, error) {
		ferr := buf.Flush()
		if gz != nil {
			if cerr := gz.Close(); ferr == nil {
				ferr = cerr
			}
		}
		if err == nil && ferr != nil {
			return written, domain.ExportFailed, fmt.Errorf("flush export: %w", ferr)
		}
		return written, status, err
	}

	header := StreamHeader{
		Version:        SchemaVersion,
		ExportID:       opts.ExportID,
		ExportedAt:     opts.ExportedAt.UTC(),
		FullSession:    opts.FullSession,
		RequestCount:   total,
		SessionMetrics: opts.Metrics,
	}
	if err := enc.Encode(header); err != nil {
		return finish(0, domain.ExportFailed, fmt.Errorf("write header: %w", err))
	}

	for i, ex := range exchanges {
		if err := ctx.Err(); err != nil {
			return finish(i, domain.ExportCancelled, err)
		}
		if err := enc.Encode(NewRecord(ex)); err != nil {
			return finish(i, domain.ExportFailed, fmt.Errorf("write record %d: %w", ex.ID, err))
		}
		if n := i + 1; n%every == 0 && opts.Progress != nil {
			opts.Progress(n, total)
		}
	}
	if opts.Progress != nil && total%every != 0 {
		opts.Progress(total, total)
	}
	return finish(total, domain.ExportCompleted, nil)
}
