package replay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"netlens/internal/capture"
	"netlens/internal/config"
	"netlens/pkg/domain"
	"netlens/pkg/traffic"
)

const sid domain.SessionID = "tab-1"

type call struct {
	req      *traffic.Request
	cid      string
	modified bool
}

type fakeRecorder struct {
	mu        sync.Mutex
	requests  []call
	responses map[string]*traffic.Response
	failures  map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{responses: map[string]*traffic.Response{}, failures: map[string]string{}}
}

func (f *fakeRecorder) RecordReplayRequest(_ domain.SessionID, req *traffic.Request, cid string, modified bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, call{req: req, cid: cid, modified: modified})
}

func (f *fakeRecorder) RecordResponseByCorrelation(_ domain.SessionID, cid string, resp *traffic.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cid] = resp
}

func (f *fakeRecorder) SetReplayFailed(cid, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[cid] = msg
}

type seen struct {
	method  string
	headers http.Header
	body    string
}

func echoServer(t *testing.T) (*httptest.Server, chan seen) {
	t.Helper()
	ch := make(chan seen, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ch <- seen{method: r.Method, headers: r.Header.Clone(), body: string(b)}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func TestReplayModifiedUserAgent(t *testing.T) {
	srv, got := echoServer(t)
	store := capture.New(capture.Config{SessionID: sid})
	engine := New(Config{Session: sid, Recorder: store, Client: NewClient(config.ReplayConfig{})})

	original := domain.CapturedExchange{
		Method:         "GET",
		FullURL:        srv.URL + "/pixel?id=1",
		RequestHeaders: map[string]string{"user-agent": "Original/1.0", "accept": "*/*"},
	}
	ok := engine.Replay(context.Background(), original, &Options{
		Headers: map[string]string{"User-Agent": "Replayer/2.0"},
	})
	require.True(t, ok)

	s := <-got
	assert.Equal(t, "Replayer/2.0", s.headers.Get("User-Agent"))
	assert.Equal(t, "*/*", s.headers.Get("Accept"))

	snap := store.Snapshot()
	require.Len(t, snap, 1)
	ex := snap[0]
	assert.True(t, ex.IsReplay)
	assert.True(t, ex.IsModifiedReplay)
	assert.Equal(t, "Replayer/2.0", ex.RequestHeaders["user-agent"])
	assert.Equal(t, http.StatusCreated, ex.StatusCode)
	assert.Equal(t, "application/json", ex.ContentType)
	assert.Equal(t, int64(len(`{"ok":true}`)), ex.ResponseSize)
	assert.Equal(t, "a=1\nb=2", ex.ResponseHeaders["set-cookie"])
	assert.Empty(t, ex.ReplayFailureMessage)
}

func TestReplayUnmodifiedKeepsFlagFalse(t *testing.T) {
	srv, _ := echoServer(t)
	rec := newFakeRecorder()
	engine := New(Config{Session: sid, Recorder: rec})

	require.True(t, engine.Replay(context.Background(), domain.CapturedExchange{Method: "GET", FullURL: srv.URL}, nil))
	require.Len(t, rec.requests, 1)
	assert.False(t, rec.requests[0].modified)
	assert.NotEmpty(t, rec.requests[0].cid)
	assert.Contains(t, rec.responses, rec.requests[0].cid)
}

func TestReplayReservedOnlyOverridesAreNotModifications(t *testing.T) {
	srv, got := echoServer(t)
	rec := newFakeRecorder()
	engine := New(Config{Session: sid, Recorder: rec})

	ok := engine.Replay(context.Background(), domain.CapturedExchange{Method: "GET", FullURL: srv.URL}, &Options{
		Headers: map[string]string{"Host": "evil.test", "Content-Length": "3", ":authority": "x"},
	})
	require.True(t, ok)
	s := <-got
	assert.Empty(t, s.headers.Get("Content-Length"))
	require.Len(t, rec.requests, 1)
	assert.False(t, rec.requests[0].modified)
	assert.Equal(t, 0, appliedOverrides(map[string]string{"Host": "x", "TE": "trailers"}))
	assert.Equal(t, 1, appliedOverrides(map[string]string{"Host": "x", "X-Debug": "1"}))
}

func TestReplayInvalidTarget(t *testing.T) {
	for _, raw := range []string{"/relative/path", "ftp://a.test/file", "not a url", "https://"} {
		t.Run(raw, func(t *testing.T) {
			rec := newFakeRecorder()
			engine := New(Config{Session: sid, Recorder: rec})
			ok := engine.Replay(context.Background(), domain.CapturedExchange{Method: "GET", FullURL: raw}, nil)
			assert.False(t, ok)
			require.Len(t, rec.requests, 1)
			cid := rec.requests[0].cid
			assert.Contains(t, rec.failures[cid], "invalid replay target")
			assert.Empty(t, rec.responses)
		})
	}
}

func TestReplayTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	store := capture.New(capture.Config{SessionID: sid})
	engine := New(Config{Session: sid, Recorder: store, Client: &http.Client{Timeout: 2 * time.Second}})
	ok := engine.Replay(context.Background(), domain.CapturedExchange{Method: "GET", FullURL: target}, nil)
	assert.False(t, ok)

	snap := store.Snapshot()
	require.Len(t, snap, 1)
	assert.NotEmpty(t, snap[0].ReplayFailureMessage)
	assert.Equal(t, 0, snap[0].StatusCode)
}

func TestReplayStripsReservedHeaders(t *testing.T) {
	srv, got := echoServer(t)
	rec := newFakeRecorder()
	engine := New(Config{Session: sid, Recorder: rec})

	ok := engine.Replay(context.Background(), domain.CapturedExchange{
		Method:  "GET",
		FullURL: srv.URL,
		RequestHeaders: map[string]string{
			"host":           "evil.test",
			"content-length": "999",
			":authority":     "a.test",
			"x-trace":        "1",
		},
	}, &Options{Headers: map[string]string{"Connection": "close", "Transfer-Encoding": "chunked"}})
	require.True(t, ok)

	s := <-got
	assert.Equal(t, "1", s.headers.Get("X-Trace"))
	assert.Empty(t, s.headers.Get("Transfer-Encoding"))
	h := rec.requests[0].req.Headers
	assert.False(t, h.Has("host"))
	assert.False(t, h.Has(":authority"))
	assert.False(t, h.Has("connection"))
}

func TestReplayBodyOnlyForBodyMethods(t *testing.T) {
	srv, got := echoServer(t)
	rec := newFakeRecorder()
	engine := New(Config{Session: sid, Recorder: rec})
	body := `{"name":"x"}`

	require.True(t, engine.Replay(context.Background(), domain.CapturedExchange{
		Method: "GET", FullURL: srv.URL, RequestBody: "captured",
	}, &Options{Body: &body}))
	s := <-got
	assert.Empty(t, s.body)
	assert.False(t, rec.requests[0].modified)

	require.True(t, engine.Replay(context.Background(), domain.CapturedExchange{
		Method: "POST", FullURL: srv.URL, RequestBody: `{"name":"old"}`,
	}, &Options{Body: &body}))
	s = <-got
	assert.Equal(t, body, s.body)
	assert.True(t, rec.requests[1].modified)
}

func TestReplayJSONPatch(t *testing.T) {
	srv, got := echoServer(t)
	rec := newFakeRecorder()
	engine := New(Config{Session: sid, Recorder: rec})

	require.True(t, engine.Replay(context.Background(), domain.CapturedExchange{
		Method:      "PUT",
		FullURL:     srv.URL,
		RequestBody: `{"user":{"id":1,"role":"guest"}}`,
	}, &Options{JSONPatch: map[string]any{"user.role": "admin", "extra": 3}}))

	s := <-got
	assert.Equal(t, "admin", gjson.Get(s.body, "user.role").String())
	assert.Equal(t, int64(1), gjson.Get(s.body, "user.id").Int())
	assert.Equal(t, int64(3), gjson.Get(s.body, "extra").Int())
	assert.True(t, rec.requests[0].modified)
}

func TestReplayManySequentialWithProgress(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	engine := New(Config{Session: sid, Recorder: rec})
	exchanges := []domain.CapturedExchange{
		{Method: "GET", FullURL: srv.URL + "/1"},
		{Method: "GET", FullURL: "mailto:x@a.test"},
		{Method: "GET", FullURL: srv.URL + "/3"},
	}

	var progress [][2]int
	n := engine.ReplayMany(context.Background(), exchanges, nil, func(cur, total int) {
		progress = append(progress, [2]int{cur, total})
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, progress)
	assert.Equal(t, 1, maxInFlight)
	assert.Len(t, rec.failures, 1)
}

func TestReplayManyStopsOnCancel(t *testing.T) {
	srv, _ := echoServer(t)
	rec := newFakeRecorder()
	engine := New(Config{Session: sid, Recorder: rec, RatePerSecond: 1})

	ctx, cancel := context.WithCancel(context.Background())
	exchanges := []domain.CapturedExchange{
		{Method: "GET", FullURL: srv.URL},
		{Method: "GET", FullURL: srv.URL},
		{Method: "GET", FullURL: srv.URL},
	}
	n := engine.ReplayMany(ctx, exchanges, nil, func(cur, _ int) {
		if cur == 1 {
			cancel()
		}
	})
	assert.Equal(t, 1, n)
	assert.Len(t, rec.requests, 1)
}

func TestMergeHeadersOverridesWin(t *testing.T) {
	h := MergeHeaders(
		map[string]string{"Accept": "text/html", "cookie": "sid=1"},
		map[string]string{"accept": "application/json", "Upgrade": "h2c"},
	)
	assert.Equal(t, traffic.Header{"accept": "application/json", "cookie": "sid=1"}, h)
}

func TestCarriesBody(t *testing.T) {
	for _, m := range []string{"POST", "put", "PATCH"} {
		assert.True(t, CarriesBody(m), m)
	}
	for _, m := range []string{"GET", "HEAD", "DELETE", "OPTIONS"} {
		assert.False(t, CarriesBody(m), m)
	}
}
