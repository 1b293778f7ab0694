package cdp

import (
	"context"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/tidwall/gjson"
)

const signalBinding = "__netlensSignal"

// signalProbeScript 包装常见指纹 API，调用时上报脚本来源域名与 API 名称
const signalProbeScript = `(() => {
  const report = (api) => {
    try {
      let host = location.hostname;
      const m = (new Error().stack || '').match(/https?:\/\/([^\/:\s]+)/g);
      if (m && m.length > 1) { host = m[m.length - 1].replace(/^https?:\/\//, ''); }
      window.` + signalBinding + `(JSON.stringify({host, api}));
    } catch (e) {}
  };
  const wrap = (obj, name, api) => {
    if (!obj || typeof obj[name] !== 'function') return;
    const orig = obj[name];
    obj[name] = function (...args) { report(api); return orig.apply(this, args); };
  };
  wrap(HTMLCanvasElement.prototype, 'toDataURL', 'canvas.toDataURL');
  wrap(CanvasRenderingContext2D.prototype, 'getImageData', 'canvas.getImageData');
  wrap(WebGLRenderingContext.prototype, 'getParameter', 'webgl.getParameter');
  wrap(window.AudioContext && AudioContext.prototype, 'createOscillator', 'audio.createOscillator');
  wrap(window.OfflineAudioContext && OfflineAudioContext.prototype, 'startRendering', 'audio.startRendering');
  wrap(navigator.mediaDevices, 'enumerateDevices', 'mediaDevices.enumerateDevices');
})();`

// workerPool 限制并发处理拦截事件的数量
type workerPool struct {
	workers int
	tasks   chan func()
	wg      sync.WaitGroup
	once    sync.Once
	stopped chan struct{}
}

func newWorkerPool(workers, queue int) *workerPool {
	if workers <= 0 {
		workers = 16
	}
	if queue <= 0 {
		queue = 1024
	}
	return &workerPool{workers: workers, tasks: make(chan func(), queue), stopped: make(chan struct{})}
}

func (p *workerPool) start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				for {
					select {
					case task := <-p.tasks:
						task()
					case <-p.stopped:
						return
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	})
}

// submit 非阻塞提交，队列满时返回 false
func (p *workerPool) submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *workerPool) stop() {
	select {
	case <-p.stopped:
	default:
		close(p.stopped)
	}
	p.wg.Wait()
}

// consume 持续接收拦截事件并按并发限制分发处理
func (m *Manager) consume(ctx context.Context, rp fetch.RequestPausedClient) {
	defer m.wg.Done()
	defer rp.Close()

	m.log.Info("开始消费拦截事件流")
	for {
		ev, err := rp.Recv()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Err(err, "接收拦截事件失败")
			}
			return
		}
		m.dispatchPaused(ctx, ev)
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ctx context.Context, ev *fetch.RequestPausedReply) {
	if m.handler == nil {
		m.degradeAndContinue(ctx, ev, "未配置处理器")
		return
	}
	if !m.pool.submit(func() { m.handler.Handle(ctx, ev) }) {
		m.degradeAndContinue(ctx, ev, "并发队列已满")
	}
}

// degradeAndContinue 统一的降级处理：不记录，直接放行
func (m *Manager) degradeAndContinue(ctx context.Context, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "reason", reason, "requestID", ev.RequestID, "url", ev.Request.URL)
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	f := m.Fetcher()
	var err error
	if ev.ResponseStatusCode != nil {
		err = f.ContinueResponse(ctx, ev.RequestID)
	} else {
		err = f.ContinueRequest(ctx, ev.RequestID)
	}
	if err != nil {
		m.log.Err(err, "降级放行失败", "requestID", ev.RequestID)
	}
}

// consumeSignals 接收页面探针的上报
func (m *Manager) consumeSignals(calls runtime.BindingCalledClient) {
	defer m.wg.Done()
	defer calls.Close()
	for {
		ev, err := calls.Recv()
		if err != nil {
			return
		}
		if ev.Name != signalBinding {
			continue
		}
		host, api := parseSignal(ev.Payload)
		if host == "" || api == "" {
			continue
		}
		m.signals.RecordAPI(host, api)
	}
}

// parseSignal 解析探针上报的 JSON
func parseSignal(payload string) (host, api string) {
	if !gjson.Valid(payload) {
		return "", ""
	}
	r := gjson.GetMany(payload, "host", "api")
	return r[0].String(), r[1].String()
}
