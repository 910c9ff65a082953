package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"CsCallerServer/announcer"
	"CsCallerServer/detector"
	iface "CsCallerServer/interface"
	"CsCallerServer/logger"
	"CsCallerServer/mapper"
	"CsCallerServer/pipeline"
	"CsCallerServer/sources"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// stubSource 不产帧，只记录 Close
type stubSource struct {
	closed bool
}

func (s *stubSource) Read() (gocv.Mat, bool, error) {
	return gocv.Mat{}, false, nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

func newTestApp(t *testing.T) *appState {
	t.Helper()
	store, err := mapper.NewStore(t.TempDir())
	assert.NoError(t, err)
	ann, err := announcer.NewAnnouncer(announcer.ConsoleSink{}, time.Second, 2)
	assert.NoError(t, err)
	app := newAppState(detector.NewRedDotDetector(), mapper.NewCalloutMapper(nil), ann, store, 16, time.Second)
	// 测试不跑真实源
	app.buildSource = func(mode, sourceText string) (iface.FrameSource, error) {
		return &stubSource{}, nil
	}
	app.runProbe = func(sourceText string, timeout time.Duration) sources.ProbeResult {
		return sources.ProbeResult{Ok: true}
	}
	return app
}

func newTestRouter(app *appState) *gin.Engine {
	r := gin.New()
	app.registerRoutes(r)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	data := map[string]any{}
	if w.Body.Len() > 0 {
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
	}
	return w, data
}

func TestPingRoute(t *testing.T) {
	r := newTestRouter(newTestApp(t))
	w, data := doJSON(t, r, http.MethodGet, "/api/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", data["message"])
}

func TestStatusRoute_InitialState(t *testing.T) {
	r := newTestRouter(newTestApp(t))
	w, data := doJSON(t, r, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disconnected", data["state"])
	assert.Equal(t, false, data["connecting"])
	assert.Equal(t, float64(0), data["frames"])
}

func TestMapsRoute(t *testing.T) {
	app := newTestApp(t)
	_, err := app.store.Save(mapper.MapConfig{MapName: "de_test", Regions: []mapper.Region{
		{Name: "Mid", Polygon: [][]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}},
	}})
	assert.NoError(t, err)

	r := newTestRouter(app)
	w, data := doJSON(t, r, http.MethodGet, "/api/maps", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"de_test"}, data["data"])
}

func TestConnectRoute_Validation(t *testing.T) {
	r := newTestRouter(newTestApp(t))

	w, _ := doJSON(t, r, http.MethodPost, "/api/connect", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/connect", `{"source":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConnectRoute_Accepted(t *testing.T) {
	app := newTestApp(t)
	r := newTestRouter(app)

	w, data := doJSON(t, r, http.MethodPost, "/api/connect", `{"mode":"mock","source":"frame.png"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(1), data["attemptId"])

	// 连接是异步的，等到状态落定
	assert.Eventually(t, func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		return app.state == iface.Connected
	}, time.Second, 5*time.Millisecond)
}

func TestDoConnect_StaleResultDiscarded(t *testing.T) {
	app := newTestApp(t)
	stale := &stubSource{}
	a := app.tracker.Start()
	app.buildSource = func(mode, sourceText string) (iface.FrameSource, error) {
		// 打开过程中被新尝试顶掉
		app.tracker.Start()
		return stale, nil
	}

	app.doConnect(a, "mock", "frame.png")

	// 过期结果：句柄被释放，状态不被污染
	assert.True(t, stale.closed)
	app.mu.Lock()
	assert.Nil(t, app.session)
	app.mu.Unlock()
}

func TestDoConnect_CanceledBeforeOpen(t *testing.T) {
	app := newTestApp(t)
	built := false
	app.buildSource = func(mode, sourceText string) (iface.FrameSource, error) {
		built = true
		return &stubSource{}, nil
	}

	id := app.tracker.Start()
	app.tracker.Cancel()
	app.doConnect(id, "mock", "frame.png")

	// 取消后的尝试不应再打开源
	assert.False(t, built)
}

func TestDoConnect_ProbeFailure(t *testing.T) {
	app := newTestApp(t)
	app.runProbe = func(sourceText string, timeout time.Duration) sources.ProbeResult {
		return sources.ProbeResult{Ok: false, Error: "no matching source", TimedOut: true}
	}

	id := app.tracker.Start()
	app.doConnect(id, "ndi", "obs")

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Equal(t, iface.Failed, app.state)
	assert.Contains(t, app.lastError, "no matching source")
}

func TestConnectSwap_OldSourceClosedByRunLoop(t *testing.T) {
	app := newTestApp(t)
	first := &stubSource{}
	second := &stubSource{}
	next := first
	app.buildSource = func(mode, sourceText string) (iface.FrameSource, error) {
		src := next
		next = second
		return src, nil
	}

	app.doConnect(app.tracker.Start(), "mock", "a.png")
	app.mu.Lock()
	firstSess := app.session
	app.mu.Unlock()

	app.doConnect(app.tracker.Start(), "mock", "b.png")

	// 顶掉旧会话只发停止信号，Close 不在连接 goroutine 上发生
	assert.True(t, firstSess.stopped())
	assert.False(t, first.closed)
	app.mu.Lock()
	assert.Same(t, second, app.session.src)
	app.mu.Unlock()

	// tick goroutine 收尾两个会话
	close(app.runCh)
	app.runLoop(0)
	assert.True(t, first.closed)
	assert.True(t, second.closed)
}

func TestDisconnectRoute(t *testing.T) {
	app := newTestApp(t)
	src := &stubSource{}
	app.buildSource = func(mode, sourceText string) (iface.FrameSource, error) {
		return src, nil
	}
	app.doConnect(app.tracker.Start(), "mock", "frame.png")

	r := newTestRouter(app)
	w, _ := doJSON(t, r, http.MethodPost, "/api/disconnect", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// handler 只发停止信号，不直接 Close
	assert.False(t, src.closed)
	_, data := doJSON(t, r, http.MethodGet, "/api/status", "")
	assert.Equal(t, "disconnected", data["state"])

	close(app.runCh)
	app.runLoop(0)
	assert.True(t, src.closed)
}

func TestDisconnect_GateUntouchedOffTickGoroutine(t *testing.T) {
	store, err := mapper.NewStore(t.TempDir())
	assert.NoError(t, err)
	// cooldown=0：稳定后每帧都可播报，便于观察候选计数
	ann, err := announcer.NewAnnouncer(announcer.ConsoleSink{}, 0, 2)
	assert.NoError(t, err)
	app := newAppState(detector.NewRedDotDetector(), mapper.NewCalloutMapper(nil), ann, store, 16, time.Second)
	app.buildSource = func(mode, sourceText string) (iface.FrameSource, error) {
		return &stubSource{}, nil
	}
	app.doConnect(app.tracker.Start(), "mock", "frame.png")

	_, fired := ann.Process("Mid", true)
	assert.False(t, fired)

	// disconnect 不从外部 goroutine 复位门控，候选计数保留
	app.disconnect()
	_, fired = ann.Process("Mid", true)
	assert.True(t, fired)

	// 会话在 tick goroutine 收尾时才复位
	close(app.runCh)
	app.runLoop(0)
	_, fired = ann.Process("Mid", true)
	assert.False(t, fired)
}

// streamingSource 持续产帧直到被关闭
type streamingSource struct {
	mu     sync.Mutex
	closed bool
}

func (s *streamingSource) Read() (gocv.Mat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gocv.Mat{}, false, nil
	}
	return gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3), true, nil
}

func (s *streamingSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *streamingSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestTeardownWhileRunning(t *testing.T) {
	app := newTestApp(t)
	first := &streamingSource{}
	second := &streamingSource{}
	next := first
	app.buildSource = func(mode, sourceText string) (iface.FrameSource, error) {
		app.mu.Lock()
		defer app.mu.Unlock()
		src := next
		next = second
		return src, nil
	}

	go app.runLoop(0)
	t.Cleanup(func() { close(app.runCh) })

	r := newTestRouter(app)
	w, _ := doJSON(t, r, http.MethodPost, "/api/connect", `{"mode":"mock","source":"a"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Eventually(t, func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		return app.state == iface.Connected && app.frames > 0
	}, 2*time.Second, 5*time.Millisecond)

	// 运行中再连：旧源由 tick goroutine 关闭
	w, _ = doJSON(t, r, http.MethodPost, "/api/connect", `{"mode":"mock","source":"b"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Eventually(t, func() bool { return first.isClosed() }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, second.isClosed())

	// 运行中断开：同样由 tick goroutine 收尾
	w, _ = doJSON(t, r, http.MethodPost, "/api/disconnect", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Eventually(t, func() bool { return second.isClosed() }, 2*time.Second, 5*time.Millisecond)

	app.mu.Lock()
	assert.Equal(t, iface.Disconnected, app.state)
	app.mu.Unlock()
}

func pipelineResult(callout string) pipeline.TickResult {
	return pipeline.TickResult{Callout: callout}
}

func TestObserveUpdatesStatus(t *testing.T) {
	app := newTestApp(t)
	app.observe(pipelineResult("Mid"))
	app.observe(pipelineResult(""))

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Equal(t, int64(2), app.frames)
	// 空 callout 不覆盖最近一次报点
	assert.Equal(t, "Mid", app.lastCallout)
}
