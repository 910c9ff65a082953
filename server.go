package main

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"CsCallerServer/announcer"
	"CsCallerServer/clock"
	"CsCallerServer/detector"
	iface "CsCallerServer/interface"
	"CsCallerServer/logger"
	"CsCallerServer/mapper"
	"CsCallerServer/pipeline"
	"CsCallerServer/sources"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventHub 每 tick 结果的 websocket 扇出。慢客户端丢帧不阻塞 tick 线程。
type eventHub struct {
	mu      sync.Mutex
	clients map[string]chan pipeline.TickResult
}

func newEventHub() *eventHub {
	return &eventHub{clients: map[string]chan pipeline.TickResult{}}
}

func (h *eventHub) Subscribe() (string, chan pipeline.TickResult) {
	id := uuid.New().String()
	ch := make(chan pipeline.TickResult, 16)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *eventHub) Unsubscribe(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *eventHub) Broadcast(result pipeline.TickResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- result:
		default:
			// 缓冲满：丢给慢客户端的这帧
		}
	}
}

// runSession 一次连接的运行期。HTTP/连接 goroutine 只能 stopRun 发停止信号，
// 真正的 Close 由 tick goroutine（runLoop）在 pipeline 退出后执行，
// 避免 Read 与 Close 并发触碰同一个源。
type runSession struct {
	src      iface.FrameSource
	stop     chan struct{}
	stopOnce sync.Once
}

func newRunSession(src iface.FrameSource) *runSession {
	return &runSession{src: src, stop: make(chan struct{})}
}

// stopRun 发停止信号，任意 goroutine 可调，幂等
func (s *runSession) stopRun() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *runSession) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Read 停止信号到达后返回 ok=false，让 pipeline 正常收尾
func (s *runSession) Read() (gocv.Mat, bool, error) {
	if s.stopped() {
		return gocv.Mat{}, false, nil
	}
	return s.src.Read()
}

func (s *runSession) Close() error {
	s.stopRun()
	return s.src.Close()
}

// appState 运行态：连接状态由 tracker 守卫，过期连接结果一律丢弃
type appState struct {
	mu          sync.Mutex
	session     *runSession
	mode        string
	sourceText  string
	state       int
	lastError   string
	lastCallout string
	frames      int64

	tracker *sources.ConnectAttemptTracker
	hub     *eventHub
	runCh   chan *runSession

	det   *detector.RedDotDetector
	cmap  *mapper.CalloutMapper
	ann   *announcer.Announcer
	store *mapper.Store

	fps          float64
	probeTimeout time.Duration

	// 测试注入点
	buildSource func(mode, sourceText string) (iface.FrameSource, error)
	runProbe    func(sourceText string, timeout time.Duration) sources.ProbeResult
}

func newAppState(det *detector.RedDotDetector, cmap *mapper.CalloutMapper, ann *announcer.Announcer,
	store *mapper.Store, fps float64, probeTimeout time.Duration) *appState {
	return &appState{
		state:        iface.Disconnected,
		tracker:      &sources.ConnectAttemptTracker{},
		hub:          newEventHub(),
		runCh:        make(chan *runSession, 4),
		det:          det,
		cmap:         cmap,
		ann:          ann,
		store:        store,
		fps:          fps,
		probeTimeout: probeTimeout,
		buildSource:  sources.Build,
		runProbe:     sources.RunProbe,
	}
}

// connectAsync 发起异步连接：先顶掉上一次尝试再发号
func (a *appState) connectAsync(mode, sourceText string) int {
	a.tracker.Cancel()
	id := a.tracker.Start()
	a.mu.Lock()
	a.state = iface.Connecting
	a.lastError = ""
	a.mu.Unlock()
	go a.doConnect(id, mode, sourceText)
	return id
}

func (a *appState) doConnect(id int, mode, sourceText string) {
	// 打开前的取消检查点
	if !a.tracker.IsActive(id) {
		return
	}

	if strings.ToLower(strings.TrimSpace(mode)) == "ndi" {
		probe := a.runProbe(sourceText, a.probeTimeout)
		if !probe.Ok {
			if a.tracker.Finish(id) {
				a.setFailed(probe.AsError(sourceText))
			}
			return
		}
	}

	src, err := a.buildSource(mode, sourceText)

	// 打开后的检查点：过期/被取消的结果必须释放刚打开的句柄
	if !a.tracker.Finish(id) {
		if err == nil && src != nil {
			_ = src.Close()
		}
		logger.Log().Info("discarding stale connect result", zap.Int("attemptId", id))
		return
	}
	if err != nil {
		a.setFailed(err)
		return
	}

	sess := newRunSession(src)
	a.mu.Lock()
	old := a.session
	a.session = sess
	a.mode = mode
	a.sourceText = sourceText
	a.state = iface.Connected
	a.lastError = ""
	a.mu.Unlock()
	if old != nil {
		// 只发停止信号；旧源的 Close 和门控复位都留在 tick goroutine 上
		old.stopRun()
	}
	a.runCh <- sess
}

func (a *appState) setFailed(err error) {
	a.mu.Lock()
	a.state = iface.Failed
	a.lastError = err.Error()
	a.mu.Unlock()
	logger.Log().Error("connect failed", zap.Error(err))
}

func (a *appState) disconnect() {
	a.tracker.Cancel()
	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.state = iface.Disconnected
	a.mu.Unlock()
	if sess != nil {
		sess.stopRun()
	}
}

// runLoop 逐个消费已连接的会话并驱动 pipeline。
// 门控状态和源的 Close 只在这个 goroutine 上发生；
// 其他 goroutine 对运行中会话只能 stopRun。
func (a *appState) runLoop(maxFrames int) {
	for sess := range a.runCh {
		clk, err := clock.NewFrameClock(a.fps)
		if err != nil {
			logger.Log().Error("bad fps for pipeline clock", zap.Error(err))
			_ = sess.Close()
			continue
		}
		pl := &pipeline.Pipeline{
			Source:   sess,
			Detector: a.det,
			Mapper:   a.cmap,
			Gate:     a.ann,
			Clock:    clk,
			Observer: a.observe,
		}
		runErr := pl.Run(maxFrames)

		// pipeline 已退出，门控此刻无并发访问者
		a.ann.Reset()

		a.mu.Lock()
		if a.session == sess {
			a.session = nil
			if runErr != nil {
				a.state = iface.Failed
				a.lastError = runErr.Error()
			} else {
				a.state = iface.Disconnected
			}
		}
		a.mu.Unlock()
		_ = sess.Close()
	}
}

func (a *appState) observe(result pipeline.TickResult) {
	a.mu.Lock()
	a.frames++
	if result.Callout != "" {
		a.lastCallout = result.Callout
	}
	a.mu.Unlock()
	a.hub.Broadcast(result)
}

type connectRequest struct {
	Mode   string `json:"mode"`
	Source string `json:"source"`
}

func (a *appState) registerRoutes(r *gin.Engine) {
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", func(c *gin.Context) {
		a.mu.Lock()
		state := a.state
		resp := gin.H{
			"state":       iface.StateName(state),
			"mode":        a.mode,
			"source":      a.sourceText,
			"connecting":  a.tracker.IsConnecting(),
			"lastCallout": a.lastCallout,
			"lastError":   a.lastError,
			"frames":      a.frames,
		}
		a.mu.Unlock()
		c.JSON(http.StatusOK, resp)
	})
	r.GET("/api/maps", func(c *gin.Context) {
		names, err := a.store.ListMapNames()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": names})
	})
	r.POST("/api/connect", func(c *gin.Context) {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if strings.TrimSpace(req.Mode) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode is required"})
			return
		}
		id := a.connectAsync(req.Mode, req.Source)
		c.JSON(http.StatusAccepted, gin.H{"attemptId": id})
	})
	r.POST("/api/disconnect", func(c *gin.Context) {
		a.disconnect()
		c.JSON(http.StatusOK, gin.H{"data": "disconnected"})
	})
	r.GET("/ws/events", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		id, ch := a.hub.Subscribe()
		defer func() {
			a.hub.Unsubscribe(id)
			_ = conn.Close()
		}()

		done := make(chan struct{})
		go func() {
			// 只为探测客户端断开
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case result := <-ch:
				if err := conn.WriteJSON(result); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})
}

func adminAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
