package sources

import (
	"fmt"
	"strings"
	"time"

	iface "CsCallerServer/interface"
	"CsCallerServer/logger"
	"CsCallerServer/monitor"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// NDISource 网络发现流源：构造时 discover + 名称匹配 + 连接，
// 带固定间隔重试；读失败先重连一次再重试，仍失败才抛 ReadError。
// 读路径只由 tick goroutine 调用。
type NDISource struct {
	SourceText string
	Normalized string

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	backend   iface.StreamBackend
	connected bool
	closed    bool
	active    iface.DiscoveredSource
}

// NDIOption 构造选项
type NDIOption func(*NDISource)

func WithTimeouts(connect, read time.Duration) NDIOption {
	return func(s *NDISource) {
		if connect > 0 {
			s.ConnectTimeout = connect
		}
		if read > 0 {
			s.ReadTimeout = read
		}
	}
}

func WithReconnect(attempts int, backoff time.Duration) NDIOption {
	return func(s *NDISource) {
		if attempts > 0 {
			s.ReconnectAttempts = attempts
		}
		if backoff >= 0 {
			s.ReconnectBackoff = backoff
		}
	}
}

func NewNDISource(sourceText string, backend iface.StreamBackend, opts ...NDIOption) (*NDISource, error) {
	s := &NDISource{
		SourceText:        strings.TrimSpace(sourceText),
		Normalized:        NormalizeSourceText(sourceText),
		ConnectTimeout:    DefaultConnectTimeout,
		ReadTimeout:       DefaultReadTimeout,
		ReconnectAttempts: DefaultReconnectAttempts,
		ReconnectBackoff:  DefaultReconnectBackoff,
		backend:           backend,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.connectWithRetry(); err != nil {
		return nil, err
	}
	return s, nil
}

// ActiveSource 当前已连接的源描述
func (s *NDISource) ActiveSource() iface.DiscoveredSource {
	return s.active
}

func (s *NDISource) connectOnce() error {
	discovered, err := s.backend.Discover(s.ConnectTimeout)
	if err != nil {
		return &iface.ConnectError{
			Requested:  s.SourceText,
			Normalized: s.Normalized,
			Reason:     fmt.Sprintf("discovery failed: %v", err),
		}
	}

	selected, ok := SelectBestSource(s.SourceText, discovered)
	if !ok {
		return &iface.ConnectError{
			Requested:  s.SourceText,
			Normalized: s.Normalized,
			Discovered: discovered,
			Reason:     "no matching source",
		}
	}

	if err := s.backend.CreateReceiver(); err != nil {
		return &iface.ConnectError{
			Requested:  s.SourceText,
			Normalized: s.Normalized,
			Discovered: discovered,
			Reason:     fmt.Sprintf("receiver create failed: %v", err),
		}
	}
	if err := s.backend.Connect(selected); err != nil {
		s.backend.Release()
		return &iface.ConnectError{
			Requested:  s.SourceText,
			Normalized: s.Normalized,
			Discovered: discovered,
			Reason:     fmt.Sprintf("receiver connect failed: %v", err),
		}
	}

	s.active = selected
	s.connected = true
	logger.Log().Info("ndi source connected",
		zap.String("requested", s.SourceText),
		zap.String("selected", selected.Name))
	return nil
}

func (s *NDISource) connectWithRetry() error {
	var lastErr error
	for attempt := 1; attempt <= s.ReconnectAttempts; attempt++ {
		err := s.connectOnce()
		if err == nil {
			return nil
		}
		lastErr = err
		s.disconnect()
		logger.Log().Warn("ndi connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", s.ReconnectAttempts),
			zap.Error(err))
		if attempt < s.ReconnectAttempts {
			time.Sleep(s.ReconnectBackoff)
		}
	}
	return lastErr
}

// Read 读取一帧并转换为连续 BGR Mat
func (s *NDISource) Read() (gocv.Mat, bool, error) {
	if s.closed {
		return gocv.Mat{}, false, nil
	}
	if !s.connected {
		if err := s.connectWithRetry(); err != nil {
			return gocv.Mat{}, false, err
		}
		monitor.SourceReconnects.Inc()
	}

	raw, err := s.backend.CaptureFrame(s.ReadTimeout)
	if err != nil {
		// 读失败：断开后重连一次再试，仍失败才上抛
		s.disconnect()
		if rerr := s.connectWithRetry(); rerr != nil {
			return gocv.Mat{}, false, &iface.ReadError{
				Source:    s.active.Name,
				Requested: s.SourceText,
				Reason:    fmt.Sprintf("capture failed and reconnect failed: %v (capture: %v)", rerr, err),
			}
		}
		monitor.SourceReconnects.Inc()
		raw, err = s.backend.CaptureFrame(s.ReadTimeout)
		if err != nil {
			return gocv.Mat{}, false, &iface.ReadError{
				Source:    s.active.Name,
				Requested: s.SourceText,
				Reason:    fmt.Sprintf("capture failed after reconnect: %v", err),
			}
		}
	}

	frame, err := RawFrameToBGR(raw)
	if err != nil {
		return gocv.Mat{}, false, &iface.ReadError{
			Source:    s.active.Name,
			Requested: s.SourceText,
			Reason:    err.Error(),
		}
	}
	return frame, true, nil
}

func (s *NDISource) disconnect() {
	if s.connected {
		s.backend.Release()
	}
	s.connected = false
}

func (s *NDISource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.disconnect()
	return nil
}

// sourceAliases 为匹配生成别名：全名、括号后缀前的部分、" - " 分段
func sourceAliases(name string) []string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil
	}
	aliases := []string{trimmed}
	if idx := strings.Index(trimmed, "("); idx > 0 && strings.HasSuffix(trimmed, ")") {
		if head := strings.TrimSpace(trimmed[:idx]); head != "" {
			aliases = append(aliases, head)
		}
	}
	if strings.Contains(trimmed, " - ") {
		for _, part := range strings.Split(trimmed, " - ") {
			if p := strings.TrimSpace(part); p != "" {
				aliases = append(aliases, p)
			}
		}
	}
	seen := map[string]bool{}
	unique := aliases[:0]
	for _, a := range aliases {
		if !seen[a] {
			seen[a] = true
			unique = append(unique, a)
		}
	}
	return unique
}

// SelectBestSource 从发现列表中选最佳匹配：
// 精确匹配（忽略大小写）优先，其次别名双向包含；
// 请求名为空时取第一个发现的源。
func SelectBestSource(sourceText string, discovered []iface.DiscoveredSource) (iface.DiscoveredSource, bool) {
	if len(discovered) == 0 {
		return iface.DiscoveredSource{}, false
	}

	normalized := strings.ToLower(NormalizeSourceText(sourceText))
	if normalized == "" {
		return discovered[0], true
	}

	for _, src := range discovered {
		for _, alias := range sourceAliases(src.Name) {
			if strings.ToLower(alias) == normalized {
				return src, true
			}
		}
	}
	for _, src := range discovered {
		for _, alias := range sourceAliases(src.Name) {
			aliasL := strings.ToLower(alias)
			if strings.Contains(aliasL, normalized) || strings.Contains(normalized, aliasL) {
				return src, true
			}
		}
	}
	return iface.DiscoveredSource{}, false
}

// RawFrameToBGR 把后端原始帧转换为连续 3 通道 BGR Mat，
// 剥掉 alpha 通道与行对齐填充。元数据对不上时报错。
func RawFrameToBGR(raw iface.RawFrame) (gocv.Mat, error) {
	if raw.Width <= 0 || raw.Height <= 0 {
		return gocv.Mat{}, fmt.Errorf("bad frame size %dx%d", raw.Width, raw.Height)
	}
	if raw.Channels != 3 && raw.Channels != 4 {
		return gocv.Mat{}, fmt.Errorf("unsupported channel count %d", raw.Channels)
	}
	rowBytes := raw.Width * raw.Channels
	stride := raw.Stride
	if stride == 0 {
		stride = rowBytes
	}
	if stride < rowBytes {
		return gocv.Mat{}, fmt.Errorf("stride %d smaller than row width %d", stride, rowBytes)
	}
	if len(raw.Data) < stride*raw.Height {
		return gocv.Mat{}, fmt.Errorf("frame data %d bytes, need %d", len(raw.Data), stride*raw.Height)
	}

	out := make([]byte, raw.Width*raw.Height*3)
	for y := 0; y < raw.Height; y++ {
		rowOff := y * stride
		outOff := y * raw.Width * 3
		for x := 0; x < raw.Width; x++ {
			px := rowOff + x*raw.Channels
			copy(out[outOff+x*3:outOff+x*3+3], raw.Data[px:px+3])
		}
	}
	mat, err := gocv.NewMatFromBytes(raw.Height, raw.Width, gocv.MatTypeCV8UC3, out)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("build mat: %v", err)
	}
	return mat, nil
}
