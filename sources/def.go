package sources

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	iface "CsCallerServer/interface"
)

const (
	DefaultConnectTimeout    = 1500 * time.Millisecond
	DefaultReadTimeout       = 1000 * time.Millisecond
	DefaultReconnectAttempts = 3
	DefaultReconnectBackoff  = 200 * time.Millisecond
)

// NormalizeSourceText 归一化用户输入：去空白，支持 ndi:// 前缀
func NormalizeSourceText(sourceText string) string {
	raw := strings.TrimSpace(sourceText)
	if strings.HasPrefix(strings.ToLower(raw), "ndi://") {
		raw = raw[6:]
	}
	return strings.TrimSpace(raw)
}

// ParseCaptureSource 解析 capture 输入：非负整数为设备编号，其余当作路径/URL
func ParseCaptureSource(source string) (any, error) {
	raw := strings.TrimSpace(source)
	trimmed := strings.TrimLeft(raw, "+-")
	if trimmed != "" && isDigits(trimmed) {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &iface.ConfigError{Field: "source", Reason: fmt.Sprintf("bad capture index %q", raw)}
		}
		if value < 0 {
			return nil, &iface.ConfigError{Field: "source", Reason: fmt.Sprintf("capture index %d must be >= 0", value)}
		}
		return value, nil
	}
	return raw, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Build 按模式构建帧源。mode: mock / capture / ndi
func Build(mode, sourceText string) (iface.FrameSource, error) {
	normalizedMode := strings.ToLower(strings.TrimSpace(mode))
	source := strings.TrimSpace(sourceText)

	switch normalizedMode {
	case "mock":
		if source == "" {
			return nil, &iface.ConfigError{Field: "source", Reason: "mock mode requires an image path"}
		}
		return NewMockImageSource(source)
	case "capture":
		if source == "" {
			return nil, &iface.ConfigError{Field: "source", Reason: "capture mode requires a device index, file path or stream URL"}
		}
		return NewCaptureSource(source)
	case "ndi":
		if source == "" {
			return nil, &iface.ConfigError{Field: "source", Reason: "ndi mode requires a source name (e.g. OBS or ndi://OBS)"}
		}
		backend, err := NewRuntimeBackend()
		if err != nil {
			return nil, err
		}
		return NewNDISource(source, backend)
	}
	return nil, &iface.ConfigError{Field: "sourceMode", Reason: fmt.Sprintf("unknown mode %q (want mock/capture/ndi)", mode)}
}
