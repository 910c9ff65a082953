package iface

import (
	"fmt"
	"strings"
)

// ConfigError 配置错误：构造期直接拒绝，不可恢复
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// ConnectError 连接失败：重试耗尽后抛给调用方，携带诊断上下文
type ConnectError struct {
	Requested  string
	Normalized string
	Discovered []DiscoveredSource
	TimedOut   bool
	Reason     string
}

func (e *ConnectError) Error() string {
	names := DiscoveredNames(e.Discovered)
	suffix := "no sources discovered"
	if len(names) > 0 {
		suffix = fmt.Sprintf("discovered %d sources: %s", len(names), strings.Join(names, ", "))
	}
	if e.TimedOut {
		suffix = "timed out; " + suffix
	}
	return fmt.Sprintf("connect failed (requested=%q normalized=%q): %s; %s",
		e.Requested, e.Normalized, e.Reason, suffix)
}

// ReadError 读帧失败：源内部重连一次仍失败后抛出
type ReadError struct {
	Source    string
	Requested string
	Reason    string
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read failed (source=%q requested=%q): %s", e.Source, e.Requested, e.Reason)
}

// DiscoveredNames 过滤空名后的源名列表
func DiscoveredNames(discovered []DiscoveredSource) []string {
	names := make([]string, 0, len(discovered))
	for _, src := range discovered {
		if strings.TrimSpace(src.Name) != "" {
			names = append(names, src.Name)
		}
	}
	return names
}
