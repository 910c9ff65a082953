package sources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	iface "CsCallerServer/interface"
	"CsCallerServer/logger"

	"go.uber.org/zap"
)

const (
	// ProbeFlag 子进程探测模式的命令行标记，main 必须最先识别
	ProbeFlag = "-ndi-probe"

	DefaultProbeTimeout = 3 * time.Second

	probeKillGrace = 500 * time.Millisecond
)

// ProbeResult 握手探测结果。worker 以 JSON 输出，主进程解析归一化。
type ProbeResult struct {
	Ok               bool     `json:"ok"`
	Error            string   `json:"error,omitempty"`
	SelectedName     string   `json:"selected_name,omitempty"`
	DiscoveredNames  []string `json:"discovered_names,omitempty"`
	DiscoveredCount  int      `json:"discovered_count"`
	TimedOut         bool     `json:"-"`
	WorkerTerminated bool     `json:"-"`
}

// AsError 把失败结果转成 ConnectError（带 TimedOut 标记）
func (r ProbeResult) AsError(requested string) error {
	if r.Ok {
		return nil
	}
	discovered := make([]iface.DiscoveredSource, 0, len(r.DiscoveredNames))
	for _, name := range r.DiscoveredNames {
		discovered = append(discovered, iface.DiscoveredSource{Name: name})
	}
	reason := r.Error
	if reason == "" {
		reason = "handshake probe failed"
	}
	return &iface.ConnectError{
		Requested:  requested,
		Normalized: NormalizeSourceText(requested),
		Discovered: discovered,
		TimedOut:   r.TimedOut,
		Reason:     reason,
	}
}

// ParseProbePayload 把 worker 输出归一化为 ProbeResult，
// 字段缺失或类型不对时保证主进程展示稳定。
func ParseProbePayload(payload []byte) ProbeResult {
	data := map[string]any{}
	_ = json.Unmarshal(bytes.TrimSpace(payload), &data)

	names := []string{}
	if raw, ok := data["discovered_names"].([]any); ok {
		for _, item := range raw {
			text := strings.TrimSpace(fmt.Sprintf("%v", item))
			if text != "" {
				names = append(names, text)
			}
		}
	}

	count := len(names)
	if raw, ok := data["discovered_count"].(float64); ok && int(raw) > count {
		count = int(raw)
	}

	selected := ""
	if raw, ok := data["selected_name"].(string); ok {
		selected = strings.TrimSpace(raw)
	}

	errText := ""
	if raw, ok := data["error"]; ok && raw != nil {
		errText = strings.TrimSpace(fmt.Sprintf("%v", raw))
	}

	okFlag, _ := data["ok"].(bool)
	return ProbeResult{
		Ok:              okFlag,
		Error:           errText,
		SelectedName:    selected,
		DiscoveredNames: names,
		DiscoveredCount: count,
	}
}

// RunProbe 在隔离子进程里跑 discover+connect 探测，带硬超时。
// 某些运行库的发现/连接调用会无限期阻塞且不可中断，
// 所以超时后从 terminate 升级到强杀，绝不挂住调用方。
func RunProbe(sourceText string, timeout time.Duration) ProbeResult {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	exe, err := os.Executable()
	if err != nil {
		return ProbeResult{Ok: false, Error: fmt.Sprintf("cannot locate own executable: %v", err)}
	}

	cmd := exec.Command(exe, ProbeFlag, sourceText)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return ProbeResult{Ok: false, Error: fmt.Sprintf("cannot start probe worker: %v", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil && out.Len() == 0 {
			return ProbeResult{Ok: false, Error: fmt.Sprintf("probe worker exited abnormally: %v", err)}
		}
		return ParseProbePayload(out.Bytes())
	case <-time.After(timeout):
		// 先礼后兵：interrupt 不行就 kill
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(probeKillGrace):
			_ = cmd.Process.Kill()
			select {
			case <-done:
			case <-time.After(probeKillGrace):
				logger.Log().Error("probe worker did not die after kill", zap.Int("pid", cmd.Process.Pid))
			}
		}
		return ProbeResult{
			Ok:               false,
			Error:            fmt.Sprintf("handshake probe timed out after %.1fs, worker terminated", timeout.Seconds()),
			TimedOut:         true,
			WorkerTerminated: true,
		}
	}
}

// ProbeWorkerMain 子进程入口：执行探测并把 JSON 结果打到 stdout
func ProbeWorkerMain(sourceText string) {
	result := executeProbe(sourceText)
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`{"ok":false,"error":"marshal probe result failed"}`)
	}
	fmt.Println(string(payload))
}

func executeProbe(sourceText string) ProbeResult {
	backend, err := NewRuntimeBackend()
	if err != nil {
		return ProbeResult{Ok: false, Error: err.Error()}
	}
	defer backend.Release()

	discovered, err := backend.Discover(DefaultConnectTimeout)
	if err != nil {
		return ProbeResult{Ok: false, Error: fmt.Sprintf("discovery failed: %v", err)}
	}
	names := iface.DiscoveredNames(discovered)

	selected, ok := SelectBestSource(sourceText, discovered)
	if !ok {
		return ProbeResult{
			Ok:              false,
			Error:           fmt.Sprintf("no matching source for %q", sourceText),
			DiscoveredNames: names,
			DiscoveredCount: len(names),
		}
	}
	if err := backend.CreateReceiver(); err != nil {
		return ProbeResult{Ok: false, Error: fmt.Sprintf("receiver create failed: %v", err)}
	}
	if err := backend.Connect(selected); err != nil {
		return ProbeResult{Ok: false, Error: fmt.Sprintf("receiver connect failed: %v", err)}
	}
	return ProbeResult{
		Ok:              true,
		SelectedName:    selected.Name,
		DiscoveredNames: names,
		DiscoveredCount: len(names),
	}
}
