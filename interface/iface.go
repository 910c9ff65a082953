package iface

import (
	"time"

	"gocv.io/x/gocv"
)

// ConnectionState 取值
const (
	Disconnected = 0x0001
	Connecting   = 0x0002
	Connected    = 0x0003
	Failed       = 0x0004
)

func StateName(state int) string {
	switch state {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Point 帧坐标系下的像素坐标
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// DiscoveredSource 网络发现到的流源描述，仅用于匹配和诊断
type DiscoveredSource struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// RawFrame 后端原始视频帧：3/4 通道，行 stride 可能带对齐填充
type RawFrame struct {
	Width    int
	Height   int
	Channels int
	Stride   int
	Data     []byte
}

// FrameSource 统一帧源接口。
// Read 返回 ok=false 表示源正常结束；返回的 Mat 由调用方负责 Close。
// Close 必须幂等。
type FrameSource interface {
	Read() (gocv.Mat, bool, error)
	Close() error
}

// StreamBackend 流后端能力集。核心只依赖该接口，不依赖具体运行库版本。
type StreamBackend interface {
	Discover(timeout time.Duration) ([]DiscoveredSource, error)
	CreateReceiver() error
	Connect(src DiscoveredSource) error
	CaptureFrame(timeout time.Duration) (RawFrame, error)
	Release()
}

// Sink 播报出口。失败由实现自行处理，核心不重试。
type Sink interface {
	Say(text string)
}
