//go:build windows

package sources

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
	"unsafe"

	iface "CsCallerServer/interface"
)

// NDI 运行库绑定。与引擎 DLL 一样走 LazyDLL，不引 cgo。
// 运行库目录按 NDI_RUNTIME_DIR_V5 / NDI_RUNTIME_DIR_V4 环境变量查找，
// 找不到时退回系统搜索路径。

const ndiDLLName = "Processing.NDI.Lib.x64.dll"

var (
	ndiMod *syscall.LazyDLL

	procInitialize     *syscall.LazyProc
	procFindCreate     *syscall.LazyProc
	procFindWait       *syscall.LazyProc
	procFindGetSources *syscall.LazyProc
	procFindDestroy    *syscall.LazyProc
	procRecvCreate     *syscall.LazyProc
	procRecvConnect    *syscall.LazyProc
	procRecvCapture    *syscall.LazyProc
	procRecvFreeVideo  *syscall.LazyProc
	procRecvDestroy    *syscall.LazyProc

	ndiLoadErr error
)

func init() {
	path := ndiDLLName
	for _, env := range []string{"NDI_RUNTIME_DIR_V5", "NDI_RUNTIME_DIR_V4"} {
		if dir := os.Getenv(env); dir != "" {
			candidate := filepath.Join(dir, ndiDLLName)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	ndiMod = syscall.NewLazyDLL(path)
	if err := ndiMod.Load(); err != nil {
		ndiLoadErr = fmt.Errorf("load %s failed: %w (install the NDI runtime)", path, err)
		return
	}
	procInitialize = ndiMod.NewProc("NDIlib_initialize")
	procFindCreate = ndiMod.NewProc("NDIlib_find_create_v2")
	procFindWait = ndiMod.NewProc("NDIlib_find_wait_for_sources")
	procFindGetSources = ndiMod.NewProc("NDIlib_find_get_current_sources")
	procFindDestroy = ndiMod.NewProc("NDIlib_find_destroy")
	procRecvCreate = ndiMod.NewProc("NDIlib_recv_create_v3")
	procRecvConnect = ndiMod.NewProc("NDIlib_recv_connect")
	procRecvCapture = ndiMod.NewProc("NDIlib_recv_capture_v2")
	procRecvFreeVideo = ndiMod.NewProc("NDIlib_recv_free_video_v2")
	procRecvDestroy = ndiMod.NewProc("NDIlib_recv_destroy")
}

// NDIlib_source_t
type ndiSource struct {
	PNDIName    *byte
	PURLAddress *byte
}

// NDIlib_recv_create_v3_t
type ndiRecvCreate struct {
	SourceToConnect  ndiSource
	ColorFormat      int32 // 0 = BGRX_BGRA
	Bandwidth        int32 // 100 = highest
	AllowVideoFields int32
	PNDIRecvName     *byte
}

// NDIlib_video_frame_v2_t（64 位布局，int64 字段自然对齐）
type ndiVideoFrame struct {
	Xres               int32
	Yres               int32
	FourCC             uint32
	FrameRateN         int32
	FrameRateD         int32
	PictureAspectRatio float32
	FrameFormatType    int32
	Timecode           int64
	PData              *byte
	LineStride         int32
	PMetadata          *byte
	Timestamp          int64
}

func fourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	fourCCBGRA = fourCC('B', 'G', 'R', 'A')
	fourCCBGRX = fourCC('B', 'G', 'R', 'X')
	fourCCRGBA = fourCC('R', 'G', 'B', 'A')
	fourCCRGBX = fourCC('R', 'G', 'B', 'X')
)

// runtimeBackend 实现 iface.StreamBackend 的 NDI 运行库适配器
type runtimeBackend struct {
	initialized bool
	receiver    uintptr
}

// NewRuntimeBackend 创建 NDI 运行库后端
func NewRuntimeBackend() (iface.StreamBackend, error) {
	if ndiLoadErr != nil {
		return nil, &iface.ConnectError{Reason: ndiLoadErr.Error()}
	}
	b := &runtimeBackend{}
	r, _, _ := procInitialize.Call()
	if r == 0 {
		return nil, &iface.ConnectError{Reason: "NDIlib_initialize failed (is the NDI runtime installed?)"}
	}
	b.initialized = true
	return b, nil
}

func goString(p *byte) string {
	if p == nil {
		return ""
	}
	var out []byte
	for i := 0; ; i++ {
		c := *(*byte)(unsafe.Add(unsafe.Pointer(p), i))
		if c == 0 {
			break
		}
		out = append(out, c)
	}
	return string(out)
}

func (b *runtimeBackend) Discover(timeout time.Duration) ([]iface.DiscoveredSource, error) {
	finder, _, _ := procFindCreate.Call(0)
	if finder == 0 {
		return nil, fmt.Errorf("NDIlib_find_create_v2 failed")
	}
	defer procFindDestroy.Call(finder)

	// 两轮等待，和运行库示例一致：第一轮常常只返回部分源
	ms := uintptr(timeout.Milliseconds())
	for i := 0; i < 2; i++ {
		procFindWait.Call(finder, ms)
	}

	var count uint32
	arr, _, _ := procFindGetSources.Call(finder, uintptr(unsafe.Pointer(&count)))
	if arr == 0 || count == 0 {
		return nil, nil
	}

	sources := unsafe.Slice((*ndiSource)(unsafe.Pointer(arr)), int(count))
	discovered := make([]iface.DiscoveredSource, 0, count)
	for _, src := range sources {
		discovered = append(discovered, iface.DiscoveredSource{
			Name:    goString(src.PNDIName),
			Address: goString(src.PURLAddress),
		})
	}
	return discovered, nil
}

func (b *runtimeBackend) CreateReceiver() error {
	if b.receiver != 0 {
		return nil
	}
	settings := ndiRecvCreate{
		ColorFormat: 0,   // BGRX_BGRA
		Bandwidth:   100, // highest
	}
	r, _, _ := procRecvCreate.Call(uintptr(unsafe.Pointer(&settings)))
	if r == 0 {
		return fmt.Errorf("NDIlib_recv_create_v3 failed")
	}
	b.receiver = r
	return nil
}

func (b *runtimeBackend) Connect(src iface.DiscoveredSource) error {
	if b.receiver == 0 {
		return fmt.Errorf("receiver not created")
	}
	namePtr, err := syscall.BytePtrFromString(src.Name)
	if err != nil {
		return err
	}
	addrPtr, err := syscall.BytePtrFromString(src.Address)
	if err != nil {
		return err
	}
	// recv_connect 在调用内拷贝源描述，Call 表达式保证指针在调用期间存活
	native := ndiSource{PNDIName: namePtr, PURLAddress: addrPtr}
	procRecvConnect.Call(b.receiver, uintptr(unsafe.Pointer(&native)))
	return nil
}

func (b *runtimeBackend) CaptureFrame(timeout time.Duration) (iface.RawFrame, error) {
	if b.receiver == 0 {
		return iface.RawFrame{}, fmt.Errorf("receiver not connected")
	}
	var frame ndiVideoFrame
	frameType, _, _ := procRecvCapture.Call(
		b.receiver,
		uintptr(unsafe.Pointer(&frame)),
		0, 0,
		uintptr(timeout.Milliseconds()),
	)
	// 1 = NDIlib_frame_type_video
	if frameType != 1 {
		return iface.RawFrame{}, fmt.Errorf("no video frame within %s (frame_type=%d)", timeout, frameType)
	}
	defer procRecvFreeVideo.Call(b.receiver, uintptr(unsafe.Pointer(&frame)))

	channels := 0
	switch frame.FourCC {
	case fourCCBGRA, fourCCBGRX, fourCCRGBA, fourCCRGBX:
		channels = 4
	default:
		return iface.RawFrame{}, fmt.Errorf("unsupported FourCC 0x%08x", frame.FourCC)
	}

	width := int(frame.Xres)
	height := int(frame.Yres)
	stride := int(frame.LineStride)
	if width <= 0 || height <= 0 || stride <= 0 || frame.PData == nil {
		return iface.RawFrame{}, fmt.Errorf("bad video frame metadata: %dx%d stride=%d", width, height, stride)
	}

	// 运行库在 free_video 后回收缓冲，这里必须拷贝
	src := unsafe.Slice(frame.PData, stride*height)
	data := make([]byte, len(src))
	copy(data, src)

	return iface.RawFrame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Stride:   stride,
		Data:     data,
	}, nil
}

func (b *runtimeBackend) Release() {
	if b.receiver != 0 {
		procRecvDestroy.Call(b.receiver)
		b.receiver = 0
	}
}
