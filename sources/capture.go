package sources

import (
	"fmt"

	iface "CsCallerServer/interface"

	"gocv.io/x/gocv"
)

// CaptureSource 通用采集源：摄像头编号 / 本地视频 / 网络流，
// 走系统 VideoCapture。Read 返回 ok=false 表示流结束或采集失败。
type CaptureSource struct {
	cap    *gocv.VideoCapture
	desc   string
	closed bool
}

func NewCaptureSource(source string) (*CaptureSource, error) {
	parsed, err := ParseCaptureSource(source)
	if err != nil {
		return nil, err
	}
	cap, err := gocv.OpenVideoCapture(parsed)
	if err != nil {
		return nil, &iface.ConnectError{
			Requested: source,
			Reason:    fmt.Sprintf("cannot open capture source: %v", err),
		}
	}
	if !cap.IsOpened() {
		_ = cap.Close()
		return nil, &iface.ConnectError{
			Requested: source,
			Reason:    "capture source did not open",
		}
	}
	return &CaptureSource{cap: cap, desc: source}, nil
}

func (s *CaptureSource) Read() (gocv.Mat, bool, error) {
	if s.closed {
		return gocv.Mat{}, false, nil
	}
	frame := gocv.NewMat()
	if ok := s.cap.Read(&frame); !ok || frame.Empty() {
		_ = frame.Close()
		return gocv.Mat{}, false, nil
	}
	return frame, true, nil
}

func (s *CaptureSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cap.Close()
}
