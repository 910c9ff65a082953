package sources

import (
	"fmt"

	iface "CsCallerServer/interface"

	"gocv.io/x/gocv"
)

// MockImageSource 反复返回同一张图片，用于离线演示和测试。
// 构造成功后 Read 永不失败。
type MockImageSource struct {
	frame  gocv.Mat
	closed bool
}

func NewMockImageSource(imagePath string) (*MockImageSource, error) {
	frame := gocv.IMRead(imagePath, gocv.IMReadColor)
	if frame.Empty() {
		_ = frame.Close()
		return nil, &iface.ConnectError{
			Requested: imagePath,
			Reason:    fmt.Sprintf("cannot read image %q", imagePath),
		}
	}
	return &MockImageSource{frame: frame}, nil
}

func (s *MockImageSource) Read() (gocv.Mat, bool, error) {
	if s.closed {
		return gocv.Mat{}, false, nil
	}
	return s.frame.Clone(), true, nil
}

func (s *MockImageSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.frame.Close()
}
