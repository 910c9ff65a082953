package sources

import (
	"path/filepath"
	"testing"

	iface "CsCallerServer/interface"

	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"
)

func writeTestImage(t *testing.T) string {
	t.Helper()
	frame := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer frame.Close()
	path := filepath.Join(t.TempDir(), "frame.png")
	assert.True(t, gocv.IMWrite(path, frame))
	return path
}

func TestMockImageSource(t *testing.T) {
	src, err := NewMockImageSource(writeTestImage(t))
	assert.NoError(t, err)

	// 每次 Read 返回独立副本
	a, ok, err := src.Read()
	assert.NoError(t, err)
	assert.True(t, ok)
	b, ok, err := src.Read()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, a.Rows(), b.Rows())
	a.Close()
	b.Close()

	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close())

	_, ok, err = src.Read()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNewMockImageSource_MissingFile(t *testing.T) {
	_, err := NewMockImageSource(filepath.Join(t.TempDir(), "missing.png"))
	var connErr *iface.ConnectError
	assert.ErrorAs(t, err, &connErr)
}

func TestBuild_Validation(t *testing.T) {
	var cfgErr *iface.ConfigError

	_, err := Build("mock", "")
	assert.ErrorAs(t, err, &cfgErr)

	_, err = Build("capture", "  ")
	assert.ErrorAs(t, err, &cfgErr)

	_, err = Build("ndi", "")
	assert.ErrorAs(t, err, &cfgErr)

	_, err = Build("carrier-pigeon", "x")
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBuild_MockMode(t *testing.T) {
	src, err := Build("Mock", writeTestImage(t))
	assert.NoError(t, err)
	assert.IsType(t, &MockImageSource{}, src)
	assert.NoError(t, src.Close())
}
