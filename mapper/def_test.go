package mapper

import (
	"path/filepath"
	"testing"

	iface "CsCallerServer/interface"

	"github.com/stretchr/testify/assert"
)

func square(x0, y0, x1, y1 float64) [][]float64 {
	return [][]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}
}

func TestCalloutMapper_MapPoint(t *testing.T) {
	m := NewCalloutMapper([]Region{
		{Name: "Mid", Polygon: square(0, 0, 100, 100)},
		{Name: "Long", Polygon: square(50, 50, 200, 200)},
	})

	t.Run("inside first region", func(t *testing.T) {
		name, ok := m.MapPoint(iface.Point{X: 10, Y: 10})
		assert.True(t, ok)
		assert.Equal(t, "Mid", name)
	})

	t.Run("overlap resolves to first match", func(t *testing.T) {
		name, ok := m.MapPoint(iface.Point{X: 60, Y: 60})
		assert.True(t, ok)
		assert.Equal(t, "Mid", name)
	})

	t.Run("inside second region only", func(t *testing.T) {
		name, ok := m.MapPoint(iface.Point{X: 150, Y: 150})
		assert.True(t, ok)
		assert.Equal(t, "Long", name)
	})

	t.Run("outside every region", func(t *testing.T) {
		_, ok := m.MapPoint(iface.Point{X: 300, Y: 300})
		assert.False(t, ok)
	})

	t.Run("boundary counts as inside", func(t *testing.T) {
		name, ok := m.MapPoint(iface.Point{X: 0, Y: 50})
		assert.True(t, ok)
		assert.Equal(t, "Mid", name)

		name, ok = m.MapPoint(iface.Point{X: 100, Y: 100})
		assert.True(t, ok)
		assert.Equal(t, "Mid", name)
	})
}

func TestPointInPolygon(t *testing.T) {
	tri := [][]float64{{0, 0}, {10, 0}, {0, 10}}

	assert.True(t, pointInPolygon(2, 2, tri))
	assert.False(t, pointInPolygon(8, 8, tri))
	// 斜边上的点
	assert.True(t, pointInPolygon(5, 5, tri))
	// 顶点
	assert.True(t, pointInPolygon(0, 0, tri))
}

func TestPointInPolygon_DegeneratePolygon(t *testing.T) {
	// 少于 3 个顶点的多边形不包含任何点
	assert.False(t, pointInPolygon(0, 0, nil))
	assert.False(t, pointInPolygon(0, 0, [][]float64{{0, 0}}))
	assert.False(t, pointInPolygon(0, 0, [][]float64{{0, 0}, {10, 10}}))
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	assert.NoError(t, err)

	cfg := MapConfig{
		MapName: "de_test",
		Regions: []Region{
			{Name: "Mid", Polygon: square(0, 0, 50, 50)},
			{Name: "B", Polygon: square(60, 60, 90, 90)},
		},
	}
	path, err := store.Save(cfg)
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "de_test.yaml"), path)

	loaded, err := store.Load("de_test")
	assert.NoError(t, err)
	assert.Equal(t, cfg.MapName, loaded.MapName)
	assert.Equal(t, cfg.Regions, loaded.Regions)

	names, err := store.ListMapNames()
	assert.NoError(t, err)
	assert.Equal(t, []string{"de_test"}, names)
}

func TestStore_PathForMap(t *testing.T) {
	store, err := NewStore(t.TempDir())
	assert.NoError(t, err)

	path, err := store.PathForMap("de dust 2")
	assert.NoError(t, err)
	assert.Equal(t, "de_dust_2.yaml", filepath.Base(path))

	_, err = store.PathForMap("   ")
	assert.Error(t, err)
	var cfgErr *iface.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStore_LoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	assert.NoError(t, err)
	_, err = store.Load("nope")
	assert.Error(t, err)
}
