package mapper

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	iface "CsCallerServer/interface"

	"gopkg.in/yaml.v3"
)

const boundaryEpsilon = 1e-6

// Region 命名多边形区域，顶点按配置顺序排列
type Region struct {
	Name    string      `yaml:"name"`
	Polygon [][]float64 `yaml:"polygon"`
}

// CalloutMapper 根据区域多边形把点映射到 callout。
// 纯函数语义，任何 goroutine 可并发调用。
type CalloutMapper struct {
	regions []Region
}

func NewCalloutMapper(regions []Region) *CalloutMapper {
	copied := make([]Region, len(regions))
	copy(copied, regions)
	return &CalloutMapper{regions: copied}
}

// MapPoint 返回第一个包含该点的区域名（配置顺序即重叠时的优先级）
func (m *CalloutMapper) MapPoint(p iface.Point) (string, bool) {
	x := float64(p.X)
	y := float64(p.Y)
	for _, region := range m.regions {
		if pointInPolygon(x, y, region.Polygon) {
			return region.Name, true
		}
	}
	return "", false
}

func (m *CalloutMapper) Regions() []Region {
	copied := make([]Region, len(m.regions))
	copy(copied, m.regions)
	return copied
}

// pointInPolygon 射线法，边界（含 1e-6 容差）视为内部。
// 少于 3 个顶点的多边形不包含任何点。
func pointInPolygon(x, y float64, polygon [][]float64) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}

	inside := false
	for i := 0; i < n; i++ {
		x1, y1 := polygon[i][0], polygon[i][1]
		x2, y2 := polygon[(i+1)%n][0], polygon[(i+1)%n][1]

		if pointOnSegment(x, y, x1, y1, x2, y2) {
			return true
		}

		if (y1 > y) != (y2 > y) {
			xin := (x2-x1)*(y-y1)/(y2-y1+1e-12) + x1
			if xin >= x {
				inside = !inside
			}
		}
	}
	return inside
}

func pointOnSegment(px, py, ax, ay, bx, by float64) bool {
	cross := (px-ax)*(by-ay) - (py-ay)*(bx-ax)
	if cross > boundaryEpsilon || cross < -boundaryEpsilon {
		return false
	}
	dot := (px-ax)*(bx-ax) + (py-ay)*(by-ay)
	if dot < 0 {
		return false
	}
	lengthSq := (bx-ax)*(bx-ax) + (by-ay)*(by-ay)
	return dot <= lengthSq
}

// MapConfig 单张地图配置
type MapConfig struct {
	MapName string   `yaml:"map_name"`
	Regions []Region `yaml:"regions"`
}

// Store 地图配置仓库：在 mapsDir 下读写 <map_name>.yaml
type Store struct {
	MapsDir string
}

func NewStore(mapsDir string) (*Store, error) {
	if err := os.MkdirAll(mapsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create maps dir %s: %w", mapsDir, err)
	}
	return &Store{MapsDir: mapsDir}, nil
}

// ListMapNames 返回可用地图名称（按文件名排序）
func (s *Store) ListMapNames() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.MapsDir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		names = append(names, strings.TrimSuffix(base, ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Load 按地图名加载配置
func (s *Store) Load(mapName string) (MapConfig, error) {
	path, err := s.PathForMap(mapName)
	if err != nil {
		return MapConfig{}, err
	}
	return s.LoadPath(path)
}

// LoadPath 按完整路径加载配置
func (s *Store) LoadPath(path string) (MapConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MapConfig{}, fmt.Errorf("read map config %s: %w", path, err)
	}
	cfg := MapConfig{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MapConfig{}, fmt.Errorf("parse map config %s: %w", path, err)
	}
	if cfg.MapName == "" {
		base := filepath.Base(path)
		cfg.MapName = strings.TrimSuffix(base, filepath.Ext(base))
	}
	for _, region := range cfg.Regions {
		for _, vertex := range region.Polygon {
			if len(vertex) != 2 {
				return MapConfig{}, fmt.Errorf("map config %s: region %q has a vertex with %d coordinates",
					path, region.Name, len(vertex))
			}
		}
	}
	return cfg, nil
}

// Save 保存配置，返回写入路径
func (s *Store) Save(cfg MapConfig) (string, error) {
	path, err := s.PathForMap(cfg.MapName)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write map config %s: %w", path, err)
	}
	return path, nil
}

// PathForMap 把地图名映射为配置文件路径，空格替换为下划线
func (s *Store) PathForMap(mapName string) (string, error) {
	safe := strings.ReplaceAll(strings.TrimSpace(mapName), " ", "_")
	if safe == "" {
		return "", &iface.ConfigError{Field: "mapName", Reason: "must not be empty"}
	}
	return filepath.Join(s.MapsDir, safe+".yaml"), nil
}
