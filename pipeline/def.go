package pipeline

import (
	"CsCallerServer/clock"
	iface "CsCallerServer/interface"
	"CsCallerServer/logger"
	"CsCallerServer/monitor"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Detector 帧 → 标记质心
type Detector interface {
	Detect(frame gocv.Mat) (iface.Point, bool)
}

// Mapper 点 → callout
type Mapper interface {
	MapPoint(p iface.Point) (string, bool)
}

// Gate 报点门控
type Gate interface {
	Process(callout string, ok bool) (string, bool)
}

// TickResult 单个 tick 的处理结果，推给观察者（事件流 / 调试）
type TickResult struct {
	Frame     int          `json:"frame"`
	Point     *iface.Point `json:"point,omitempty"`
	Callout   string       `json:"callout,omitempty"`
	Announced string       `json:"announced,omitempty"`
}

// Pipeline 端到端流水线：每 tick 严格下行
// Source.Read → Detector.Detect → Mapper.MapPoint → Gate.Process。
// tick 之间除门控内部状态外无跨帧状态。
type Pipeline struct {
	Source   iface.FrameSource
	Detector Detector
	Mapper   Mapper
	Gate     Gate
	Clock    *clock.FrameClock

	// Observer 可选：每 tick 回调一次，由 tick goroutine 调用
	Observer func(TickResult)
}

// Run 持续处理帧直到达到上限（maxFrames>0 时）或帧源结束。
// 源抛出的读/连错误直接返回，本层不重试。
func (p *Pipeline) Run(maxFrames int) error {
	frames := 0
	for {
		frame, ok, err := p.Source.Read()
		if err != nil {
			logger.Log().Error("pipeline read failed", zap.Error(err))
			return err
		}
		if !ok {
			logger.Log().Info("frame source exhausted", zap.Int("frames", frames))
			return nil
		}

		point, found := p.Detector.Detect(frame)
		_ = frame.Close()
		monitor.FramesProcessed.Inc()

		var callout string
		var inRegion bool
		if found {
			monitor.Detections.Inc()
			callout, inRegion = p.Mapper.MapPoint(point)
		}

		announced, did := p.Gate.Process(callout, inRegion)
		if did {
			monitor.Announcements.Inc()
		}

		if p.Observer != nil {
			result := TickResult{Frame: frames, Callout: callout, Announced: announced}
			if found {
				pt := point
				result.Point = &pt
			}
			p.Observer(result)
		}

		frames++
		if maxFrames > 0 && frames >= maxFrames {
			return nil
		}
		p.Clock.Tick()
	}
}
