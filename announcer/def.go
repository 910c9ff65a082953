package announcer

import (
	"fmt"
	"time"

	iface "CsCallerServer/interface"
	"CsCallerServer/logger"

	"go.uber.org/zap"
)

const (
	DefaultCooldown     = 2 * time.Second
	DefaultStableFrames = 3
)

// Announcer 报点门控：同一 callout 连续出现满 stableFrames 帧
// 且该 callout 不在冷却期时才触发播报。
// 状态只由 tick goroutine 访问，不加锁（见并发模型）。
type Announcer struct {
	sink         iface.Sink
	cooldown     time.Duration
	stableFrames int
	now          func() time.Time

	candidate       string
	hasCandidate    bool
	candidateCount  int
	lastAnnouncedAt map[string]time.Time
}

func NewAnnouncer(sink iface.Sink, cooldown time.Duration, stableFrames int) (*Announcer, error) {
	if stableFrames <= 0 {
		return nil, &iface.ConfigError{Field: "stableFrames", Reason: "must be greater than 0"}
	}
	if cooldown < 0 {
		return nil, &iface.ConfigError{Field: "cooldownSec", Reason: "must not be negative"}
	}
	return &Announcer{
		sink:            sink,
		cooldown:        cooldown,
		stableFrames:    stableFrames,
		now:             time.Now,
		lastAnnouncedAt: map[string]time.Time{},
	}, nil
}

// SetNowFunc 注入时钟，测试用
func (a *Announcer) SetNowFunc(now func() time.Time) {
	a.now = now
}

// Process 输入当前帧 callout（ok=false 表示无检出）。
// 满足稳定与冷却条件时触发播报并返回播报文本。
func (a *Announcer) Process(callout string, ok bool) (string, bool) {
	ts := a.now()

	if !ok {
		a.Reset()
		return "", false
	}

	if a.hasCandidate && callout == a.candidate {
		a.candidateCount++
	} else {
		a.candidate = callout
		a.hasCandidate = true
		a.candidateCount = 1
	}

	if a.candidateCount < a.stableFrames {
		return "", false
	}

	if last, seen := a.lastAnnouncedAt[callout]; seen && ts.Sub(last) < a.cooldown {
		return "", false
	}

	text := fmt.Sprintf("enemy possibly at %s", callout)
	a.sink.Say(text)
	a.lastAnnouncedAt[callout] = ts
	logger.Log().Info("announced", zap.String("callout", callout))
	return text, true
}

// Reset 清空候选与计数。冷却时间戳跨 Reset 保留，
// 不同 callout 的冷却互相独立。
func (a *Announcer) Reset() {
	a.candidate = ""
	a.hasCandidate = false
	a.candidateCount = 0
}
