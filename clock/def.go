package clock

import (
	"time"

	iface "CsCallerServer/interface"
)

const DefaultFPS = 16.0

// FrameClock 固定帧率时钟。落后时下一个截止点重置到当前时刻之后，
// 不积压立即触发的 tick。
type FrameClock struct {
	interval time.Duration
	nextTick time.Time

	// 可注入，测试用
	now   func() time.Time
	sleep func(d time.Duration)
}

func NewFrameClock(fps float64) (*FrameClock, error) {
	if fps <= 0 {
		return nil, &iface.ConfigError{Field: "fps", Reason: "must be greater than 0"}
	}
	c := &FrameClock{
		interval: time.Duration(float64(time.Second) / fps),
		now:      time.Now,
		sleep:    time.Sleep,
	}
	c.nextTick = c.now()
	return c, nil
}

// Tick 阻塞到下一帧时间点
func (c *FrameClock) Tick() {
	now := c.now()
	if now.Before(c.nextTick) {
		c.sleep(c.nextTick.Sub(now))
	}
	next := c.nextTick.Add(c.interval)
	if after := c.now(); next.Before(after) {
		next = after
	}
	c.nextTick = next
}

// Interval 返回帧间隔
func (c *FrameClock) Interval() time.Duration {
	return c.interval
}
