package clock

import (
	"testing"
	"time"

	iface "CsCallerServer/interface"

	"github.com/stretchr/testify/assert"
)

// simClock 可控时间与 sleep 记录
type simClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (s *simClock) now() time.Time {
	return s.t
}

func (s *simClock) sleep(d time.Duration) {
	s.sleeps = append(s.sleeps, d)
	s.t = s.t.Add(d)
}

func newSimFrameClock(t *testing.T, fps float64) (*FrameClock, *simClock) {
	t.Helper()
	c, err := NewFrameClock(fps)
	assert.NoError(t, err)
	sim := &simClock{t: time.Unix(1700000000, 0)}
	c.now = sim.now
	c.sleep = sim.sleep
	c.nextTick = sim.t
	return c, sim
}

func TestNewFrameClock_Validation(t *testing.T) {
	var cfgErr *iface.ConfigError
	_, err := NewFrameClock(0)
	assert.ErrorAs(t, err, &cfgErr)
	_, err = NewFrameClock(-5)
	assert.ErrorAs(t, err, &cfgErr)

	c, err := NewFrameClock(16)
	assert.NoError(t, err)
	assert.Equal(t, time.Second/16, c.Interval())
}

func TestFrameClock_SteadyRate(t *testing.T) {
	c, sim := newSimFrameClock(t, 10)
	start := sim.t

	// 处理及时的情况下每 tick 间隔恰好一个周期
	for i := 1; i <= 5; i++ {
		c.Tick()
		// 模拟 30ms 的帧处理
		sim.t = sim.t.Add(30 * time.Millisecond)
	}
	assert.Equal(t, start.Add(5*c.Interval()), c.nextTick)
}

func TestFrameClock_CatchUpWithoutBurst(t *testing.T) {
	c, sim := newSimFrameClock(t, 10)

	// 一帧卡了 350ms，落后三个周期
	c.Tick()
	sim.t = sim.t.Add(350 * time.Millisecond)

	before := len(sim.sleeps)
	c.Tick()
	// 已经落后，不 sleep
	assert.Equal(t, before, len(sim.sleeps))
	// 截止点重置到当前时刻，不积压补帧
	assert.Equal(t, sim.t, c.nextTick)

	// 追上之后恢复正常节奏
	c.Tick()
	c.Tick()
	assert.Equal(t, before+1, len(sim.sleeps))
	assert.Equal(t, c.Interval(), sim.sleeps[len(sim.sleeps)-1])
}

func TestFrameClock_SleepsUntilDeadline(t *testing.T) {
	c, sim := newSimFrameClock(t, 20)

	c.Tick()
	sim.t = sim.t.Add(10 * time.Millisecond)
	c.Tick()

	// 第二次 tick 应补足剩余 40ms
	assert.Len(t, sim.sleeps, 1)
	assert.Equal(t, 40*time.Millisecond, sim.sleeps[0])
}
