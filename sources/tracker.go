package sources

import "sync"

// ConnectAttemptTracker 连接尝试并发守卫：发号严格递增，
// 只有仍然活跃的尝试能 Finish 成功；被取消或被新尝试顶掉的
// 结果 Finish 返回 false，调用方必须丢弃该结果。
type ConnectAttemptTracker struct {
	mu       sync.Mutex
	nextID   int
	activeID int // 0 表示无活跃尝试
}

// Start 开始新尝试并返回其 id，隐式顶掉旧的活跃尝试
func (t *ConnectAttemptTracker) Start() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.activeID = t.nextID
	return t.activeID
}

func (t *ConnectAttemptTracker) IsConnecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeID != 0
}

// IsActive 判断 id 是否仍是活跃尝试（后台 worker 的取消检查点）
func (t *ConnectAttemptTracker) IsActive(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeID != 0 && t.activeID == id
}

// Cancel 取消活跃尝试，返回其 id；无活跃尝试时 ok=false
func (t *ConnectAttemptTracker) Cancel() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeID == 0 {
		return 0, false
	}
	id := t.activeID
	t.activeID = 0
	return id, true
}

// Finish 完成尝试；仅当 id 仍活跃时成功并清除活跃态
func (t *ConnectAttemptTracker) Finish(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeID == 0 || t.activeID != id {
		return false
	}
	t.activeID = 0
	return true
}
