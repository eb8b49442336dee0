package fetcher

import (
	"sync/atomic"

	"github.com/any-hub/tiercache/internal/decode"
)

// State 是目标绑定上任务的生命周期状态。
type State int32

const (
	StateUnbound State = iota
	StatePending
	StateRunning
	StateCancelled
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	default:
		return "unbound"
	}
}

// task 的身份由 id 决定；目标重新绑定后旧任务通过比较绑定关系发现自己已过期。
type task struct {
	id     uint64
	key    string
	target TargetID
	disk   bool
	hint   decode.SizeHint
	state  atomic.Int32
}

func newTask(id uint64, key string, target TargetID, opts requestOptions) *task {
	t := &task{id: id, key: key, target: target, disk: opts.disk, hint: opts.hint}
	t.state.Store(int32(StatePending))
	return t
}

func (t *task) currentState() State {
	return State(t.state.Load())
}

func (t *task) active() bool {
	s := t.currentState()
	return s == StatePending || s == StateRunning
}

func (t *task) cancelled() bool {
	return t.currentState() == StateCancelled
}

// start 把 Pending 切换为 Running，任务在入队后已被取消时返回 false。
func (t *task) start() bool {
	return t.state.CompareAndSwap(int32(StatePending), int32(StateRunning))
}

// cancel 只对进行中的任务生效。
func (t *task) cancel() bool {
	for {
		s := t.state.Load()
		if s != int32(StatePending) && s != int32(StateRunning) {
			return false
		}
		if t.state.CompareAndSwap(s, int32(StateCancelled)) {
			return true
		}
	}
}

func (t *task) finish() bool {
	return t.state.CompareAndSwap(int32(StateRunning), int32(StateCompleted))
}
