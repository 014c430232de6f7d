// =============================================================================
// 文件: internal/transport/timeout.go
// 描述: 超时队列 - 单一优先级结构驱动所有截止时间回调
// =============================================================================
package transport

import "time"

// TimeoutCallback 截止时间到期后执行的回调
type TimeoutCallback func()

// TimeoutRecord 一条已排期的超时
type TimeoutRecord struct {
	expirationMs uint64
	callback     TimeoutCallback
}

// wallClockMs 默认时钟，毫秒
func wallClockMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// TimeoutQueue 按到期时间排序的回调队列。
// 不做内部同步，所有入口必须在同一个接收任务上串行调用。
type TimeoutQueue struct {
	heap *BinHeap[TimeoutRecord]
	now  func() uint64
}

// NewTimeoutQueue 创建队列。nowMs 为 nil 时使用墙钟。
func NewTimeoutQueue(nowMs func() uint64) *TimeoutQueue {
	if nowMs == nil {
		nowMs = wallClockMs
	}
	return &TimeoutQueue{
		heap: NewBinHeap[TimeoutRecord](func(a, b TimeoutRecord) bool {
			return a.expirationMs < b.expirationMs
		}),
		now: nowMs,
	}
}

// Empty 队列是否为空
func (tq *TimeoutQueue) Empty() bool {
	return tq.heap.Empty()
}

// NextTimeoutMs 距下一条超时到期的毫秒数。
// 已有到期记录时返回 0。只能在确认队列非空后调用。
func (tq *TimeoutQueue) NextTimeoutMs() uint64 {
	if tq.heap.Empty() {
		panic("timeout_queue: 空队列")
	}
	now := tq.now()
	expiration := tq.heap.Top().Value.expirationMs
	if expiration <= now {
		return 0
	}
	return expiration - now
}

// ProcessTimeouts 处理所有已到期的超时并执行回调。
// 回调执行前先把节点摘出堆，因此回调里重新排期同一个句柄是合法的。
func (tq *TimeoutQueue) ProcessTimeouts() {
	if tq.heap.Empty() {
		return
	}
	now := tq.now()
	for !tq.heap.Empty() && tq.heap.Top().Value.expirationMs < now {
		node := tq.heap.Top()
		callback := node.Value.callback
		node.Value.callback = nil
		tq.heap.Remove(node)
		callback()
	}
}

// TimeoutHandle 跟踪超时队列上一条待执行回调的句柄。
// 节点存放在句柄内部，句柄的生命周期约束了回调的存活:
// Close 或 ClearTimeout 之后保证回调不再执行。
type TimeoutHandle struct {
	tq   *TimeoutQueue
	node BinHeapNode[TimeoutRecord]
}

// NewTimeoutHandle 创建绑定到 tq 的句柄
func NewTimeoutHandle(tq *TimeoutQueue) *TimeoutHandle {
	return &TimeoutHandle{tq: tq}
}

// IsActive 超时是否仍在队列中
func (th *TimeoutHandle) IsActive() bool {
	return th.node.InHeap()
}

// ClearTimeout 取消超时
func (th *TimeoutHandle) ClearTimeout() {
	if th.node.InHeap() {
		th.tq.heap.Remove(&th.node)
		th.node.Value.callback = nil
	}
}

// SetTimeout 设置或更新超时，之前的排期一律取消
func (th *TimeoutHandle) SetTimeout(delayMs uint64, callback TimeoutCallback) {
	if callback == nil {
		panic("timeout_handle: 回调不能为空")
	}
	th.ClearTimeout()
	th.node.Value.expirationMs = th.tq.now() + delayMs
	th.node.Value.callback = callback
	th.tq.heap.Insert(&th.node)
}

// Close 丢弃句柄，等价于 ClearTimeout
func (th *TimeoutHandle) Close() {
	th.ClearTimeout()
}
