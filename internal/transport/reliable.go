// =============================================================================
// 文件: internal/transport/reliable.go
// 描述: 可靠包接收端 - 16 位序列号外推与按序重组投递
// =============================================================================
package transport

import (
	"container/heap"

	"github.com/mrcgq/rdt/internal/protocol"
)

// 可靠窗口大小。0xFFFF 是理论上限，越接近它越容易出现序列号歧义。
const (
	MaxReliableWindowSize   = 0x8000
	StartReliableWindowSize = 0x400
	MinReliableWindowSize   = 0x40
)

// SendAckFunc 需要发送 ACK 时调用
type SendAckFunc func(rpkt *protocol.ReceivedPacket)

// ProcessPacketFunc 可靠包按序就绪后调用。
// 返回 false 表示处理过程中连接已结束，停止继续投递。
type ProcessPacketFunc func(rpkt *protocol.ReceivedPacket) bool

// computeFullSeqnum 把 16 位线上序列号外推成 64 位流位置。
// 选取相对当前期望位置最近的 64 位值，距离相同时取前向。
func computeFullSeqnum(base uint64, seqnum uint16) uint64 {
	baseMod := uint16(base)
	forwardDiff := seqnum - baseMod
	backwardDiff := baseMod - seqnum
	if forwardDiff <= 32768 || uint64(backwardDiff) > base {
		return base + uint64(forwardDiff)
	}
	return base - uint64(backwardDiff)
}

// ReliableRecvBuffer 可靠包接收缓冲区。
//
// 收到可靠包时用 Insert 放入；期间 sendAck 与 processPacket
// 可能被调用多次。只能从接收任务调用，不做内部同步。
type ReliableRecvBuffer struct {
	nextIncomingSeqnum uint64
	queue              pendingQueue

	sendAck       SendAckFunc
	processPacket ProcessPacketFunc

	// 统计
	totalDelivered     uint64
	totalDuplicate     uint64
	totalWindowDropped uint64
	totalAcked         uint64
}

// ReliableRecvStats 接收统计
type ReliableRecvStats struct {
	Delivered     uint64
	Duplicate     uint64
	WindowDropped uint64
	Acked         uint64
}

// NewReliableRecvBuffer 创建接收缓冲区，期望位置从 SEQNUM_INITIAL 开始
func NewReliableRecvBuffer(sendAck SendAckFunc, processPacket ProcessPacketFunc) *ReliableRecvBuffer {
	return &ReliableRecvBuffer{
		nextIncomingSeqnum: uint64(protocol.SeqnumInitial),
		sendAck:            sendAck,
		processPacket:      processPacket,
	}
}

// Insert 放入一个可靠包。只能从接收任务调用。
func (b *ReliableRecvBuffer) Insert(rpkt *protocol.ReceivedPacket) {
	if !rpkt.IsReliable {
		panic("reliable: 包没有可靠头")
	}
	fullSeqnum := computeFullSeqnum(b.nextIncomingSeqnum, rpkt.Reliable.Seqnum)
	rpkt.Reliable.FullSeqnum = fullSeqnum

	if fullSeqnum > b.nextIncomingSeqnum+MaxReliableWindowSize {
		// 太超前，不发 ACK 直接丢弃；正常的包会被对端重传。
		// 伪造远期序列号的对端也走这条路。
		b.totalWindowDropped++
		return
	}

	// 窗口内一律回 ACK，重复包也回，弥补 ACK 丢失
	b.totalAcked++
	b.sendAck(rpkt)

	if fullSeqnum < b.nextIncomingSeqnum {
		// 旧包，已投递过，上面补发过 ACK 即可
		b.totalDuplicate++
		return
	}

	if fullSeqnum == b.nextIncomingSeqnum {
		// 恰好按序，立即投递
		b.nextIncomingSeqnum++
		b.totalDelivered++
		if !b.processPacket(rpkt) {
			// 连接已关闭
			return
		}
		// 接着投递所有就绪的后续包
		b.flush()
		return
	}
	heap.Push(&b.queue, rpkt)
}

// flush 投递队列里所有已就绪的包
func (b *ReliableRecvBuffer) flush() {
	for b.queue.Len() > 0 &&
		b.queue[0].Reliable.FullSeqnum <= b.nextIncomingSeqnum {
		rpkt := heap.Pop(&b.queue).(*protocol.ReceivedPacket)
		if rpkt.Reliable.FullSeqnum < b.nextIncomingSeqnum {
			// 队列里的重复包
			b.totalDuplicate++
			continue
		}
		b.nextIncomingSeqnum++
		b.totalDelivered++
		if !b.processPacket(rpkt) {
			return
		}
	}
}

// PendingCount 队列中等待排序的包数
func (b *ReliableRecvBuffer) PendingCount() int {
	return b.queue.Len()
}

// NextIncomingSeqnum 下一个待投递的流位置
func (b *ReliableRecvBuffer) NextIncomingSeqnum() uint64 {
	return b.nextIncomingSeqnum
}

// Stats 接收统计快照
func (b *ReliableRecvBuffer) Stats() ReliableRecvStats {
	return ReliableRecvStats{
		Delivered:     b.totalDelivered,
		Duplicate:     b.totalDuplicate,
		WindowDropped: b.totalWindowDropped,
		Acked:         b.totalAcked,
	}
}

// ---------------------------------------------------------------------------
// pendingQueue 按 FullSeqnum 排序的最小堆
// ---------------------------------------------------------------------------

type pendingQueue []*protocol.ReceivedPacket

func (q pendingQueue) Len() int { return len(q) }
func (q pendingQueue) Less(i, j int) bool {
	return q[i].Reliable.FullSeqnum < q[j].Reliable.FullSeqnum
}
func (q pendingQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x interface{}) {
	*q = append(*q, x.(*protocol.ReceivedPacket))
}

func (q *pendingQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	*q = old[:n-1]
	return item
}
