// =============================================================================
// 文件: internal/transport/split.go
// 描述: 分片重组缓冲区 - 按分片序列号聚合块，完整后拼接投递
// =============================================================================
package transport

import (
	"github.com/mrcgq/rdt/internal/protocol"
)

// SplitTimeoutMs 非可靠分片组多久无活动后丢弃
const SplitTimeoutMs = 30

// DataReceivedFunc 完整载荷重组完成后调用
type DataReceivedFunc func(data []byte)

// incomingSplitGroup 一个重组中的分片组
type incomingSplitGroup struct {
	parent *SplitBuffer

	seqnum     uint16
	chunkCount uint16
	reliable   bool // 为 true 时不设超时，组保留到收齐为止

	// 按块号索引
	chunks        map[uint16]*protocol.ReceivedPacket
	timeoutHandle *TimeoutHandle
}

func newIncomingSplitGroup(parent *SplitBuffer, seqnum, chunkCount uint16,
	reliable bool, tq *TimeoutQueue) *incomingSplitGroup {
	g := &incomingSplitGroup{
		parent:        parent,
		seqnum:        seqnum,
		chunkCount:    chunkCount,
		reliable:      reliable,
		chunks:        make(map[uint16]*protocol.ReceivedPacket),
		timeoutHandle: NewTimeoutHandle(tq),
	}
	g.resetTimeout()
	return g
}

func (g *incomingSplitGroup) resetTimeout() {
	if !g.reliable {
		g.timeoutHandle.SetTimeout(g.parent.timeoutMs, func() {
			g.parent.handleTimeout(g)
		})
	}
}

func (g *incomingSplitGroup) allReceived() bool {
	return len(g.chunks) == int(g.chunkCount)
}

func (g *incomingSplitGroup) insert(rpkt *protocol.ReceivedPacket) {
	chunkNum := rpkt.Split.ChunkNum
	if g.chunkCount != rpkt.Split.ChunkCount {
		// 对端在上一组完成前复用了分片序列号，协议错误，忽略该包
		g.parent.logf("%s chunk_count 不一致: 组=%d 包=%d，忽略",
			rpkt, g.chunkCount, rpkt.Split.ChunkCount)
		return
	}
	// 解析器保证 chunk_num < chunk_count，到这里越界只能是编程错误
	if chunkNum >= g.chunkCount {
		panic("split: chunk_num 越界")
	}
	if g.reliable != rpkt.IsReliable {
		g.parent.logf("%s 警告: 组 reliable=%v 与包 is_reliable=%v 不一致",
			rpkt, g.reliable, rpkt.IsReliable)
	}

	// 块已存在时忽略。网络延迟时对端重发会产生完全相同的包。
	if _, ok := g.chunks[chunkNum]; ok {
		return
	}

	g.chunks[chunkNum] = rpkt
	g.resetTimeout()
}

// reassemble 按块号升序拼接所有块的载荷
func (g *incomingSplitGroup) reassemble() []byte {
	if !g.allReceived() {
		panic("split: 分片组未收齐")
	}

	totalSize := 0
	for _, chunk := range g.chunks {
		totalSize += len(chunk.Contents)
	}

	fullData := make([]byte, 0, totalSize)
	for num := uint16(0); num < g.chunkCount; num++ {
		fullData = append(fullData, g.chunks[num].Contents...)
	}
	return fullData
}

// drop 释放组持有的超时句柄
func (g *incomingSplitGroup) drop() {
	g.timeoutHandle.Close()
}

// SplitBuffer 重组分片包的缓冲区。
// 完整包重组完成后调用 dataReceived 回调。
// 不做内部同步，只能从接收任务使用。
type SplitBuffer struct {
	timeoutQueue *TimeoutQueue
	timeoutMs    uint64
	dataReceived DataReceivedFunc
	logf         func(format string, args ...interface{})

	// 键是分片序列号
	groups map[uint16]*incomingSplitGroup

	// 统计
	totalCompleted uint64
	totalTimeouts  uint64
}

// SplitStats 重组统计
type SplitStats struct {
	Completed uint64
	Timeouts  uint64
}

// NewSplitBuffer 创建分片重组缓冲区。
// timeoutMs 为 0 时取 SplitTimeoutMs；logf 为 nil 时丢弃异常日志。
func NewSplitBuffer(tq *TimeoutQueue, timeoutMs uint64, dataReceived DataReceivedFunc,
	logf func(format string, args ...interface{})) *SplitBuffer {
	if timeoutMs == 0 {
		timeoutMs = SplitTimeoutMs
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &SplitBuffer{
		timeoutQueue: tq,
		timeoutMs:    timeoutMs,
		dataReceived: dataReceived,
		logf:         logf,
		groups:       make(map[uint16]*incomingSplitGroup),
	}
}

// Insert 放入一个分片包，重组完成时触发 dataReceived
func (sb *SplitBuffer) Insert(rpkt *protocol.ReceivedPacket) {
	if rpkt.Type != protocol.RPTSplit {
		panic("split: 不是分片包")
	}
	seqnum := rpkt.Split.Seqnum
	chunkCount := rpkt.Split.ChunkCount

	sp, ok := sb.groups[seqnum]
	if !ok {
		sp = newIncomingSplitGroup(sb, seqnum, chunkCount, rpkt.IsReliable, sb.timeoutQueue)
		sb.groups[seqnum] = sp
	}
	sp.insert(rpkt)

	if sp.allReceived() {
		delete(sb.groups, seqnum)
		fullContents := sp.reassemble()
		sp.drop()
		sb.totalCompleted++
		sb.dataReceived(fullContents)
	}
}

// handleTimeout 超时回调: 移除未收齐的非可靠分片组
func (sb *SplitBuffer) handleTimeout(sp *incomingSplitGroup) {
	sb.logf("移除超时的非可靠分片组 seqnum=%d (%d/%d 块)",
		sp.seqnum, len(sp.chunks), sp.chunkCount)
	got, ok := sb.groups[sp.seqnum]
	if !ok || got != sp {
		panic("split: 超时的组不在缓冲区内")
	}
	delete(sb.groups, sp.seqnum)
	sp.drop()
	sb.totalTimeouts++
}

// Stats 重组统计快照
func (sb *SplitBuffer) Stats() SplitStats {
	return SplitStats{
		Completed: sb.totalCompleted,
		Timeouts:  sb.totalTimeouts,
	}
}

// GroupCount 重组中的分片组数量
func (sb *SplitBuffer) GroupCount() int {
	return len(sb.groups)
}

// Clear 丢弃所有重组中的分片组
func (sb *SplitBuffer) Clear() {
	for seqnum, sp := range sb.groups {
		delete(sb.groups, seqnum)
		sp.drop()
	}
}
