// =============================================================================
// 文件: internal/transport/receiver.go
// 描述: 接收任务 - 串行驱动解析、会话分发和超时队列
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/protocol"
)

// Datagram 底层网络送入接收任务的一个数据报
type Datagram struct {
	Data []byte
	From net.Addr

	// Reply 把数据写回来源，用于 ACK 发射
	Reply func(data []byte) error
}

// ReceiverConfig 接收任务配置
type ReceiverConfig struct {
	ProtocolID uint32
	// QueueSize 入站数据报队列深度，0 取默认值
	QueueSize int
	// EnableDupGuard 对非可靠数据报启用重复抑制
	EnableDupGuard bool
	// Session 新会话的调优参数
	Session  SessionConfig
	LogLevel int
}

const defaultReceiverQueueSize = 1024

// Receiver 接收任务。重排序缓冲区、分片缓冲区与超时队列都只被
// 这一个任务触碰，各子系统因此无需内部同步。
type Receiver struct {
	cfg     ReceiverConfig
	tq      *TimeoutQueue
	handler SessionHandler
	met     *metrics.TransportMetrics // 可为 nil
	guard   *DupGuard

	// 按来源地址索引的会话，仅接收任务访问
	sessions map[string]*PeerSession

	// 当前数据报的写回函数，HandlePacket 期间有效
	curReply func(data []byte) error

	in chan Datagram
}

// NewReceiver 创建接收任务。met 可为 nil。
func NewReceiver(cfg ReceiverConfig, handler SessionHandler, met *metrics.TransportMetrics) *Receiver {
	if cfg.ProtocolID == 0 {
		cfg.ProtocolID = protocol.DefaultProtocolID
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultReceiverQueueSize
	}
	r := &Receiver{
		cfg:      cfg,
		tq:       NewTimeoutQueue(nil),
		handler:  handler,
		met:      met,
		sessions: make(map[string]*PeerSession),
		in:       make(chan Datagram, cfg.QueueSize),
	}
	if cfg.EnableDupGuard {
		r.guard = NewDupGuard()
	}
	return r
}

// Enqueue 从任意协程投递一个数据报。队列满时丢弃，
// 与底层网络丢包等价，由可靠层自行恢复。
func (r *Receiver) Enqueue(d Datagram) {
	select {
	case r.in <- d:
	default:
		r.log(2, "入站队列已满，丢弃来自 %v 的数据报", d.From)
	}
}

// Run 运行接收循环直到 ctx 取消。
// 每个数据报之间以及空闲滴答时推进超时队列。
func (r *Receiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-r.in:
			r.handleDatagram(d)
			r.tq.ProcessTimeouts()
		case <-ticker.C:
			r.tq.ProcessTimeouts()
		}
	}
}

// handleDatagram 解析并分发一个数据报。只能从接收循环调用。
func (r *Receiver) handleDatagram(d Datagram) {
	if r.met != nil {
		r.met.BytesReceived.Add(float64(len(d.Data)))
	}

	rpkt, err := protocol.Parse(d.Data, r.cfg.ProtocolID, wallClockMs(), d.From)
	if err != nil {
		// 解析失败只丢弃该数据报，不发 ACK，不影响其他包
		if r.met != nil {
			r.met.ParseErrors.Inc()
		}
		r.log(2, "丢弃无法解析的数据报 (%d 字节, 来自 %v): %v", len(d.Data), d.From, err)
		return
	}
	if r.met != nil {
		r.met.RecordPacket(rpkt.Type.String())
	}

	// 非可靠数据报没有序列号可去重，交给布隆过滤器
	if r.guard != nil && !rpkt.IsReliable && rpkt.Type != protocol.RPTAck {
		if !r.guard.CheckAndMark(d.Data) {
			if r.met != nil {
				r.met.DupGuardBlocked.Inc()
			}
			r.log(2, "%s 疑似重复数据报，抑制", rpkt)
			return
		}
	}

	session := r.lookupSession(d.From)

	r.curReply = d.Reply
	session.HandlePacket(rpkt)
	r.curReply = nil

	if session.Closing() {
		r.dropSession(d.From)
	}
	r.updateGauges()
}

// lookupSession 按来源地址取会话，不存在则创建
func (r *Receiver) lookupSession(from net.Addr) *PeerSession {
	key := from.String()
	if s, ok := r.sessions[key]; ok {
		return s
	}
	s := NewPeerSession(r.tq, r.cfg.Session, r.sendAck, r.handler, func(format string, args ...interface{}) {
		r.log(0, format, args...)
	})
	r.sessions[key] = s
	r.log(1, "新会话: %s (当前 %d 个)", key, len(r.sessions))
	if r.met != nil {
		r.met.ActiveSessions.Set(float64(len(r.sessions)))
	}
	return s
}

func (r *Receiver) dropSession(from net.Addr) {
	key := from.String()
	if s, ok := r.sessions[key]; ok {
		s.Close()
		delete(r.sessions, key)
		r.log(1, "会话关闭: %s", key)
		if r.met != nil {
			r.met.ActiveSessions.Set(float64(len(r.sessions)))
		}
	}
}

// sendAck 为窗口内的可靠包发射 CONTROL/ACK
func (r *Receiver) sendAck(rpkt *protocol.ReceivedPacket) {
	if r.curReply == nil {
		return
	}
	ack := protocol.BuildControlAck(r.cfg.ProtocolID, rpkt.PeerID, rpkt.Channel, rpkt.Reliable.Seqnum)
	if err := r.curReply(ack); err != nil {
		r.log(0, "%s ACK 发送失败: %v", rpkt, err)
		return
	}
	if r.met != nil {
		r.met.AcksSent.Inc()
	}
}

func (r *Receiver) updateGauges() {
	if r.met == nil {
		return
	}
	pending, groups := 0, 0
	for _, s := range r.sessions {
		pending += s.PendingReliableCount()
		groups += s.SplitGroupCount()
	}
	r.met.ReorderPending.Set(float64(pending))
	r.met.SplitGroupsActive.Set(float64(groups))
}

// SessionCount 当前会话数
func (r *Receiver) SessionCount() int {
	return len(r.sessions)
}

func (r *Receiver) log(level int, format string, args ...interface{}) {
	if level > r.cfg.LogLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [Receiver] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
