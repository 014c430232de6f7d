// =============================================================================
// 文件: internal/transport/session.go
// 描述: 对端会话 - 按信道组织重排序/分片缓冲区并递归分发内层包
// =============================================================================
package transport

import (
	"github.com/mrcgq/rdt/internal/protocol"
)

// SessionHandler 会话向上层投递的回调。
// 所有回调都在接收任务上执行，跨任务转交由实现方负责。
type SessionHandler interface {
	// OnData 按序可靠载荷或重组完成的分片载荷
	OnData(channel uint8, data []byte)

	// OnControl 直接上浮的控制包 (ACK / SET_PEER_ID / PING / DISCO)
	OnControl(rpkt *protocol.ReceivedPacket)
}

// channelState 信道内的接收状态
type channelState struct {
	reliables *ReliableRecvBuffer
	splits    *SplitBuffer

	// 运行时可调窗口，发送端流控使用；接收端丢弃线以 MAX 为准
	windowSize uint16
}

func (c *channelState) setWindowSize(size int) {
	if size < MinReliableWindowSize {
		size = MinReliableWindowSize
	}
	if size > MaxReliableWindowSize {
		size = MaxReliableWindowSize
	}
	c.windowSize = uint16(size)
}

// SessionConfig 会话级调优，零值取默认
type SessionConfig struct {
	// WindowSize 信道初始窗口，钳制在 [MIN, MAX]
	WindowSize int
	// SplitTimeoutMs 非可靠分片组超时
	SplitTimeoutMs uint64
}

// PeerSession 一个对端的接收会话。
// 所有入口只能在同一个接收任务上串行调用，不做内部同步。
type PeerSession struct {
	peerID   uint16 // 对端分配给本端的 id，经 SET_PEER_ID 更新
	channels [protocol.ChannelCount]channelState

	sendAck SendAckFunc
	handler SessionHandler
	logf    func(format string, args ...interface{})

	closing bool
}

// NewPeerSession 创建会话。tq 由拥有接收任务的一方提供并负责推进。
func NewPeerSession(tq *TimeoutQueue, cfg SessionConfig, sendAck SendAckFunc,
	handler SessionHandler, logf func(format string, args ...interface{})) *PeerSession {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = StartReliableWindowSize
	}
	s := &PeerSession{
		sendAck: sendAck,
		handler: handler,
		logf:    logf,
	}
	for i := range s.channels {
		ch := &s.channels[i]
		channel := uint8(i)
		ch.setWindowSize(cfg.WindowSize)
		ch.reliables = NewReliableRecvBuffer(sendAck, func(rpkt *protocol.ReceivedPacket) bool {
			return s.processPacket(rpkt)
		})
		ch.splits = NewSplitBuffer(tq, cfg.SplitTimeoutMs, func(data []byte) {
			s.handler.OnData(channel, data)
		}, logf)
	}
	return s
}

// PeerID 对端最近一次 SET_PEER_ID 分配的 id
func (s *PeerSession) PeerID() uint16 {
	return s.peerID
}

// Closing 会话是否已收到 DISCO
func (s *PeerSession) Closing() bool {
	return s.closing
}

// SetWindowSize 调整信道窗口，钳制在 [MIN, MAX]
func (s *PeerSession) SetWindowSize(channel uint8, size int) {
	s.channels[channel].setWindowSize(size)
}

// WindowSize 读取信道当前窗口
func (s *PeerSession) WindowSize(channel uint8) uint16 {
	return s.channels[channel].windowSize
}

// HandlePacket 分发一个解析完成的入站包。只能从接收任务调用。
// 可靠包先经重排序缓冲区，按序取出后其内层包被递归分发；
// 解析器已拒绝嵌套可靠包，这里不会二次进入缓冲区。
func (s *PeerSession) HandlePacket(rpkt *protocol.ReceivedPacket) {
	if s.closing {
		return
	}
	if rpkt.IsReliable {
		s.channels[rpkt.Channel].reliables.Insert(rpkt)
		return
	}
	s.processPacket(rpkt)
}

// processPacket 按子类型处理一个就绪的包。
// 返回 false 表示会话正在关闭，停止本次调用内的后续投递。
func (s *PeerSession) processPacket(rpkt *protocol.ReceivedPacket) bool {
	switch rpkt.Type {
	case protocol.RPTOriginal:
		s.handler.OnData(rpkt.Channel, rpkt.Contents)

	case protocol.RPTSplit:
		s.channels[rpkt.Channel].splits.Insert(rpkt)

	case protocol.RPTAck, protocol.RPTPing:
		s.handler.OnControl(rpkt)

	case protocol.RPTSetPeerID:
		s.peerID = rpkt.SetPeerID.NewPeerID
		s.handler.OnControl(rpkt)

	case protocol.RPTDisco:
		s.logf("%s 收到 DISCO，会话关闭", rpkt)
		s.closing = true
		s.handler.OnControl(rpkt)
		return false

	default:
		s.logf("%s 无法处理的包类型 %s，丢弃", rpkt, rpkt.Type)
	}
	return !s.closing
}

// PendingReliableCount 各信道重排序队列的总深度
func (s *PeerSession) PendingReliableCount() int {
	total := 0
	for i := range s.channels {
		total += s.channels[i].reliables.PendingCount()
	}
	return total
}

// SplitGroupCount 各信道重组中的分片组总数
func (s *PeerSession) SplitGroupCount() int {
	total := 0
	for i := range s.channels {
		total += s.channels[i].splits.GroupCount()
	}
	return total
}

// Close 丢弃所有重组中的状态
func (s *PeerSession) Close() {
	s.closing = true
	for i := range s.channels {
		s.channels[i].splits.Clear()
	}
}
