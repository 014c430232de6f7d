// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 数据报线协议 - 头部格式、包类型表、入站包解析
// =============================================================================
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// =============================================================================
// 协议常量
// =============================================================================

const (
	// DefaultProtocolID 协议魔数，不匹配的数据报直接丢弃
	DefaultProtocolID uint32 = 0x52445431 // "RDT1"

	// 头部大小
	// 基础头: protocol_id(4) + peer_id(2) + channel(1) = 7
	BaseHeaderSize     = 7
	ReliableHeaderSize = 3 // type(1) + seqnum(2)
	OriginalHeaderSize = 1 // type(1)

	// ChannelCount 每个对端的独立有序信道数
	ChannelCount = 3

	// PacketMaxSize 接收缓冲区大小，取 IPv6 最小 MTU
	PacketMaxSize = 1500

	// 16 位线上序列号空间
	SeqnumInitial uint16 = 65500
	SeqnumMax     uint16 = 65535
)

// 外层/内层包类型 (单字节)
const (
	TypeControl  uint8 = 0
	TypeOriginal uint8 = 1
	TypeSplit    uint8 = 2
	TypeReliable uint8 = 3

	typeMax uint8 = 4
)

// CONTROL 子类型
const (
	ControlAck       uint8 = 0
	ControlSetPeerID uint8 = 1
	ControlPing      uint8 = 2
	ControlDisco     uint8 = 3
)

// =============================================================================
// 解析错误
// =============================================================================

// ParseError 结构化解析失败。数据报被丢弃，不发送 ACK。
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "解析错误: " + e.Reason
}

func parseErrorf(format string, args ...interface{}) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// 大端二进制读取器
// =============================================================================

// reader 顺序读取大端字段，越界时返回 ParseError 而不是 panic
type reader struct {
	data []byte
	pos  int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.data) {
		return parseErrorf("数据意外结束: 需要 %d 字节, 位置 %d, 总长 %d", n, r.pos, len(r.data))
	}
	return nil
}

func (r *reader) readU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) readU16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) readU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

// =============================================================================
// 入站包
// =============================================================================

// ReceivedPacketType 解析后的包分类
type ReceivedPacketType uint8

const (
	RPTInvalid ReceivedPacketType = iota
	RPTOriginal
	RPTAck
	RPTSetPeerID
	RPTPing
	RPTDisco
	RPTSplit
)

func (t ReceivedPacketType) String() string {
	switch t {
	case RPTOriginal:
		return "ORIGINAL"
	case RPTAck:
		return "ACK"
	case RPTSetPeerID:
		return "SET_PEER_ID"
	case RPTPing:
		return "PING"
	case RPTDisco:
		return "DISCO"
	case RPTSplit:
		return "SPLIT"
	}
	return "INVALID"
}

// ReceivedPacket 解析完成的入站数据报。
// 由解析器分配，在接收流水线中独占所有权，投递或丢弃后释放。
type ReceivedPacket struct {
	ReceivedTimeMs uint64   // 到达时间 (ms)
	SourceAddr     net.Addr // 来源地址
	Tag            string   // 短十六进制标识，用于日志关联

	ProtocolID uint32
	PeerID     uint16
	Channel    uint8

	Type ReceivedPacketType

	// 外层带可靠头
	IsReliable bool
	Reliable   struct {
		Seqnum uint16
		// 按当前流位置外推出的 64 位序列号，由重排序缓冲区填写
		FullSeqnum uint64
	}

	Ack struct {
		Seqnum uint16
	}

	SetPeerID struct {
		NewPeerID uint16
	}

	Split struct {
		Seqnum     uint16
		ChunkCount uint16
		ChunkNum   uint16
	}

	// 头部之后未解析的载荷
	Contents []byte
}

// newTag 生成 8 位十六进制日志标识
func newTag() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Parse 校验并解析一个原始数据报。
// protocolID 为配置的协议魔数。失败时返回 *ParseError，数据报应被丢弃。
func Parse(data []byte, protocolID uint32, nowMs uint64, from net.Addr) (*ReceivedPacket, error) {
	r := &reader{data: data}
	p := &ReceivedPacket{
		ReceivedTimeMs: nowMs,
		SourceAddr:     from,
		Tag:            newTag(),
	}

	var err error
	if p.ProtocolID, err = r.readU32(); err != nil {
		return nil, err
	}
	if p.ProtocolID != protocolID {
		return nil, parseErrorf("protocol_id=%08x != %08x", p.ProtocolID, protocolID)
	}
	if p.PeerID, err = r.readU16(); err != nil {
		return nil, err
	}
	if p.Channel, err = r.readU8(); err != nil {
		return nil, err
	}
	if p.Channel >= ChannelCount {
		return nil, parseErrorf("无效信道 %d", p.Channel)
	}

	rawType, err := r.readU8()
	if err != nil {
		return nil, err
	}
	if rawType >= typeMax {
		return nil, parseErrorf("无效包类型: %d", rawType)
	}

	if rawType == TypeReliable {
		p.IsReliable = true
		if p.Reliable.Seqnum, err = r.readU16(); err != nil {
			return nil, err
		}
		// 可靠头之后是另一种类型的内层包
		if rawType, err = r.readU8(); err != nil {
			return nil, err
		}
	}

	cannotBeEmpty := false
	switch rawType {
	case TypeControl:
		controlType, err := r.readU8()
		if err != nil {
			return nil, err
		}
		switch controlType {
		case ControlAck:
			p.Type = RPTAck
			if p.Ack.Seqnum, err = r.readU16(); err != nil {
				return nil, err
			}
		case ControlSetPeerID:
			p.Type = RPTSetPeerID
			if p.SetPeerID.NewPeerID, err = r.readU16(); err != nil {
				return nil, err
			}
		case ControlPing:
			p.Type = RPTPing
		case ControlDisco:
			p.Type = RPTDisco
		default:
			return nil, parseErrorf("无效 control_type: %d", controlType)
		}

	case TypeOriginal:
		p.Type = RPTOriginal
		cannotBeEmpty = true

	case TypeSplit:
		p.Type = RPTSplit
		if p.Split.Seqnum, err = r.readU16(); err != nil {
			return nil, err
		}
		if p.Split.ChunkCount, err = r.readU16(); err != nil {
			return nil, err
		}
		if p.Split.ChunkNum, err = r.readU16(); err != nil {
			return nil, err
		}
		if p.Split.ChunkNum >= p.Split.ChunkCount {
			return nil, parseErrorf("chunk_num >= chunk_count: %d >= %d",
				p.Split.ChunkNum, p.Split.ChunkCount)
		}
		cannotBeEmpty = true

	case TypeReliable:
		return nil, parseErrorf("发现嵌套的可靠包")

	default:
		return nil, parseErrorf("无效内层类型: %d", rawType)
	}

	p.Contents = data[r.pos:]
	if cannotBeEmpty && len(p.Contents) == 0 {
		return nil, parseErrorf("载荷为空")
	}
	return p, nil
}

// String 返回 ReceivedPacket[tag]，用于日志关联
func (p *ReceivedPacket) String() string {
	return "ReceivedPacket[" + p.Tag + "]"
}

// Dump 输出全部解析元数据
func (p *ReceivedPacket) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ReceivedPacket[%s]:protocol_id=%08x,peer_id=%d,channel=%d,type=%s",
		p.Tag, p.ProtocolID, p.PeerID, p.Channel, p.Type)
	if p.IsReliable {
		fmt.Fprintf(&b, ",reliable_seqnum=%d", p.Reliable.Seqnum)
	}
	switch p.Type {
	case RPTAck:
		fmt.Fprintf(&b, ",ack_seqnum=%d", p.Ack.Seqnum)
	case RPTSetPeerID:
		fmt.Fprintf(&b, ",new_peer_id=%d", p.SetPeerID.NewPeerID)
	case RPTSplit:
		fmt.Fprintf(&b, ",split_seqnum=%d,split_chunk_count=%d,split_chunk_num=%d",
			p.Split.Seqnum, p.Split.ChunkCount, p.Split.ChunkNum)
	}
	fmt.Fprintf(&b, ",contents_size=%d", len(p.Contents))
	return b.String()
}
