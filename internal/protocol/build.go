// =============================================================================
// 文件: internal/protocol/build.go
// 描述: 出站数据报构造 - 基础头、各类型包的封装与自动分片
// =============================================================================
package protocol

import "encoding/binary"

// appendBaseHeader 写入基础头: protocol_id(4) + peer_id(2) + channel(1)
func appendBaseHeader(buf []byte, protocolID uint32, peerID uint16, channel uint8) []byte {
	var hdr [BaseHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], protocolID)
	binary.BigEndian.PutUint16(hdr[4:6], peerID)
	hdr[6] = channel
	return append(buf, hdr[:]...)
}

// BuildOriginal 构造 ORIGINAL 包
func BuildOriginal(protocolID uint32, peerID uint16, channel uint8, payload []byte) []byte {
	buf := make([]byte, 0, BaseHeaderSize+OriginalHeaderSize+len(payload))
	buf = appendBaseHeader(buf, protocolID, peerID, channel)
	buf = append(buf, TypeOriginal)
	return append(buf, payload...)
}

// BuildReliable 给内层包体加上 RELIABLE 头。
// inner 是不含基础头的内层包体 (type 字节开始)，且自身不得是 RELIABLE。
func BuildReliable(protocolID uint32, peerID uint16, channel uint8, seqnum uint16, inner []byte) []byte {
	buf := make([]byte, 0, BaseHeaderSize+ReliableHeaderSize+len(inner))
	buf = appendBaseHeader(buf, protocolID, peerID, channel)
	buf = append(buf, TypeReliable)
	buf = binary.BigEndian.AppendUint16(buf, seqnum)
	return append(buf, inner...)
}

// BuildSplitChunk 构造单个 SPLIT 分片包
func BuildSplitChunk(protocolID uint32, peerID uint16, channel uint8,
	seqnum, chunkCount, chunkNum uint16, payload []byte) []byte {
	buf := make([]byte, 0, BaseHeaderSize+7+len(payload))
	buf = appendBaseHeader(buf, protocolID, peerID, channel)
	buf = append(buf, TypeSplit)
	buf = binary.BigEndian.AppendUint16(buf, seqnum)
	buf = binary.BigEndian.AppendUint16(buf, chunkCount)
	buf = binary.BigEndian.AppendUint16(buf, chunkNum)
	return append(buf, payload...)
}

// BuildControlAck 构造 CONTROL/ACK 包
func BuildControlAck(protocolID uint32, peerID uint16, channel uint8, seqnum uint16) []byte {
	buf := make([]byte, 0, BaseHeaderSize+4)
	buf = appendBaseHeader(buf, protocolID, peerID, channel)
	buf = append(buf, TypeControl, ControlAck)
	return binary.BigEndian.AppendUint16(buf, seqnum)
}

// BuildControlSetPeerID 构造 CONTROL/SET_PEER_ID 包
func BuildControlSetPeerID(protocolID uint32, peerID uint16, channel uint8, newPeerID uint16) []byte {
	buf := make([]byte, 0, BaseHeaderSize+4)
	buf = appendBaseHeader(buf, protocolID, peerID, channel)
	buf = append(buf, TypeControl, ControlSetPeerID)
	return binary.BigEndian.AppendUint16(buf, newPeerID)
}

// BuildControlPing 构造 CONTROL/PING 包
func BuildControlPing(protocolID uint32, peerID uint16, channel uint8) []byte {
	buf := make([]byte, 0, BaseHeaderSize+2)
	buf = appendBaseHeader(buf, protocolID, peerID, channel)
	return append(buf, TypeControl, ControlPing)
}

// BuildControlDisco 构造 CONTROL/DISCO 包
func BuildControlDisco(protocolID uint32, peerID uint16, channel uint8) []byte {
	buf := make([]byte, 0, BaseHeaderSize+2)
	buf = appendBaseHeader(buf, protocolID, peerID, channel)
	return append(buf, TypeControl, ControlDisco)
}

// SplitPayload 把超过 chunkSizeMax 的载荷切成 SPLIT 分片，否则返回单个 ORIGINAL。
// 返回待发送的数据报列表；产生分片时序列号 *splitSeqnum 自增一次。
func SplitPayload(protocolID uint32, peerID uint16, channel uint8,
	payload []byte, chunkSizeMax int, splitSeqnum *uint16) [][]byte {
	if len(payload) <= chunkSizeMax {
		return [][]byte{BuildOriginal(protocolID, peerID, channel, payload)}
	}

	chunkCount := (len(payload) + chunkSizeMax - 1) / chunkSizeMax
	seqnum := *splitSeqnum
	*splitSeqnum++

	out := make([][]byte, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * chunkSizeMax
		end := start + chunkSizeMax
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, BuildSplitChunk(protocolID, peerID, channel,
			seqnum, uint16(chunkCount), uint16(i), payload[start:end]))
	}
	return out
}
