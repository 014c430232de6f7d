// =============================================================================
// 文件: internal/transport/receiver_test.go
// 描述: 接收任务测试 - 解析分发与 ACK 发射
// =============================================================================
package transport

import (
	"bytes"
	"net"
	"testing"

	"github.com/mrcgq/rdt/internal/protocol"
)

type receiverFixture struct {
	receiver *Receiver
	handler  *captureHandler
	replies  [][]byte
	from     net.Addr
}

func newReceiverFixture(enableDupGuard bool) *receiverFixture {
	f := &receiverFixture{
		handler: &captureHandler{},
		from:    &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999},
	}
	f.receiver = NewReceiver(ReceiverConfig{
		ProtocolID:     protocol.DefaultProtocolID,
		EnableDupGuard: enableDupGuard,
	}, f.handler, nil)
	return f
}

func (f *receiverFixture) deliver(data []byte) {
	f.receiver.handleDatagram(Datagram{
		Data: data,
		From: f.from,
		Reply: func(b []byte) error {
			f.replies = append(f.replies, b)
			return nil
		},
	})
}

func TestReceiverDeliversOriginal(t *testing.T) {
	f := newReceiverFixture(false)

	f.deliver(protocol.BuildOriginal(protocol.DefaultProtocolID, 1, 0, []byte("hi")))

	if len(f.handler.data) != 1 || !bytes.Equal(f.handler.data[0].payload, []byte("hi")) {
		t.Fatalf("投递不正确: %+v", f.handler.data)
	}
	if f.receiver.SessionCount() != 1 {
		t.Errorf("应创建一个会话: %d", f.receiver.SessionCount())
	}
}

func TestReceiverEmitsAckDatagram(t *testing.T) {
	f := newReceiverFixture(false)

	inner := append([]byte{protocol.TypeOriginal}, "x"...)
	f.deliver(protocol.BuildReliable(protocol.DefaultProtocolID, 5, 1, 65500, inner))

	if len(f.replies) != 1 {
		t.Fatalf("应发射一个 ACK: %d", len(f.replies))
	}

	// 回包必须是合法的 CONTROL/ACK，带回同一序列号
	ack, err := protocol.Parse(f.replies[0], protocol.DefaultProtocolID, 0, nil)
	if err != nil {
		t.Fatalf("ACK 无法解析: %v", err)
	}
	if ack.Type != protocol.RPTAck {
		t.Fatalf("回包类型不正确: %s", ack.Type)
	}
	if ack.Ack.Seqnum != 65500 {
		t.Errorf("ACK 序列号不正确: got %d, want 65500", ack.Ack.Seqnum)
	}
	if ack.Channel != 1 {
		t.Errorf("ACK 信道不正确: got %d, want 1", ack.Channel)
	}
}

func TestReceiverDropsMalformed(t *testing.T) {
	f := newReceiverFixture(false)

	f.deliver([]byte{1, 2, 3})
	f.deliver(nil)

	if len(f.handler.data) != 0 || len(f.replies) != 0 {
		t.Error("畸形数据报不得投递或回包")
	}
	if f.receiver.SessionCount() != 0 {
		t.Error("畸形数据报不应创建会话")
	}
}

func TestReceiverDiscoDropsSession(t *testing.T) {
	f := newReceiverFixture(false)

	f.deliver(protocol.BuildOriginal(protocol.DefaultProtocolID, 1, 0, []byte("hi")))
	if f.receiver.SessionCount() != 1 {
		t.Fatal("会话应存在")
	}

	f.deliver(protocol.BuildControlDisco(protocol.DefaultProtocolID, 1, 0))
	if f.receiver.SessionCount() != 0 {
		t.Errorf("DISCO 后会话应被移除: %d", f.receiver.SessionCount())
	}
}

func TestReceiverDupGuardSuppresses(t *testing.T) {
	f := newReceiverFixture(true)

	datagram := protocol.BuildOriginal(protocol.DefaultProtocolID, 1, 0, []byte("dup"))
	f.deliver(datagram)
	f.deliver(datagram)

	if len(f.handler.data) != 1 {
		t.Errorf("重复数据报应被抑制: got %d 次投递", len(f.handler.data))
	}
}

func TestReceiverDupGuardIgnoresReliable(t *testing.T) {
	f := newReceiverFixture(true)

	// 可靠包靠序列号去重，布隆过滤器不插手;
	// 重复可靠包必须照常补发 ACK
	inner := append([]byte{protocol.TypeOriginal}, "r"...)
	datagram := protocol.BuildReliable(protocol.DefaultProtocolID, 1, 0, 65500, inner)
	f.deliver(datagram)
	f.deliver(datagram)

	if len(f.replies) != 2 {
		t.Errorf("重复可靠包应各回一个 ACK: got %d", len(f.replies))
	}
	if len(f.handler.data) != 1 {
		t.Errorf("载荷只应投递一次: got %d", len(f.handler.data))
	}
}
