// =============================================================================
// 文件: internal/transport/split_test.go
// 描述: 分片重组缓冲区测试
// =============================================================================
package transport

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/mrcgq/rdt/internal/protocol"
)

// mkSplit 构造一个非可靠分片包
func mkSplit(t testing.TB, seqnum, chunkCount, chunkNum uint16, payload string) *protocol.ReceivedPacket {
	t.Helper()
	data := protocol.BuildSplitChunk(protocol.DefaultProtocolID, 2, 0,
		seqnum, chunkCount, chunkNum, []byte(payload))
	rpkt, err := protocol.Parse(data, protocol.DefaultProtocolID, 0, nil)
	if err != nil {
		t.Fatalf("构造分片包失败: %v", err)
	}
	return rpkt
}

// mkReliableSplit 构造一个可靠分片包
func mkReliableSplit(t testing.TB, reliableSeqnum, seqnum, chunkCount, chunkNum uint16,
	payload string) *protocol.ReceivedPacket {
	t.Helper()
	full := protocol.BuildSplitChunk(protocol.DefaultProtocolID, 2, 0,
		seqnum, chunkCount, chunkNum, []byte(payload))
	inner := full[protocol.BaseHeaderSize:]
	data := protocol.BuildReliable(protocol.DefaultProtocolID, 2, 0, reliableSeqnum, inner)
	rpkt, err := protocol.Parse(data, protocol.DefaultProtocolID, 0, nil)
	if err != nil {
		t.Fatalf("构造可靠分片包失败: %v", err)
	}
	return rpkt
}

type splitFixture struct {
	clock     *fakeClock
	tq        *TimeoutQueue
	buf       *SplitBuffer
	delivered [][]byte
	logs      []string
}

func newSplitFixture() *splitFixture {
	f := &splitFixture{clock: &fakeClock{nowMs: 1000}}
	f.tq = NewTimeoutQueue(f.clock.now)
	f.buf = NewSplitBuffer(f.tq, 0, func(data []byte) {
		f.delivered = append(f.delivered, data)
	}, func(format string, args ...interface{}) {
		f.logs = append(f.logs, fmt.Sprintf(format, args...))
	})
	return f
}

func TestSplitReassembleOutOfOrder(t *testing.T) {
	f := newSplitFixture()

	// 3 块按 2, 0, 1 到达
	f.buf.Insert(mkSplit(t, 7, 3, 2, "C"))
	f.buf.Insert(mkSplit(t, 7, 3, 0, "A"))
	if len(f.delivered) != 0 {
		t.Fatal("未收齐不应投递")
	}
	f.buf.Insert(mkSplit(t, 7, 3, 1, "B"))

	if len(f.delivered) != 1 {
		t.Fatalf("应恰好投递一次: got %d", len(f.delivered))
	}
	if !bytes.Equal(f.delivered[0], []byte("ABC")) {
		t.Errorf("拼接结果不正确: got %q, want ABC", f.delivered[0])
	}
	if f.buf.GroupCount() != 0 {
		t.Errorf("完成后组应被移除: %d", f.buf.GroupCount())
	}
	if f.buf.Stats().Completed != 1 {
		t.Errorf("完成计数不正确: %d", f.buf.Stats().Completed)
	}
}

func TestSplitSingleChunkGroup(t *testing.T) {
	f := newSplitFixture()
	f.buf.Insert(mkSplit(t, 1, 1, 0, "solo"))
	if len(f.delivered) != 1 || !bytes.Equal(f.delivered[0], []byte("solo")) {
		t.Fatalf("单块组应立即投递: %v", f.delivered)
	}
}

func TestSplitDuplicateChunkIgnored(t *testing.T) {
	f := newSplitFixture()

	f.buf.Insert(mkSplit(t, 3, 2, 0, "A"))
	f.buf.Insert(mkSplit(t, 3, 2, 0, "A"))
	if len(f.delivered) != 0 {
		t.Fatal("重复块不应触发投递")
	}

	f.buf.Insert(mkSplit(t, 3, 2, 1, "B"))
	if len(f.delivered) != 1 || !bytes.Equal(f.delivered[0], []byte("AB")) {
		t.Fatalf("投递不正确: %v", f.delivered)
	}
}

func TestSplitTimeoutEvictsGroup(t *testing.T) {
	f := newSplitFixture()

	// 2 块只到 1 块
	f.buf.Insert(mkSplit(t, 5, 2, 0, "A"))
	if f.buf.GroupCount() != 1 {
		t.Fatal("组应存在")
	}

	// 时钟推进 31ms 后处理超时，组被逐出
	f.clock.advance(31)
	f.tq.ProcessTimeouts()

	if f.buf.GroupCount() != 0 {
		t.Error("超时后组应被移除")
	}
	if len(f.delivered) != 0 {
		t.Error("超时的组不得投递")
	}
	if f.buf.Stats().Timeouts != 1 {
		t.Errorf("超时计数不正确: %d", f.buf.Stats().Timeouts)
	}

	// 迟到的块开新组，不会复活旧数据
	f.buf.Insert(mkSplit(t, 5, 2, 1, "B"))
	if f.buf.GroupCount() != 1 || len(f.delivered) != 0 {
		t.Error("迟到块应开新组")
	}
}

func TestSplitTimeoutRearmedOnChunk(t *testing.T) {
	f := newSplitFixture()

	f.buf.Insert(mkSplit(t, 5, 3, 0, "A"))
	f.clock.advance(20)
	f.tq.ProcessTimeouts()

	// 第二块到达重置超时
	f.buf.Insert(mkSplit(t, 5, 3, 1, "B"))
	f.clock.advance(20)
	f.tq.ProcessTimeouts()
	if f.buf.GroupCount() != 1 {
		t.Fatal("每次收块都应重置超时，组不应被逐出")
	}

	// 无活动超过超时后逐出
	f.clock.advance(11)
	f.tq.ProcessTimeouts()
	if f.buf.GroupCount() != 0 {
		t.Error("组应被逐出")
	}
}

func TestSplitReliableGroupNoTimeout(t *testing.T) {
	f := newSplitFixture()

	f.buf.Insert(mkReliableSplit(t, 100, 9, 2, 0, "A"))
	if !f.tq.Empty() {
		t.Error("可靠分片组不应排期超时")
	}

	// 任意久之后仍能完成
	f.clock.advance(1000000)
	f.tq.ProcessTimeouts()
	if f.buf.GroupCount() != 1 {
		t.Fatal("可靠组应持续保留")
	}

	f.buf.Insert(mkReliableSplit(t, 101, 9, 2, 1, "B"))
	if len(f.delivered) != 1 || !bytes.Equal(f.delivered[0], []byte("AB")) {
		t.Fatalf("投递不正确: %v", f.delivered)
	}
}

func TestSplitChunkCountMismatchIgnored(t *testing.T) {
	f := newSplitFixture()

	f.buf.Insert(mkSplit(t, 4, 3, 0, "A"))
	// chunk_count 不一致的包被记录并忽略，组保持原样
	f.buf.Insert(mkSplit(t, 4, 2, 1, "X"))

	if len(f.logs) == 0 {
		t.Error("chunk_count 不一致应记录日志")
	}
	if f.buf.GroupCount() != 1 {
		t.Fatal("组应保留")
	}

	// 原组仍按 chunk_count=3 收齐
	f.buf.Insert(mkSplit(t, 4, 3, 1, "B"))
	f.buf.Insert(mkSplit(t, 4, 3, 2, "C"))
	if len(f.delivered) != 1 || !bytes.Equal(f.delivered[0], []byte("ABC")) {
		t.Fatalf("投递不正确: %v", f.delivered)
	}
}

func TestSplitReliableFlagMismatchWarns(t *testing.T) {
	f := newSplitFixture()

	f.buf.Insert(mkSplit(t, 6, 2, 0, "A"))
	// reliable 标志不一致只告警，包仍被接受
	f.buf.Insert(mkReliableSplit(t, 100, 6, 2, 1, "B"))

	if len(f.logs) == 0 {
		t.Error("reliable 不一致应告警")
	}
	if len(f.delivered) != 1 || !bytes.Equal(f.delivered[0], []byte("AB")) {
		t.Fatalf("包应被接受并完成重组: %v", f.delivered)
	}
}

func TestSplitSeqnumNamespacesIndependent(t *testing.T) {
	f := newSplitFixture()

	// 两个组交错到达互不干扰
	f.buf.Insert(mkSplit(t, 1, 2, 0, "a1"))
	f.buf.Insert(mkSplit(t, 2, 2, 0, "b1"))
	f.buf.Insert(mkSplit(t, 2, 2, 1, "b2"))
	f.buf.Insert(mkSplit(t, 1, 2, 1, "a2"))

	if len(f.delivered) != 2 {
		t.Fatalf("应投递两次: %d", len(f.delivered))
	}
	if !bytes.Equal(f.delivered[0], []byte("b1b2")) || !bytes.Equal(f.delivered[1], []byte("a1a2")) {
		t.Errorf("投递不正确: %q, %q", f.delivered[0], f.delivered[1])
	}
}

func TestSplitClear(t *testing.T) {
	f := newSplitFixture()
	f.buf.Insert(mkSplit(t, 1, 2, 0, "A"))
	f.buf.Insert(mkSplit(t, 2, 3, 0, "B"))

	f.buf.Clear()
	if f.buf.GroupCount() != 0 {
		t.Error("Clear 后不应有组")
	}
	if !f.tq.Empty() {
		t.Error("Clear 后不应有排期的超时")
	}
}
