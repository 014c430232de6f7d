// =============================================================================
// 文件: internal/transport/dupguard.go
// 描述: 非可靠流量的重复数据报抑制 - 时间片布隆过滤器
// =============================================================================
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// 可靠包靠序列号去重；底层网络复制出的非可靠数据报没有序列号，
// 用短窗口布隆过滤器按整报内容抑制。误报只会多丢一个本就不保证
// 送达的包，不影响正确性。
const (
	dupBloomExpectedItems = 100000
	dupBloomFalsePositive = 0.0001

	dupSliceDuration = 2 * time.Second
	dupMaxSlices     = 4 // 覆盖约 8 秒
)

// DupGuard 重复数据报抑制器
type DupGuard struct {
	slices     [dupMaxSlices]*dupSlice
	currentIdx int

	mu    sync.Mutex
	stats DupGuardStats
}

// DupGuardStats 统计信息
type DupGuardStats struct {
	TotalChecks uint64
	Blocked     uint64
}

type dupSlice struct {
	bloom     *bloom.BloomFilter
	startTime time.Time
}

func newDupSlice(startTime time.Time) *dupSlice {
	return &dupSlice{
		bloom:     bloom.NewWithEstimates(dupBloomExpectedItems, dupBloomFalsePositive),
		startTime: startTime,
	}
}

// NewDupGuard 创建抑制器
func NewDupGuard() *DupGuard {
	dg := &DupGuard{}
	now := time.Now()
	for i := 0; i < dupMaxSlices; i++ {
		dg.slices[i] = newDupSlice(now)
	}
	return dg
}

// CheckAndMark 检查并登记一个数据报。
// 返回 true 表示首次出现，false 表示窗口期内的重复。
func (dg *DupGuard) CheckAndMark(datagram []byte) bool {
	atomic.AddUint64(&dg.stats.TotalChecks, 1)

	dg.mu.Lock()
	defer dg.mu.Unlock()

	dg.rotateLocked(time.Now())

	for i := 0; i < dupMaxSlices; i++ {
		if dg.slices[i].bloom.Test(datagram) {
			atomic.AddUint64(&dg.stats.Blocked, 1)
			return false
		}
	}

	dg.slices[dg.currentIdx].bloom.Add(datagram)
	return true
}

// rotateLocked 当前片过期时轮换，复用最老的槽位
func (dg *DupGuard) rotateLocked(now time.Time) {
	cur := dg.slices[dg.currentIdx]
	if now.Sub(cur.startTime) < dupSliceDuration {
		return
	}
	dg.currentIdx = (dg.currentIdx + 1) % dupMaxSlices
	dg.slices[dg.currentIdx] = newDupSlice(now)
}

// Stats 返回统计信息
func (dg *DupGuard) Stats() DupGuardStats {
	return DupGuardStats{
		TotalChecks: atomic.LoadUint64(&dg.stats.TotalChecks),
		Blocked:     atomic.LoadUint64(&dg.stats.Blocked),
	}
}
