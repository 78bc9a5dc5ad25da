package services

import (
	"sync"

	"telemetry-agent/pkg/logging"
)

// ProcessedJournal 去重集合的持久化后端
// 写入失败只记日志，不影响内存集合
type ProcessedJournal interface {
	RecordProcessed(transactionID uint64, productID string) error
	LoadProcessedIDs() ([]uint64, error)
}

// Deduper 交易去重集合
// 只增不删，交易ID 仅在远端确认入库之后才写入；
// 检查和写入都持锁，重放流和实时流并发访问也不会重复处理
type Deduper struct {
	mu      sync.Mutex
	seen    map[uint64]struct{}
	journal ProcessedJournal
}

// NewDeduper 创建去重集合，journal 可为 nil（纯内存模式）
func NewDeduper(journal ProcessedJournal) *Deduper {
	d := &Deduper{
		seen:    make(map[uint64]struct{}),
		journal: journal,
	}

	if journal != nil {
		ids, err := journal.LoadProcessedIDs()
		if err != nil {
			logging.Errorf("Failed to load processed transaction journal: %v", err)
			return d
		}
		for _, id := range ids {
			d.seen[id] = struct{}{}
		}
		if len(ids) > 0 {
			logging.Infof("Seeded deduper with %d journaled transaction ids", len(ids))
		}
	}

	return d
}

// Seen 检查交易ID 是否已处理
func (d *Deduper) Seen(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, exists := d.seen[id]
	return exists
}

// MarkSeen 标记交易ID 已处理，并尽力写入流水
func (d *Deduper) MarkSeen(id uint64, productID string) {
	d.mu.Lock()
	d.seen[id] = struct{}{}
	d.mu.Unlock()

	if d.journal != nil {
		if err := d.journal.RecordProcessed(id, productID); err != nil {
			logging.Errorf("Failed to journal processed transaction %d: %v", id, err)
		}
	}
}

// Size 返回集合大小（供状态接口使用）
func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}
