package mempool

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Pool is a FIFO in-memory transaction pool. The consensus engine
// takes batches when proposing and releases them when a view fails;
// released batches rejoin the front of the queue so payload order
// survives a failed view.
type Pool struct {
	mu      sync.Mutex
	txs     [][]byte
	maxSize int
	logger  hclog.Logger
}

// New creates a pool holding at most maxSize transactions; 0 means
// unbounded.
func New(maxSize int, logger hclog.Logger) *Pool {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "mempool",
			Output: hclog.DefaultOutput,
			Level:  hclog.Info,
		})
	}
	return &Pool{maxSize: maxSize, logger: logger}
}

// Add queues one transaction, dropping the oldest when full.
func (p *Pool) Add(tx []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxSize > 0 && len(p.txs) >= p.maxSize {
		p.txs = p.txs[1:]
		p.logger.Debug("pool full, dropped the oldest transaction")
	}
	p.txs = append(p.txs, tx)
}

// TakeBatch removes and returns up to maxSize queued transactions.
func (p *Pool) TakeBatch(maxSize int) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxSize <= 0 || maxSize > len(p.txs) {
		maxSize = len(p.txs)
	}
	if maxSize == 0 {
		return nil
	}
	batch := make([][]byte, maxSize)
	copy(batch, p.txs[:maxSize])
	p.txs = p.txs[maxSize:]
	return batch
}

// Release returns an unused batch to the front of the queue.
func (p *Pool) Release(batch [][]byte) {
	if len(batch) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs = append(append([][]byte{}, batch...), p.txs...)
}

// Len returns the number of queued transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}
