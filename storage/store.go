package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"viewbft/core"
)

// FileStore persists the safety state, committed blocks and the chain
// tip under one directory. Safety-state writes are atomic (temp file,
// fsync, rename) because a torn write there can enable double voting
// after a restart.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	logger hclog.Logger
}

type blockRecord struct {
	Block *core.Block
	QC    *core.QC
}

// NewFileStore creates the directory layout if needed.
func NewFileStore(dir string, logger hclog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "storage",
			Output: hclog.DefaultOutput,
			Level:  hclog.Info,
		})
	}
	if err := os.MkdirAll(filepath.Join(dir, "blocks"), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// SaveSafetyState durably records the safety state before returning.
func (s *FileStore) SaveSafetyState(state *core.SafetyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(filepath.Join(s.dir, "safety_state.json"), state)
}

// LoadSafetyState returns the persisted safety state, or nil when the
// node has never voted.
func (s *FileStore) LoadSafetyState() (*core.SafetyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state core.SafetyState
	ok, err := s.readJSON(filepath.Join(s.dir, "safety_state.json"), &state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

// SaveBlock records a committed block with its certificate and moves
// the tip pointer.
func (s *FileStore) SaveBlock(block *core.Block, qc *core.QC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := &blockRecord{Block: block, QC: qc}
	name := hex.EncodeToString(block.Hash())
	if err := s.writeAtomic(filepath.Join(s.dir, "blocks", name+".json"), record); err != nil {
		return err
	}
	return s.writeAtomic(filepath.Join(s.dir, "tip.json"), record)
}

// LoadChainTip returns the newest committed block and its certificate,
// or nils on a fresh store.
func (s *FileStore) LoadChainTip() (*core.Block, *core.QC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var record blockRecord
	ok, err := s.readJSON(filepath.Join(s.dir, "tip.json"), &record)
	if err != nil || !ok {
		return nil, nil, err
	}
	return record.Block, record.QC, nil
}

// LoadBlock returns a committed block by hash, or nil when unknown.
func (s *FileStore) LoadBlock(hash []byte) (*core.Block, *core.QC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var record blockRecord
	name := hex.EncodeToString(hash)
	ok, err := s.readJSON(filepath.Join(s.dir, "blocks", name+".json"), &record)
	if err != nil || !ok {
		return nil, nil, err
	}
	return record.Block, record.QC, nil
}

func (s *FileStore) writeAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err = json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// MemStore is an in-memory Store for tests. FailSaves makes every
// save return an error, simulating a broken disk.
type MemStore struct {
	mu        sync.Mutex
	state     *core.SafetyState
	tipBlock  *core.Block
	tipQC     *core.QC
	blocks    map[string]*blockRecord
	FailSaves bool
}

func NewMemStore() *MemStore {
	return &MemStore{blocks: make(map[string]*blockRecord)}
}

func (s *MemStore) SaveSafetyState(state *core.SafetyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves {
		return fmt.Errorf("memstore: saves disabled")
	}
	copied := *state
	s.state = &copied
	return nil
}

func (s *MemStore) LoadSafetyState() (*core.SafetyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	copied := *s.state
	return &copied, nil
}

func (s *MemStore) SaveBlock(block *core.Block, qc *core.QC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves {
		return fmt.Errorf("memstore: saves disabled")
	}
	s.blocks[hex.EncodeToString(block.Hash())] = &blockRecord{Block: block, QC: qc}
	s.tipBlock, s.tipQC = block, qc
	return nil
}

func (s *MemStore) LoadChainTip() (*core.Block, *core.QC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tipBlock, s.tipQC, nil
}
