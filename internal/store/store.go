package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-ladder/internal/backtest"
	"grid-ladder/internal/core"
	"grid-ladder/internal/strategy"
)

// LadderState is the persisted engine snapshot of one instance, with the
// simulated account it trades against in paper mode.
type LadderState struct {
	SnapshotID string             `json:"snapshot_id"`
	InstanceID string             `json:"instance_id"`
	Engine     strategy.Snapshot  `json:"engine"`
	Account    *backtest.Snapshot `json:"account,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// FillRecord journals one reconciled fill with the intent it answered.
type FillRecord struct {
	Fill         core.FillReport   `json:"fill"`
	Purpose      core.Purpose      `json:"purpose,omitempty"`
	PositionSide core.PositionSide `json:"position_side,omitempty"`
	Level        int               `json:"level,omitempty"`
	SnapshotID   string            `json:"snapshot_id,omitempty"`
}

type LedgerEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seen_at"`
}

type RuntimeStatus struct {
	Mode              string     `json:"mode"`
	Symbol            string     `json:"symbol"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	Phase             string     `json:"phase,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

// Persister is what a runner needs to survive a restart.
type Persister interface {
	SaveLadderState(state LadderState) error
	AppendFill(rec FillRecord) error
	HasFillKey(key string) (bool, error)
	RecordFillKey(key string, seenAt time.Time) error
}

type Store struct {
	root          string
	log           *zap.Logger
	mu            sync.Mutex
	lastSnapshot  string
	ledgerLoaded  bool
	ledger        map[string]struct{}
	ledgerEntries []LedgerEntry
}

const (
	ledgerMaxEntries    = 10000
	ledgerTrimToEntries = 8000
)

func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, log: logger.Named("store")}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) SaveLadderState(state LadderState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	state.SnapshotID = strings.TrimSpace(state.SnapshotID)
	if state.SnapshotID == "" {
		state.SnapshotID = newSnapshotID(state.UpdatedAt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSONAtomic(s.statePath(), state); err != nil {
		return err
	}
	s.lastSnapshot = state.SnapshotID
	return nil
}

func (s *Store) LoadLadderState() (LadderState, bool, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return LadderState{}, false, nil
		}
		return LadderState{}, false, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return LadderState{}, false, errors.New("ladder state file is empty")
	}
	var state LadderState
	if err := json.Unmarshal(trimmed, &state); err != nil {
		return LadderState{}, false, err
	}
	return state, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// AppendFill writes the fill to a per-day JSONL journal. The record is tagged
// with the last saved snapshot so a reader can tell which fills the snapshot
// already reflects.
func (s *Store) AppendFill(rec FillRecord) error {
	if rec.Fill.Time.IsZero() {
		rec.Fill.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.SnapshotID == "" {
		rec.SnapshotID = s.lastSnapshot
	}
	dir := filepath.Join(s.root, "fills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, rec.Fill.Time.UTC().Format("2006-01-02")+".jsonl")
	return appendJSONLine(path, rec)
}

// LoadFills reads every journaled fill in day order.
func (s *Store) LoadFills() ([]FillRecord, error) {
	dir := filepath.Join(s.root, "fills")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]FillRecord, 0)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		err := scanJSONLines(filepath.Join(dir, e.Name()), func(line []byte) {
			var rec FillRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				s.log.Warn("fill_journal_line_skipped", zap.String("file", e.Name()), zap.Error(err))
				return
			}
			out = append(out, rec)
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) HasFillKey(key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLedgerLocked(); err != nil {
		return false, err
	}
	_, ok := s.ledger[key]
	return ok, nil
}

func (s *Store) RecordFillKey(key string, seenAt time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLedgerLocked(); err != nil {
		return err
	}
	if _, ok := s.ledger[key]; ok {
		return nil
	}
	entry := LedgerEntry{Key: key, SeenAt: seenAt.UTC()}
	if err := appendJSONLine(s.ledgerPath(), entry); err != nil {
		return err
	}
	s.ledger[key] = struct{}{}
	s.ledgerEntries = append(s.ledgerEntries, entry)
	if len(s.ledgerEntries) > ledgerMaxEntries {
		return s.trimLedgerLocked()
	}
	return nil
}

func (s *Store) trimLedgerLocked() error {
	keep := ledgerTrimToEntries
	if keep > len(s.ledgerEntries) {
		keep = len(s.ledgerEntries)
	}
	kept := append([]LedgerEntry(nil), s.ledgerEntries[len(s.ledgerEntries)-keep:]...)
	if err := s.writeJSONLinesAtomic(s.ledgerPath(), kept); err != nil {
		return err
	}
	s.ledgerEntries = kept
	s.ledger = make(map[string]struct{}, len(kept))
	for _, entry := range kept {
		s.ledger[entry.Key] = struct{}{}
	}
	s.log.Info("fill_ledger_trimmed", zap.Int("kept", len(kept)))
	return nil
}

func (s *Store) loadLedgerLocked() error {
	if s.ledgerLoaded {
		return nil
	}
	s.ledger = make(map[string]struct{})
	s.ledgerEntries = make([]LedgerEntry, 0)
	loadedAt := time.Now().UTC()
	err := scanJSONLines(s.ledgerPath(), func(line []byte) {
		var entry LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return
		}
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return
		}
		if _, ok := s.ledger[key]; ok {
			return
		}
		entry.Key = key
		if entry.SeenAt.IsZero() {
			entry.SeenAt = loadedAt
		}
		s.ledger[key] = struct{}{}
		s.ledgerEntries = append(s.ledgerEntries, entry)
	})
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if len(s.ledgerEntries) > ledgerMaxEntries {
		if err := s.trimLedgerLocked(); err != nil {
			return err
		}
	}
	s.ledgerLoaded = true
	return nil
}

func (s *Store) statePath() string {
	return filepath.Join(s.root, "ladder_state.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) ledgerPath() string {
	return filepath.Join(s.root, "fill_ledger.jsonl")
}

func scanJSONLines(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	return s.writeAtomic(path, func(enc *json.Encoder) error {
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func (s *Store) writeJSONLinesAtomic(path string, entries []LedgerEntry) error {
	return s.writeAtomic(path, func(enc *json.Encoder) error {
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeAtomic writes to a temp file in the target directory and renames it
// over path.
func (s *Store) writeAtomic(path string, write func(enc *json.Encoder) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := write(json.NewEncoder(tmp)); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDirBestEffort(dir, path)
	return nil
}

func (s *Store) fsyncDirBestEffort(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.log.Warn("store_dir_fsync_skipped", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.log.Warn("store_dir_fsync_failed", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
	}
}

func newSnapshotID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return strconv.FormatInt(now.UnixNano(), 36)
}

var _ Persister = (*Store)(nil)
