package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "hookrelay/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.counters.snapshot.json (periodic snapshot)
//   - <prefix>.counters.journal.jsonl (append-only journal)
//
// Every Increment appends one journal line covering all of its buckets, so
// a crash never leaves a half-applied increment. The journal is periodically
// compacted into the snapshot.
//
// The journal opens with a generation header and the snapshot records the
// last generation it folded in. A journal whose generation is not newer than
// the snapshot's was already folded and is ignored on replay, so a crash
// between writing the snapshot and resetting the journal cannot count the
// same records twice.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	counters     map[string]fileCounter
	// gen is the generation of the records currently in the journal.
	gen int64
	// folded is set when the snapshot already holds gen but the journal
	// could not be reset; appends wait for a successful compaction.
	folded bool

	writes int
}

type fileSnapshot struct {
	Gen  int64         `json:"gen"`
	Rows []fileCounter `json:"rows"`
}

type fileCounter struct {
	Tenant string `json:"t"`
	Kind   Kind   `json:"k"`
	Bucket string `json:"b"`
	Start  int64  `json:"s"`
	Count  int64  `json:"n"`
}

type journalRecord struct {
	// Gen is set only on the header line.
	Gen    int64        `json:"g,omitempty"`
	Tenant string       `json:"t,omitempty"`
	Incr   []fileBucket `json:"i,omitempty"`
	// Prune records carry the cutoff so replay drops the same buckets.
	Prune *filePrune `json:"p,omitempty"`
}

type fileBucket struct {
	Kind   Kind   `json:"k"`
	Bucket string `json:"b"`
	Start  int64  `json:"s"`
}

type filePrune struct {
	Short   int64 `json:"s,omitempty"`
	Monthly int64 `json:"m,omitempty"`
}

func fileKey(tenant string, kind Kind, bucket string) string {
	return tenant + "\x00" + string(kind) + "\x00" + bucket
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".counters.snapshot.json"
	journalPath := prefix + ".counters.journal.jsonl"

	counters := map[string]fileCounter{}
	snapGen, err := loadSnapshot(snapPath, counters)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalGen, err := replayJournal(journalPath, snapGen, counters)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		counters:     counters,
		gen:          journalGen,
	}
	// A missing, stale or headerless journal is folded into a fresh snapshot
	// so the journal on disk always carries a generation newer than it.
	if journalGen <= snapGen {
		s.gen = snapGen + 1
		if err := s.compactLocked(); err != nil {
			_ = jf.Close()
			return nil, err
		}
	}

	log.Debug("file store opened", logx.String("path", prefix), logx.Int("counters", len(counters)), logx.Int64("gen", s.gen))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Counts(_ context.Context, tenantID string, buckets ...Bucket) ([]int64, error) {
	if err := validBuckets(buckets); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]int64, len(buckets))
	for i, b := range buckets {
		out[i] = s.counters[fileKey(tenantID, b.Kind, b.ID)].Count
	}
	return out, nil
}

func (s *fileStore) Increment(_ context.Context, tenantID string, buckets ...Bucket) error {
	if err := validBuckets(buckets); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if s.folded {
		if err := s.compactLocked(); err != nil {
			return err
		}
	}

	rec := journalRecord{Tenant: tenantID, Incr: make([]fileBucket, 0, len(buckets))}
	for _, b := range buckets {
		rec.Incr = append(rec.Incr, fileBucket{Kind: b.Kind, Bucket: b.ID, Start: b.Start.Unix()})
	}
	// Journal first: memory only changes once the record is durable.
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	applyRecord(s.counters, rec)

	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("counter compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Prune(_ context.Context, c Cutoff) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	before := len(s.counters)
	rec := journalRecord{Tenant: c.TenantID, Prune: &filePrune{}}
	if !c.ShortBefore.IsZero() {
		rec.Prune.Short = c.ShortBefore.Unix()
	}
	if !c.MonthlyBefore.IsZero() {
		rec.Prune.Monthly = c.MonthlyBefore.Unix()
	}
	applyRecord(s.counters, rec)
	n := int64(before - len(s.counters))
	if n == 0 {
		return 0, nil
	}
	// A sweep is a good moment to fold the journal.
	if err := s.compactLocked(); err != nil {
		return n, err
	}
	return n, nil
}

func applyRecord(m map[string]fileCounter, rec journalRecord) {
	for _, b := range rec.Incr {
		k := fileKey(rec.Tenant, b.Kind, b.Bucket)
		c := m[k]
		c.Tenant, c.Kind, c.Bucket, c.Start = rec.Tenant, b.Kind, b.Bucket, b.Start
		c.Count++
		m[k] = c
	}
	if p := rec.Prune; p != nil {
		cut := Cutoff{TenantID: rec.Tenant}
		if p.Short != 0 {
			cut.ShortBefore = time.Unix(p.Short, 0)
		}
		if p.Monthly != 0 {
			cut.MonthlyBefore = time.Unix(p.Monthly, 0)
		}
		for k, c := range m {
			if cut.TenantID != "" && c.Tenant != cut.TenantID {
				continue
			}
			if stale(cut, c.Kind, time.Unix(c.Start, 0)) {
				delete(m, k)
			}
		}
	}
}

func (s *fileStore) compactLocked() error {
	if err := s.writeSnapshotLocked(); err != nil {
		return err
	}
	if err := s.resetJournalLocked(); err != nil {
		s.folded = true
		return err
	}
	s.folded = false
	return nil
}

// writeSnapshotLocked folds the counters, including the current journal
// generation, into the snapshot file.
func (s *fileStore) writeSnapshotLocked() error {
	snap := fileSnapshot{Gen: s.gen, Rows: make([]fileCounter, 0, len(s.counters))}
	for _, c := range s.counters {
		snap.Rows = append(snap.Rows, c)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

// resetJournalLocked empties the journal and starts the next generation.
func (s *fileStore) resetJournalLocked() error {
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Gen: s.gen + 1}); err != nil {
		return err
	}
	s.gen++
	return nil
}

// loadSnapshot returns the generation the snapshot folded in. Snapshots
// written as a bare array carry generation 0.
func loadSnapshot(path string, out map[string]fileCounter) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var snap fileSnapshot
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &snap.Rows)
	} else {
		err = json.Unmarshal(raw, &snap)
	}
	if err != nil {
		return 0, err
	}
	for _, c := range snap.Rows {
		out[fileKey(c.Tenant, c.Kind, c.Bucket)] = c
	}
	return snap.Gen, nil
}

// replayJournal applies the journal on top of a snapshot of generation
// snapGen and returns the journal's generation, 0 when it has no header.
// Records of a generation the snapshot already holds are skipped.
func replayJournal(path string, snapGen int64, out map[string]fileCounter) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var (
		gen   int64
		first = true
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec journalRecord
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			first = false
			continue
		}
		if first && rec.Gen > 0 {
			first = false
			gen = rec.Gen
			if gen <= snapGen {
				return gen, nil
			}
			continue
		}
		first = false
		applyRecord(out, rec)
	}
	return gen, sc.Err()
}
