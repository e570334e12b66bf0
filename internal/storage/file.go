package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "clipflow/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json  (periodic snapshot, insertion order preserved)
//   - <prefix>.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	colls        map[string]*memColl

	writes       int
	compactEvery int
}

type journalOp struct {
	Op         string          `json:"op"` // put | del
	Collection string          `json:"c"`
	ID         string          `json:"id"`
	Doc        json.RawMessage `json:"doc,omitempty"`
}

type snapshotDoc struct {
	ID  string          `json:"id"`
	Doc json.RawMessage `json:"doc"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	colls := map[string]*memColl{}
	if err := loadSnapshot(snapPath, colls); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, colls); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		colls:        colls,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("storage compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, collection, id string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[collection]
	if c == nil {
		return nil, false, nil
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

func (s *fileStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	_ = ctx
	if !json.Valid(doc) {
		return errors.New("storage: document is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalOp{Op: "put", Collection: collection, ID: id, Doc: doc}); err != nil {
		return err
	}
	c := s.colls[collection]
	if c == nil {
		c = newMemColl()
		s.colls[collection] = c
	}
	c.put(id, doc)
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	c := s.colls[collection]
	if c == nil {
		return false, nil
	}
	if _, ok := c.docs[id]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalOp{Op: "del", Collection: collection, ID: id}); err != nil {
		return false, err
	}
	c.del(id)
	s.maybeCompactLocked()
	return true, nil
}

func (s *fileStore) List(ctx context.Context, collection string) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[collection]
	if c == nil {
		return nil, nil
	}
	return c.list(), nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	return json.NewEncoder(s.journal).Encode(op)
}

func (s *fileStore) maybeCompactLocked() {
	s.writes++
	if s.compactEvery <= 0 || s.writes%s.compactEvery != 0 {
		return
	}
	// Best-effort compact; the journal stays authoritative on failure.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("storage compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	snap := make(map[string][]snapshotDoc, len(s.colls))
	for name, c := range s.colls {
		docs := make([]snapshotDoc, 0, len(c.order))
		for _, id := range c.order {
			docs = append(docs, snapshotDoc{ID: id, Doc: c.docs[id]})
		}
		snap[name] = docs
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
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]*memColl) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]snapshotDoc
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for name, docs := range m {
		c := newMemColl()
		for _, d := range docs {
			c.put(d.ID, d.Doc)
		}
		out[name] = c
	}
	return nil
}

func replayJournal(path string, out map[string]*memColl) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for s.Scan() {
		var op journalOp
		if err := json.Unmarshal(s.Bytes(), &op); err != nil {
			// Torn tail write; everything before it is intact.
			continue
		}
		if op.Collection == "" || op.ID == "" {
			continue
		}
		c := out[op.Collection]
		if c == nil {
			c = newMemColl()
			out[op.Collection] = c
		}
		switch op.Op {
		case "put":
			c.put(op.ID, op.Doc)
		case "del":
			c.del(op.ID)
		}
	}
	return s.Err()
}
