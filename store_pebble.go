package mutationq

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	m|<id>                        operation JSON
//	ms|<status>\x00<ts><id>       status index
//	mt|<ts><id>                   timestamp index
//	mb|<table>\x00<ts><id>        table index
//
// <ts> is the creation time in big-endian millis, so index scans come back
// in timestamp order.
const (
	pebbleOpPrefix     = "m|"
	pebbleStatusPrefix = "ms|"
	pebbleTSPrefix     = "mt|"
	pebbleTablePrefix  = "mb|"
)

// PebbleStore keeps the queue in a Pebble LSM with prefix-key indexes.
type PebbleStore struct {
	db *pebble.DB
	// mu serialises read-modify-write of index keys.
	mu sync.Mutex
}

// OpenPebbleStore opens (creating if needed) a Pebble database under dataDir.
func OpenPebbleStore(dataDir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Join(dataDir, "pebble"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func pebbleOpKey(id string) []byte {
	return []byte(pebbleOpPrefix + id)
}

func pebbleIndexKey(prefix []byte, ts int64, id string) []byte {
	k := make([]byte, 0, len(prefix)+8+len(id))
	k = append(k, prefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(ts))
	return append(k, id...)
}

func pebbleStatusPrefixFor(s Status) []byte {
	return []byte(pebbleStatusPrefix + string(s) + "\x00")
}

func pebbleTablePrefixFor(table string) []byte {
	return []byte(pebbleTablePrefix + table + "\x00")
}

func pebbleIndexKeys(op Operation) [][]byte {
	return [][]byte{
		pebbleIndexKey(pebbleStatusPrefixFor(op.Status), op.Timestamp, op.ID),
		pebbleIndexKey([]byte(pebbleTSPrefix), op.Timestamp, op.ID),
		pebbleIndexKey(pebbleTablePrefixFor(op.Table), op.Timestamp, op.ID),
	}
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) Save(_ context.Context, op Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal mutation %s: %w", op.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()

	prev, err := s.load(op.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if prev != nil {
		for _, k := range pebbleIndexKeys(*prev) {
			if err := batch.Delete(k, nil); err != nil {
				return fmt.Errorf("save mutation %s: %w", op.ID, err)
			}
		}
	}
	if err := batch.Set(pebbleOpKey(op.ID), data, nil); err != nil {
		return fmt.Errorf("save mutation %s: %w", op.ID, err)
	}
	for _, k := range pebbleIndexKeys(op) {
		if err := batch.Set(k, nil, nil); err != nil {
			return fmt.Errorf("save mutation %s: %w", op.ID, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save mutation %s: %w", op.ID, err)
	}
	return nil
}

func (s *PebbleStore) load(id string) (*Operation, error) {
	v, closer, err := s.db.Get(pebbleOpKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get mutation %s: %w", id, err)
	}
	defer func() { _ = closer.Close() }()

	var op Operation
	if err := json.Unmarshal(v, &op); err != nil {
		return nil, fmt.Errorf("decode mutation %s: %w", id, err)
	}
	return &op, nil
}

func (s *PebbleStore) Get(_ context.Context, id string) (*Operation, error) {
	return s.load(id)
}

// scanIDs returns ids from an index prefix in timestamp order, newest first
// when reverse is set.
func (s *PebbleStore) scanIDs(prefix []byte, reverse bool) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("open index iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	var ids []string
	valid := iter.First()
	if reverse {
		valid = iter.Last()
	}
	for ; valid; valid = step(iter, reverse) {
		k := iter.Key()
		if len(k) < len(prefix)+8 {
			continue
		}
		ids = append(ids, string(k[len(prefix)+8:]))
	}
	return ids, iter.Error()
}

func step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}

func (s *PebbleStore) List(_ context.Context, opts ListOpts) ([]Operation, error) {
	prefix := []byte(pebbleTSPrefix)
	switch {
	case opts.Status != "":
		prefix = pebbleStatusPrefixFor(opts.Status)
	case opts.Table != "":
		prefix = pebbleTablePrefixFor(opts.Table)
	}

	ids, err := s.scanIDs(prefix, false)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}

	var ops []Operation
	for _, id := range ids {
		op, err := s.load(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index may be stale against a concurrent Save.
		if !opts.matches(*op) {
			continue
		}
		ops = append(ops, *op)
		if opts.Limit > 0 && len(ops) >= opts.Limit {
			break
		}
	}
	return ops, nil
}

func (s *PebbleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.deleteIDs([]string{id})
	return err
}

// deleteIDs removes operations and their index keys. Callers hold mu.
func (s *PebbleStore) deleteIDs(ids []string) (int, error) {
	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()

	deleted := 0
	for _, id := range ids {
		op, err := s.load(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		for _, k := range append(pebbleIndexKeys(*op), pebbleOpKey(id)) {
			if err := batch.Delete(k, nil); err != nil {
				return 0, fmt.Errorf("delete mutation %s: %w", id, err)
			}
		}
		deleted++
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("delete mutations: %w", err)
	}
	return deleted, nil
}

func (s *PebbleStore) ClearCompleted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.scanIDs(pebbleStatusPrefixFor(StatusCompleted), false)
	if err != nil {
		return 0, fmt.Errorf("clear completed mutations: %w", err)
	}
	return s.deleteIDs(ids)
}

func (s *PebbleStore) PruneCompleted(_ context.Context, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.scanIDs(pebbleStatusPrefixFor(StatusCompleted), true)
	if err != nil {
		return 0, fmt.Errorf("prune completed mutations: %w", err)
	}
	if keep < 0 {
		keep = 0
	}
	if len(ids) <= keep {
		return 0, nil
	}
	return s.deleteIDs(ids[keep:])
}

func (s *PebbleStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	// Every key family starts with 'm'.
	if err := batch.DeleteRange([]byte("m"), []byte("n"), nil); err != nil {
		return fmt.Errorf("clear mutations: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("clear mutations: %w", err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
