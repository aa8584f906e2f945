package mutationq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	r "github.com/redis/go-redis/v9"
)

const redisSaveAttempts = 5

// RedisStore keeps the queue in Redis. Records live under <prefix>:op:<id>;
// sorted sets scored by timestamp index them by status, table and time.
type RedisStore struct {
	rdb    *r.Client
	prefix string
}

// NewRedisStore creates a store using keys under prefix ("mutationq" when empty).
func NewRedisStore(rdb *r.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mutationq"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) opKey(id string) string          { return s.prefix + ":op:" + id }
func (s *RedisStore) statusKey(status Status) string { return s.prefix + ":status:" + string(status) }
func (s *RedisStore) tableKey(table string) string   { return s.prefix + ":table:" + table }
func (s *RedisStore) tsKey() string                  { return s.prefix + ":ts" }

func (s *RedisStore) Save(ctx context.Context, op Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal mutation %s: %w", op.ID, err)
	}
	key := s.opKey(op.ID)
	score := float64(op.Timestamp)

	save := func(tx *r.Tx) error {
		var prevTable string
		prev, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, r.Nil):
		case err != nil:
			return err
		default:
			var old Operation
			if err := json.Unmarshal(prev, &old); err == nil {
				prevTable = old.Table
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			for _, st := range Statuses {
				if st != op.Status {
					pipe.ZRem(ctx, s.statusKey(st), op.ID)
				}
			}
			if prevTable != "" && prevTable != op.Table {
				pipe.ZRem(ctx, s.tableKey(prevTable), op.ID)
			}
			pipe.ZAdd(ctx, s.statusKey(op.Status), r.Z{Score: score, Member: op.ID})
			pipe.ZAdd(ctx, s.tableKey(op.Table), r.Z{Score: score, Member: op.ID})
			pipe.ZAdd(ctx, s.tsKey(), r.Z{Score: score, Member: op.ID})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisSaveAttempts; attempt++ {
		err = s.rdb.Watch(ctx, save, key)
		if !errors.Is(err, r.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("save mutation %s: %w", op.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Operation, error) {
	data, err := s.rdb.Get(ctx, s.opKey(id)).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation %s: %w", id, err)
	}
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode mutation %s: %w", id, err)
	}
	return &op, nil
}

// load fetches records for ids, skipping ones deleted since the index read.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]Operation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.opKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	ops := make([]Operation, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var op Operation
		if err := json.Unmarshal([]byte(str), &op); err != nil {
			return nil, fmt.Errorf("decode mutation %s: %w", ids[i], err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *RedisStore) List(ctx context.Context, opts ListOpts) ([]Operation, error) {
	index := s.tsKey()
	switch {
	case opts.Status != "":
		index = s.statusKey(opts.Status)
	case opts.Table != "":
		index = s.tableKey(opts.Table)
	}

	ids, err := s.rdb.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	all, err := s.load(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}

	var ops []Operation
	for _, op := range all {
		if !opts.matches(op) {
			continue
		}
		ops = append(ops, op)
		if opts.Limit > 0 && len(ops) >= opts.Limit {
			break
		}
	}
	return ops, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.deleteIDs(ctx, []string{id})
	return err
}

func (s *RedisStore) deleteIDs(ctx context.Context, ids []string) (int, error) {
	ops, err := s.load(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete mutations: %w", err)
	}
	if len(ops) == 0 {
		return 0, nil
	}

	pipe := s.rdb.TxPipeline()
	for _, op := range ops {
		pipe.Del(ctx, s.opKey(op.ID))
		pipe.ZRem(ctx, s.statusKey(op.Status), op.ID)
		pipe.ZRem(ctx, s.tableKey(op.Table), op.ID)
		pipe.ZRem(ctx, s.tsKey(), op.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete mutations: %w", err)
	}
	return len(ops), nil
}

func (s *RedisStore) ClearCompleted(ctx context.Context) (int, error) {
	ids, err := s.rdb.ZRange(ctx, s.statusKey(StatusCompleted), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("clear completed mutations: %w", err)
	}
	return s.deleteIDs(ctx, ids)
}

func (s *RedisStore) PruneCompleted(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	ids, err := s.rdb.ZRevRange(ctx, s.statusKey(StatusCompleted), int64(keep), -1).Result()
	if err != nil {
		return 0, fmt.Errorf("prune completed mutations: %w", err)
	}
	return s.deleteIDs(ctx, ids)
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("clear mutations: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("clear mutations: %w", err)
	}
	if len(batch) > 0 {
		if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("clear mutations: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
