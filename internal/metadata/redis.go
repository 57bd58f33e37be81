package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements the Store interface on a Redis-compatible key-value
// server.
//
// Key schema (all keys carry the configured prefix):
//
//	file:<id>   JSON-serialized record (canonical storage)
//	hash:<hex>  record id, for FindByHash
//	expiry      sorted set of ids scored by expiresAt epoch seconds
//	uploaded    sorted set of ids scored by uploadedAt epoch seconds
//	stats:files / stats:size    aggregate counters
//	stats:mime / stats:date     per-mime and per-day hash counters
//
// Save and Delete run as MULTI/EXEC pipelines so the record and all of its
// index entries move together.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures the Redis store connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key written by this instance.
	KeyPrefix string
}

// NewRedisStore connects to the Redis server and verifies connectivity.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	s := &RedisStore{client: client, prefix: opts.KeyPrefix}
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %q: %w", opts.Addr, err)
	}
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests running
// against miniredis.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) fileKey(id string) string   { return s.prefix + "file:" + id }
func (s *RedisStore) hashKey(hash string) string { return s.prefix + "hash:" + hash }
func (s *RedisStore) expiryKey() string          { return s.prefix + "expiry" }
func (s *RedisStore) uploadedKey() string        { return s.prefix + "uploaded" }
func (s *RedisStore) statsFilesKey() string      { return s.prefix + "stats:files" }
func (s *RedisStore) statsSizeKey() string       { return s.prefix + "stats:size" }
func (s *RedisStore) statsMimeKey() string       { return s.prefix + "stats:mime" }
func (s *RedisStore) statsDateKey() string       { return s.prefix + "stats:date" }

// getRecord fetches and decodes one record, or nil when absent.
func (s *RedisStore) getRecord(ctx context.Context, id string) (*FileRecord, error) {
	data, err := s.client.Get(ctx, s.fileKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %q: %w", id, err)
	}

	var record FileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding record %q: %w", id, err)
	}
	return &record, nil
}

// Save upserts a full record together with its index entries and counters in
// one transaction. Re-saving an existing id first retracts the old index
// entries so counters stay balanced.
func (s *RedisStore) Save(ctx context.Context, record *FileRecord) error {
	old, err := s.getRecord(ctx, record.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record %q: %w", record.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil {
			s.retract(ctx, pipe, old)
		}
		pipe.Set(ctx, s.fileKey(record.ID), data, 0)
		pipe.Set(ctx, s.hashKey(record.Hash), record.ID, 0)
		pipe.ZAdd(ctx, s.expiryKey(), &redis.Z{Score: float64(record.ExpiresAt.Unix()), Member: record.ID})
		pipe.ZAdd(ctx, s.uploadedKey(), &redis.Z{Score: float64(record.UploadedAt.Unix()), Member: record.ID})
		pipe.IncrBy(ctx, s.statsFilesKey(), 1)
		pipe.IncrBy(ctx, s.statsSizeKey(), record.Size)
		pipe.HIncrBy(ctx, s.statsMimeKey(), record.MimeType, 1)
		pipe.HIncrBy(ctx, s.statsDateKey(), dateKey(record.UploadedAt), 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving record %q: %w", record.ID, err)
	}
	return nil
}

// retract queues the removal of a record's index entries and counter
// contributions on the pipeline. The record key itself is left to the caller.
func (s *RedisStore) retract(ctx context.Context, pipe redis.Pipeliner, record *FileRecord) {
	pipe.Del(ctx, s.hashKey(record.Hash))
	pipe.ZRem(ctx, s.expiryKey(), record.ID)
	pipe.ZRem(ctx, s.uploadedKey(), record.ID)
	pipe.IncrBy(ctx, s.statsFilesKey(), -1)
	pipe.IncrBy(ctx, s.statsSizeKey(), -record.Size)
	pipe.HIncrBy(ctx, s.statsMimeKey(), record.MimeType, -1)
	pipe.HIncrBy(ctx, s.statsDateKey(), dateKey(record.UploadedAt), -1)
}

// Get retrieves the record with the given id, or nil when absent.
func (s *RedisStore) Get(ctx context.Context, id string) (*FileRecord, error) {
	return s.getRecord(ctx, id)
}

// Delete removes the record and all of its index entries in one transaction.
// Idempotent: deleting an absent id is not an error.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	record, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	// The hash index entry is removed only while it still points at this
	// record; a re-upload after a partial failure may have claimed the hash.
	ownsHash := false
	if owner, err := s.client.Get(ctx, s.hashKey(record.Hash)).Result(); err == nil && owner == id {
		ownsHash = true
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.fileKey(id))
		if ownsHash {
			pipe.Del(ctx, s.hashKey(record.Hash))
		}
		pipe.ZRem(ctx, s.expiryKey(), id)
		pipe.ZRem(ctx, s.uploadedKey(), id)
		pipe.IncrBy(ctx, s.statsFilesKey(), -1)
		pipe.IncrBy(ctx, s.statsSizeKey(), -record.Size)
		pipe.HIncrBy(ctx, s.statsMimeKey(), record.MimeType, -1)
		pipe.HIncrBy(ctx, s.statsDateKey(), dateKey(record.UploadedAt), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting record %q: %w", id, err)
	}
	return nil
}

// FindByHash resolves the hash index to a record, or nil when absent.
func (s *RedisStore) FindByHash(ctx context.Context, hash string) (*FileRecord, error) {
	id, err := s.client.Get(ctx, s.hashKey(hash)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving hash %q: %w", hash, err)
	}
	return s.getRecord(ctx, id)
}

// Search fetches candidate ids from the relevant sorted set, decodes the
// records, applies the remaining filter fields in process, and pages the
// result.
func (s *RedisStore) Search(ctx context.Context, filter SearchFilter, limit, offset int) (*SearchResult, error) {
	now := time.Now().UTC()

	var ids []string
	var err error
	if filter.ExpiredOnly {
		// Efficient expiry scan: everything scored at or below now.
		ids, err = s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.Unix(), 10),
		}).Result()
	} else {
		// Upload-time ordering, newest first.
		ids, err = s.client.ZRevRange(ctx, s.uploadedKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("listing candidate ids: %w", err)
	}

	matched := make([]*FileRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.getRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		if filter.Matches(record, now) {
			matched = append(matched, record)
		}
	}

	// The expiry scan is score-ordered; re-sort to the uploadedAt contract.
	if filter.ExpiredOnly {
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].UploadedAt.After(matched[j].UploadedAt)
		})
	}

	return pageRecords(matched, limit, offset), nil
}

// AllRecords walks the uploaded index and invokes fn for every record.
func (s *RedisStore) AllRecords(ctx context.Context, fn func(id, filePath string) error) error {
	ids, err := s.client.ZRange(ctx, s.uploadedKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("listing record ids: %w", err)
	}
	for _, id := range ids {
		record, err := s.getRecord(ctx, id)
		if err != nil {
			return err
		}
		if record == nil {
			continue
		}
		if err := fn(id, record.FilePath); err != nil {
			return err
		}
	}
	return nil
}

// Stats reads the aggregate counters maintained by Save and Delete.
func (s *RedisStore) Stats(ctx context.Context) (*FileStats, error) {
	stats := &FileStats{
		FilesByMime: make(map[string]int64),
		FilesByDate: make(map[string]int64),
	}

	if v, err := s.client.Get(ctx, s.statsFilesKey()).Int64(); err == nil {
		stats.TotalFiles = v
	} else if err != redis.Nil {
		return nil, fmt.Errorf("reading file counter: %w", err)
	}
	if v, err := s.client.Get(ctx, s.statsSizeKey()).Int64(); err == nil {
		stats.TotalSize = v
	} else if err != redis.Nil {
		return nil, fmt.Errorf("reading size counter: %w", err)
	}

	mimes, err := s.client.HGetAll(ctx, s.statsMimeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("reading mime counters: %w", err)
	}
	for mime, count := range mimes {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil && n != 0 {
			stats.FilesByMime[mime] = n
		}
	}

	dates, err := s.client.HGetAll(ctx, s.statsDateKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("reading date counters: %w", err)
	}
	for date, count := range dates {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil && n != 0 {
			stats.FilesByDate[date] = n
		}
	}

	return stats, nil
}

// Ping checks connectivity to the Redis server.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements Store at compile time.
var _ Store = (*RedisStore)(nil)
