package journal

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys, one hash per table is kept under Prefix:table
	Prefix string
}

// RedisJournal keeps every table in a redis hash keyed by row key.
type RedisJournal struct {
	client *redis.Client
	prefix string
}

var _ Journal = &RedisJournal{}

func NewRedisJournal(ctx context.Context, conf RedisConfig) (*RedisJournal, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", conf.Addr, err)
	}
	if conf.Prefix == "" {
		conf.Prefix = "zencore:journal"
	}
	return &RedisJournal{client: client, prefix: conf.Prefix}, nil
}

func (j *RedisJournal) tableKey(table string) string {
	return j.prefix + ":" + table
}

// Write applies the changes in one MULTI/EXEC transaction.
func (j *RedisJournal) Write(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := j.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range changes {
			if c.IsDelete() {
				pipe.HDel(ctx, j.tableKey(c.Table), c.Key)
				continue
			}
			pipe.HSet(ctx, j.tableKey(c.Table), c.Key, c.Value)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %d journal changes: %w", len(changes), err)
	}
	return nil
}

func (j *RedisJournal) Load(ctx context.Context, table string) (map[string][]byte, error) {
	rows, err := j.client.HGetAll(ctx, j.tableKey(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load journal table %s: %w", table, err)
	}
	res := make(map[string][]byte, len(rows))
	for key, value := range rows {
		res[key] = []byte(value)
	}
	return res, nil
}

func (j *RedisJournal) Close() error {
	return j.client.Close()
}

// Clear deletes the given tables.
func (j *RedisJournal) Clear(ctx context.Context, tables ...string) error {
	keys := make([]string, len(tables))
	for i, table := range tables {
		keys[i] = j.tableKey(table)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := j.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	return nil
}
