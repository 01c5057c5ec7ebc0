package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/santif/jobsched/data"
)

// RedisStore keeps each configuration as a JSON string and the statistics
// of each job in a sorted set scored by start time.
//
// Keys:
//
//	{ns}:jobs:seq         id sequence
//	{ns}:jobs:ids         set of configuration ids
//	{ns}:jobs:config:{id} configuration JSON
//	{ns}:jobs:stats:{id}  sorted set of statistics JSON
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	retention int
}

// NewRedisStore creates a store; retention caps the statistics kept per job (0 keeps all)
func NewRedisStore(client redis.UniversalClient, namespace string, retention int) *RedisStore {
	return &RedisStore{client: client, namespace: namespace, retention: retention}
}

func (s *RedisStore) key(parts ...string) string {
	return data.Key(s.namespace, append([]string{"jobs"}, parts...)...)
}

func (s *RedisStore) configKey(id int64) string {
	return s.key("config", strconv.FormatInt(id, 10))
}

func (s *RedisStore) statsKey(id int64) string {
	return s.key("stats", strconv.FormatInt(id, 10))
}

func (s *RedisStore) FindConfigurations(ctx context.Context, filter func(*JobConfiguration) bool) ([]*JobConfiguration, error) {
	ids, err := s.client.SMembers(ctx, s.key("ids")).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job ids")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.configKey(id))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load job configurations")
	}

	out := make([]*JobConfiguration, 0, len(values))
	for i, v := range values {
		body, ok := v.(string)
		if !ok {
			continue
		}
		config := &JobConfiguration{}
		if err := json.Unmarshal([]byte(body), config); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s", keys[i])
		}
		if filter == nil || filter(config) {
			out = append(out, config)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) InsertConfiguration(ctx context.Context, config *JobConfiguration) error {
	if config.ID == 0 {
		id, err := s.client.Incr(ctx, s.key("seq")).Result()
		if err != nil {
			return errors.Wrap(err, "failed to allocate job id")
		}
		config.ID = id
	}

	body, err := json.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to encode job configuration")
	}

	created, err := s.client.SetNX(ctx, s.configKey(config.ID), body, 0).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to insert job %d", config.ID)
	}
	if !created {
		return errors.Newf("job %d already exists", config.ID)
	}
	return errors.Wrapf(s.client.SAdd(ctx, s.key("ids"), config.ID).Err(), "failed to index job %d", config.ID)
}

func (s *RedisStore) UpdateConfiguration(ctx context.Context, config *JobConfiguration) error {
	body, err := json.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to encode job configuration")
	}

	updated, err := s.client.SetXX(ctx, s.configKey(config.ID), body, redis.KeepTTL).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to update job %d", config.ID)
	}
	if !updated {
		return errors.Wrapf(ErrJobNotFound, "job %d", config.ID)
	}
	return nil
}

func (s *RedisStore) DeleteConfiguration(ctx context.Context, id int64) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.configKey(id))
		pipe.Del(ctx, s.statsKey(id))
		pipe.SRem(ctx, s.key("ids"), id)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %d", id)
	}
	if removed.Val() == 0 {
		return errors.Wrapf(ErrJobNotFound, "job %d", id)
	}
	return nil
}

func (s *RedisStore) InsertStatistics(ctx context.Context, stats JobStatistics) error {
	body, err := json.Marshal(stats)
	if err != nil {
		return errors.Wrap(err, "failed to encode statistics")
	}

	key := s.statsKey(stats.JobID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(stats.StartTime.UnixMilli()), Member: body})
		if s.retention > 0 {
			pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.retention-1))
		}
		return nil
	})
	return errors.Wrapf(err, "failed to insert statistics of job %d", stats.JobID)
}

func (s *RedisStore) LatestStatistics(ctx context.Context, jobID int64) (*JobStatistics, error) {
	list, err := s.ListStatistics(ctx, jobID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *RedisStore) ListStatistics(ctx context.Context, jobID int64, limit int) ([]JobStatistics, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := s.client.ZRevRange(ctx, s.statsKey(jobID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load statistics of job %d", jobID)
	}

	out := make([]JobStatistics, 0, len(members))
	for _, m := range members {
		var stats JobStatistics
		if err := json.Unmarshal([]byte(m), &stats); err != nil {
			return nil, errors.Wrap(err, "failed to decode statistics")
		}
		out = append(out, stats)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis ping")
}
