package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devicelab/conductor/pkg/types"
)

// RedisStore implements JobStore backed by Redis: hashes for job metadata,
// lists for results, streams for events.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	subsMu sync.RWMutex
	subs   map[string]map[chan *types.Event]struct{}
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL      string
	Password string
	DB       int

	// Prefix for all keys (default: "jobs")
	Prefix string

	// TTL applied to finished jobs (default: 7 days)
	TTL time.Duration

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "jobs",
		TTL:          7 * 24 * time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed JobStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "jobs"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		subs:   make(map[string]map[chan *types.Event]struct{}),
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(jobID string) string { return fmt.Sprintf("%s:%s:meta", s.prefix, jobID) }
func (s *RedisStore) keyDef(jobID string) string  { return fmt.Sprintf("%s:%s:def", s.prefix, jobID) }
func (s *RedisStore) keyResults(jobID string) string {
	return fmt.Sprintf("%s:%s:results", s.prefix, jobID)
}
func (s *RedisStore) keyEvents(jobID string) string {
	return fmt.Sprintf("%s:%s:events", s.prefix, jobID)
}
func (s *RedisStore) keyIndex() string { return fmt.Sprintf("%s:index", s.prefix) }

func (s *RedisStore) CreateJob(ctx context.Context, def *types.JobDefinition) error {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(def.ID), map[string]any{
		"id":           def.ID,
		"name":         def.Name,
		"status":       string(types.JobStatusSubmitted),
		"priority":     int(def.Priority),
		"visibility":   string(def.Visibility),
		"group_id":     def.GroupID,
		"submitted_at": def.SubmittedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Set(ctx, s.keyDef(def.ID), defJSON, 0)
	pipe.SAdd(ctx, s.keyIndex(), def.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*types.JobDefinition, error) {
	raw, err := s.client.Get(ctx, s.keyDef(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var def types.JobDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &def, nil
}

func (s *RedisStore) GetJobMeta(ctx context.Context, jobID string) (*types.JobMeta, error) {
	fields, err := s.client.HGetAll(ctx, s.keyMeta(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return metaFromFields(fields), nil
}

func metaFromFields(fields map[string]string) *types.JobMeta {
	meta := &types.JobMeta{
		ID:         fields["id"],
		Name:       fields["name"],
		Status:     types.JobStatus(fields["status"]),
		Visibility: types.Visibility(fields["visibility"]),
		DeviceID:   fields["device_id"],
		GroupID:    fields["group_id"],
		Error:      fields["error"],
	}
	fmt.Sscanf(fields["priority"], "%d", &meta.Priority)
	if t, err := time.Parse(time.RFC3339Nano, fields["submitted_at"]); err == nil {
		meta.SubmittedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["started_at"]); err == nil {
		meta.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["finished_at"]); err == nil {
		meta.FinishedAt = &t
	}
	return meta
}

func (s *RedisStore) ListJobs(ctx context.Context) ([]*types.JobMeta, error) {
	ids, err := s.client.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.JobMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := s.GetJobMeta(ctx, id)
		if err == ErrJobNotFound {
			continue // expired
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *RedisStore) ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.JobMeta, error) {
	all, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[types.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*types.JobMeta
	for _, m := range all {
		if want[m.Status] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *RedisStore) UpdateJobStatus(ctx context.Context, jobID string, status types.JobStatus, errMsg string) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(jobID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrJobNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]any{"status": string(status)}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if status == types.JobStatusRunning {
		fields["started_at"] = now
	}
	if status.Terminal() {
		fields["finished_at"] = now
	}
	if err := s.client.HSet(ctx, s.keyMeta(jobID), fields).Err(); err != nil {
		return err
	}
	if status.Terminal() {
		s.expireJob(ctx, jobID)
	}
	return nil
}

// expireJob applies the configured TTL to a finished job's keys.
func (s *RedisStore) expireJob(ctx context.Context, jobID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	for _, key := range []string{s.keyMeta(jobID), s.keyDef(jobID), s.keyResults(jobID), s.keyEvents(jobID)} {
		pipe.Expire(ctx, key, s.ttl)
	}
	pipe.Exec(ctx)
}

func (s *RedisStore) SetJobDevice(ctx context.Context, jobID, deviceID string) error {
	return s.client.HSet(ctx, s.keyMeta(jobID), "device_id", deviceID).Err()
}

func (s *RedisStore) AppendResult(ctx context.Context, jobID string, result *types.ActionResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.client.RPush(ctx, s.keyResults(jobID), raw).Err()
}

func (s *RedisStore) GetResults(ctx context.Context, jobID string) ([]types.ActionResult, error) {
	raws, err := s.client.LRange(ctx, s.keyResults(jobID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.ActionResult, 0, len(raws))
	for _, raw := range raws {
		var r types.ActionResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, jobID string, input *types.EventInput) (*types.Event, error) {
	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		JobID:     jobID,
		Type:      input.Type,
		Action:    input.Action,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(jobID),
		MaxLen: 5000,
		Approx: true,
		Values: map[string]any{"event": string(payload)},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	event.ID = id

	s.notifySubscribers(jobID, event)
	return event, nil
}

func (s *RedisStore) EventsSince(ctx context.Context, jobID string, lastEventID string) ([]*types.Event, error) {
	start := "-"
	if lastEventID != "" {
		start = "(" + lastEventID
	}
	msgs, err := s.client.XRange(ctx, s.keyEvents(jobID), start, "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var evt types.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		evt.ID = msg.ID
		out = append(out, &evt)
	}
	return out, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, jobID string) (<-chan *types.Event, func(), error) {
	ch := make(chan *types.Event, 64)
	s.subsMu.Lock()
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[chan *types.Event]struct{})
	}
	s.subs[jobID][ch] = struct{}{}
	s.subsMu.Unlock()

	cleanup := func() {
		s.subsMu.Lock()
		delete(s.subs[jobID], ch)
		if len(s.subs[jobID]) == 0 {
			delete(s.subs, jobID)
		}
		s.subsMu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *RedisStore) notifySubscribers(jobID string, event *types.Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for ch := range s.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	count, err := s.client.SCard(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"adapter":   "redis",
		"job_count": count,
		"ttl":       s.ttl.String(),
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Verify interface compliance
var _ JobStore = (*RedisStore)(nil)
