// Package redisstore persists tasks as Redis hashes that expire with the task.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/jobsearch-crawler/internal/crawler"
	"github.com/JakeFAU/jobsearch-crawler/internal/search"
	"github.com/JakeFAU/jobsearch-crawler/internal/task"
)

// DefaultKeyPrefix namespaces task hashes.
const DefaultKeyPrefix = "task:"

const (
	fieldID          = "id"
	fieldStatus      = "status"
	fieldSubmittedAt = "submitted_at"
	fieldStartedAt   = "started_at"
	fieldCompletedAt = "completed_at"
	fieldFailedAt    = "failed_at"
	fieldSpec        = "specification"
	fieldProgress    = "progress"
	fieldResult      = "result"
	fieldError       = "error"
	fieldErrorKind   = "error_kind"
	fieldExpiresAt   = "expires_at"
	fieldOwner       = "owner"
)

// createScript writes the whole hash and its expiry in one step so readers
// never see a partially created task. ARGV[1] is the expiry as unix seconds
// ("" for none), followed by field/value pairs.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
if ARGV[1] ~= "" then
	redis.call("EXPIREAT", KEYS[1], ARGV[1])
end
return 1
`)

var fieldOrder = []string{
	fieldID, fieldStatus, fieldSubmittedAt, fieldStartedAt, fieldCompletedAt, fieldFailedAt,
	fieldSpec, fieldProgress, fieldResult, fieldError, fieldErrorKind, fieldExpiresAt, fieldOwner,
}

// Config controls key layout.
type Config struct {
	KeyPrefix string
}

// TaskStore implements task.Store on a Redis client.
type TaskStore struct {
	client redis.UniversalClient
	prefix string
}

// Connect parses redisURL and verifies connectivity.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewTaskStore builds a TaskStore.
func NewTaskStore(client redis.UniversalClient, cfg Config) (*TaskStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &TaskStore{client: client, prefix: prefix}, nil
}

// Create writes a new task hash, failing when the id is taken.
func (s *TaskStore) Create(ctx context.Context, t task.Task) error {
	fields, err := encode(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	expiry := ""
	if !t.ExpiresAt.IsZero() {
		expiry = strconv.FormatInt(t.ExpiresAt.Unix(), 10)
	}
	args := make([]any, 0, 1+2*len(fields))
	args = append(args, expiry)
	for _, name := range fieldOrder {
		args = append(args, name, fields[name])
	}
	created, err := createScript.Run(ctx, s.client, []string{s.key(t.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("create task %s: %w", t.ID, task.ErrExists)
	}
	return nil
}

// Save overwrites an existing task hash.
func (s *TaskStore) Save(ctx context.Context, t task.Task) error {
	key := s.key(t.ID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check task %s: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("save task %s: %w", t.ID, task.ErrNotFound)
	}
	return s.write(ctx, key, t)
}

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (task.Task, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return task.Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	// A hash without a status was never fully written.
	if _, ok := fields[fieldStatus]; !ok {
		return task.Task{}, task.ErrNotFound
	}
	t, err := decode(fields)
	if err != nil {
		return task.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

// List scans all task hashes.
func (s *TaskStore) List(ctx context.Context) ([]task.Task, error) {
	var out []task.Task
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), s.prefix)
		t, err := s.Get(ctx, id)
		if errors.Is(err, task.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *TaskStore) key(id string) string {
	return s.prefix + id
}

func (s *TaskStore) write(ctx context.Context, key string, t task.Task) error {
	fields, err := encode(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if !t.ExpiresAt.IsZero() {
			pipe.ExpireAt(ctx, key, t.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

func encode(t task.Task) (map[string]any, error) {
	spec, err := json.Marshal(t.Specification)
	if err != nil {
		return nil, fmt.Errorf("marshal specification: %w", err)
	}
	progress, err := json.Marshal(t.Progress)
	if err != nil {
		return nil, fmt.Errorf("marshal progress: %w", err)
	}
	result := ""
	if t.Result != nil {
		raw, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		result = string(raw)
	}
	return map[string]any{
		fieldID:          t.ID,
		fieldStatus:      string(t.State),
		fieldSubmittedAt: formatTime(&t.SubmittedAt),
		fieldStartedAt:   formatTime(t.StartedAt),
		fieldCompletedAt: formatTime(t.CompletedAt),
		fieldFailedAt:    formatTime(t.FailedAt),
		fieldSpec:        string(spec),
		fieldProgress:    string(progress),
		fieldResult:      result,
		fieldError:       t.ErrorDetail,
		fieldErrorKind:   string(t.ErrorKind),
		fieldExpiresAt:   formatTime(&t.ExpiresAt),
		fieldOwner:       t.Owner,
	}, nil
}

func decode(fields map[string]string) (task.Task, error) {
	t := task.Task{
		ID:          fields[fieldID],
		State:       task.State(fields[fieldStatus]),
		ErrorDetail: fields[fieldError],
		ErrorKind:   task.ErrorKind(fields[fieldErrorKind]),
		Owner:       fields[fieldOwner],
	}
	if !t.State.Valid() {
		return task.Task{}, fmt.Errorf("unknown status %q", fields[fieldStatus])
	}
	var err error
	if t.StartedAt, err = parseTime(fields[fieldStartedAt]); err != nil {
		return task.Task{}, err
	}
	if t.CompletedAt, err = parseTime(fields[fieldCompletedAt]); err != nil {
		return task.Task{}, err
	}
	if t.FailedAt, err = parseTime(fields[fieldFailedAt]); err != nil {
		return task.Task{}, err
	}
	submitted, err := parseTime(fields[fieldSubmittedAt])
	if err != nil {
		return task.Task{}, err
	}
	if submitted != nil {
		t.SubmittedAt = *submitted
	}
	expires, err := parseTime(fields[fieldExpiresAt])
	if err != nil {
		return task.Task{}, err
	}
	if expires != nil {
		t.ExpiresAt = *expires
	}

	var spec search.Specification
	if raw := fields[fieldSpec]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal specification: %w", err)
		}
	}
	t.Specification = spec
	var progress crawler.Progress
	if raw := fields[fieldProgress]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &progress); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	t.Progress = progress
	if raw := fields[fieldResult]; raw != "" {
		var res task.ResultSummary
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Result = &res
	}
	return t, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil //nolint:nilnil // absent timestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return &ts, nil
}
