package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/hconductor/model"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// CallsBucket is the KV bucket name for storing dispatch call records.
const CallsBucket = "HCONDUCTOR_LLM_CALLS"

// DefaultCallsTTL is the default retention for dispatch call records.
const DefaultCallsTTL = 7 * 24 * time.Hour

// CallRecord captures one dispatch call for later trajectory review:
// what was asked, what tier served it, and how long it took.
type CallRecord struct {
	RequestID  string     `json:"request_id"`
	TaskID     string     `json:"task_id,omitempty"`
	TaskType   string     `json:"task_type"`
	Model      string     `json:"model"`
	Tier       model.Tier `json:"tier"`
	Messages   []Message  `json:"messages"`
	Response   string     `json:"response"`
	Usage      TokenUsage `json:"usage"`
	StartedAt  time.Time  `json:"started_at"`
	Completed  time.Time  `json:"completed_at"`
	DurationMs int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
	Retries    int        `json:"retries"`
}

// CallStore persists CallRecords to a NATS JetStream KV bucket for
// trajectory review. A Client records best-effort: a store failure is
// logged and never fails the dispatch call itself.
type CallStore struct {
	bucket jetstream.KeyValue
	ttl    time.Duration
	logger *slog.Logger
}

// CallStoreOption configures a CallStore.
type CallStoreOption func(*CallStore)

// WithCallsTTL overrides the bucket's record retention.
func WithCallsTTL(ttl time.Duration) CallStoreOption {
	return func(s *CallStore) { s.ttl = ttl }
}

// WithCallStoreLogger overrides the store's logger.
func WithCallStoreLogger(logger *slog.Logger) CallStoreOption {
	return func(s *CallStore) { s.logger = logger }
}

// NewCallStore creates or attaches to the dispatch-call KV bucket over
// an already-connected NATS connection.
func NewCallStore(ctx context.Context, nc *nats.Conn, opts ...CallStoreOption) (*CallStore, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection required")
	}

	s := &CallStore{ttl: DefaultCallsTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      CallsBucket,
		Description: "dispatch call records for trajectory review",
		TTL:         s.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	s.bucket = bucket
	return s, nil
}

// Store saves a call record, keyed by its request ID.
func (s *CallStore) Store(ctx context.Context, record *CallRecord) error {
	if record.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}

	key := record.RequestID
	if record.TaskID != "" {
		key = fmt.Sprintf("%s.%s", record.TaskID, record.RequestID)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if _, err := s.bucket.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Get retrieves a single call record by its stored key.
func (s *CallStore) Get(ctx context.Context, key string) (*CallRecord, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var record CallRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &record, nil
}

// GetByTaskID retrieves every call record recorded for a task, oldest first.
func (s *CallStore) GetByTaskID(ctx context.Context, taskID string) ([]*CallRecord, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return []*CallRecord{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := taskID + "."
	var records []*CallRecord
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			s.logger.Warn("failed to get call record", "key", key, "error", err)
			continue
		}
		var record CallRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			s.logger.Warn("failed to unmarshal call record", "key", key, "error", err)
			continue
		}
		records = append(records, &record)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.Before(records[j].StartedAt) })
	return records, nil
}

// recordCall stores a CallRecord if a CallStore is configured.
// Failures are logged but never affect the dispatch call itself.
func (c *Client) recordCall(ctx context.Context, record *CallRecord) {
	if c.callStore == nil {
		return
	}
	if err := c.callStore.Store(ctx, record); err != nil {
		c.logger.Warn("failed to record dispatch call",
			"request_id", record.RequestID, "task_type", record.TaskType, "error", err)
	}
}
