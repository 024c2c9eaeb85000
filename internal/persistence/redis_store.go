package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// RedisInstanceStore is an InstanceStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>:inst:<id>            => gob-encoded redisInstancePayload
//	<prefix>:idx:all              => SET of all instance IDs
//	<prefix>:idx:def:<defID>      => SET of instance IDs for a definition
//	<prefix>:idx:status:<status>  => SET of instance IDs for a status
//
// The indexes are best-effort; they are always updated on writes, and
// ListInstances re-filters by payload so stale index entries are harmless.
type RedisInstanceStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisInstanceStore)(nil)

type redisInstancePayload struct {
	ID           string
	DefinitionID string
	Status       string
	CurrentStep  string
	Context      []byte
	Error        string
	WaitKind     string
	WaitStep     string
	WaitSince    int64
	WaitDeadline int64
	StartedAt    int64
	UpdatedAt    int64
}

// NewRedisInstanceStore creates a RedisInstanceStore.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisInstanceStore(client *redis.Client, prefix string) *RedisInstanceStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisInstanceStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisInstanceStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisInstanceStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisInstanceStore) keyDefinition(id string) string {
	return s.prefix + "idx:def:" + id
}

func (s *RedisInstanceStore) keyStatus(status api.InstanceStatus) string {
	return s.prefix + "idx:status:" + string(status)
}

func encodeRedisPayload(inst *api.WorkflowInstance) ([]byte, error) {
	contextBytes, err := EncodeContext(inst.Context)
	if err != nil {
		return nil, err
	}

	waitKind, waitStep, waitSince, waitDeadline := encodeWait(inst.Wait)

	payload := redisInstancePayload{
		ID:           inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       string(inst.Status),
		CurrentStep:  inst.CurrentStep,
		Context:      contextBytes,
		Error:        inst.Error,
		WaitKind:     waitKind,
		WaitStep:     waitStep,
		WaitSince:    waitSince,
		WaitDeadline: waitDeadline,
		StartedAt:    inst.StartedAt.UnixNano(),
		UpdatedAt:    inst.UpdatedAt.UnixNano(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisPayload(data []byte) (*api.WorkflowInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	var payload redisInstancePayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	ctxMap, err := DecodeContext(payload.Context)
	if err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:           payload.ID,
		DefinitionID: payload.DefinitionID,
		Status:       api.InstanceStatus(payload.Status),
		CurrentStep:  payload.CurrentStep,
		Context:      ctxMap,
		Error:        payload.Error,
		Wait:         decodeWait(payload.WaitKind, payload.WaitStep, payload.WaitSince, payload.WaitDeadline),
		StartedAt:    time.Unix(0, payload.StartedAt),
		UpdatedAt:    time.Unix(0, payload.UpdatedAt),
	}
	return inst, nil
}

func (s *RedisInstanceStore) save(inst *api.WorkflowInstance) error {
	ctx := context.Background()

	data, err := encodeRedisPayload(inst)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.keyInstance(inst.ID), data, 0).Err(); err != nil {
		return err
	}

	// Index updates: we just re-add; some stale entries may remain when the
	// status changes, but ListInstances filters by payload.
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), inst.ID)
	pipe.SAdd(ctx, s.keyDefinition(inst.DefinitionID), inst.ID)
	pipe.SAdd(ctx, s.keyStatus(inst.Status), inst.ID)
	_, _ = pipe.Exec(ctx)

	return nil
}

func (s *RedisInstanceStore) CreateInstance(inst *api.WorkflowInstance) error {
	return s.save(inst)
}

func (s *RedisInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisPayload(data)
}

// mutate applies fn to the stored instance and writes it back. Redis has no
// partial update for an opaque payload, so granular updates read-modify-write.
func (s *RedisInstanceStore) mutate(id string, fn func(*api.WorkflowInstance)) error {
	inst, err := s.GetInstance(id)
	if err != nil {
		return err
	}
	fn(inst)
	inst.UpdatedAt = time.Now()
	return s.save(inst)
}

func (s *RedisInstanceStore) UpdateStatus(id string, status api.InstanceStatus, errMsg string) error {
	return s.mutate(id, func(inst *api.WorkflowInstance) {
		inst.Status = status
		inst.Error = errMsg
	})
}

func (s *RedisInstanceStore) UpdateCurrentStep(id string, stepID string) error {
	return s.mutate(id, func(inst *api.WorkflowInstance) {
		inst.CurrentStep = stepID
	})
}

func (s *RedisInstanceStore) UpdateContext(id string, context map[string]any) error {
	return s.mutate(id, func(inst *api.WorkflowInstance) {
		inst.Context = context
	})
}

func (s *RedisInstanceStore) UpdateWait(id string, wait *api.WaitState) error {
	return s.mutate(id, func(inst *api.WorkflowInstance) {
		inst.Wait = wait
	})
}

func (s *RedisInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx := context.Background()

	var ids []string
	var err error

	switch {
	case filter.DefinitionID != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyDefinition(filter.DefinitionID),
			s.keyStatus(filter.Status),
		).Result()
	case filter.DefinitionID != "":
		ids, err = s.client.SMembers(ctx, s.keyDefinition(filter.DefinitionID)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowInstance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.WorkflowInstance{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.WorkflowInstance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeRedisPayload(data)
		if err != nil {
			return nil, err
		}
		// Stale index entries can return instances that no longer match.
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		instances = append(instances, inst)
	}

	return instances, nil
}

// RedisEventStore is an EventStore backed by Redis. Events are appended to a
// per-instance list so insertion order is preserved.
type RedisEventStore struct {
	client *redis.Client
	prefix string
}

var _ EventStore = (*RedisEventStore)(nil)

// NewRedisEventStore creates a RedisEventStore with the given key prefix.
func NewRedisEventStore(client *redis.Client, prefix string) *RedisEventStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisEventStore{client: client, prefix: prefix}
}

func (s *RedisEventStore) keyEvents(instanceID string) string {
	return s.prefix + "events:" + instanceID
}

func (s *RedisEventStore) AppendEvent(ev api.WorkflowEvent) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ev); err != nil {
		return err
	}
	return s.client.RPush(context.Background(), s.keyEvents(ev.InstanceID), buf.Bytes()).Err()
}

func (s *RedisEventStore) ListEvents(instanceID string) ([]api.WorkflowEvent, error) {
	raw, err := s.client.LRange(context.Background(), s.keyEvents(instanceID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	events := make([]api.WorkflowEvent, 0, len(raw))
	for _, item := range raw {
		var ev api.WorkflowEvent
		if err := gob.NewDecoder(bytes.NewReader([]byte(item))).Decode(&ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
