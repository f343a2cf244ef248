package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	flowSessionRecordVersionV1 = 1
	flowSessionRecordVersionV2 = 2
)

var (
	ErrFlowSessionNotFound   = errors.New("flow session not found")
	ErrFlowSessionStep       = errors.New("flow session in unexpected step")
	ErrFlowSessionCooldown   = errors.New("flow session resend cooling down")
	ErrFlowSessionContention = errors.New("flow session update contention")
	ErrFlowSessionBackend    = errors.New("flow session redis unavailable")
)

// FlowSession is the server-side state of one multi-step flow. SubjectID is
// empty for decoy flows. ThrottleKey is derived from the identifier the flow
// was started with, never from SubjectID. Timestamps are unix milliseconds.
type FlowSession struct {
	SubjectID     string
	ThrottleKey   string
	Purpose       uint8
	Step          uint8
	CooldownUntil int64
	CreatedAt     int64
	ExpiresAt     int64
}

type FlowSessionStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewFlowSessionStore(redisClient redis.UniversalClient, prefix string) *FlowSessionStore {
	if prefix == "" {
		prefix = "cg"
	}
	return &FlowSessionStore{
		redis:  redisClient,
		prefix: prefix + ":fl",
	}
}

func (s *FlowSessionStore) key(flowID string) string {
	return s.prefix + ":" + flowID
}

// Create stores a new session. It fails if flowID is already taken.
func (s *FlowSessionStore) Create(ctx context.Context, flowID string, record *FlowSession) error {
	ttl := time.Duration(record.ExpiresAt-record.CreatedAt) * time.Millisecond
	if ttl <= 0 {
		return errors.New("flow session expiry must follow creation")
	}

	encoded, err := encodeFlowSession(record)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, s.key(flowID), encoded, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlowSessionBackend, err)
	}
	if !ok {
		return fmt.Errorf("%w: flow id collision", ErrFlowSessionBackend)
	}
	return nil
}

func (s *FlowSessionStore) Get(ctx context.Context, flowID string, now time.Time) (*FlowSession, error) {
	data, err := s.redis.Get(ctx, s.key(flowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFlowSessionBackend, err)
	}

	record, err := decodeFlowSession(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlowSessionBackend, err)
	}
	if now.UnixMilli() >= record.ExpiresAt {
		return nil, ErrFlowSessionNotFound
	}
	return record, nil
}

// Advance moves the session from step from to step to. It fails with
// ErrFlowSessionStep when another request already moved it.
func (s *FlowSessionStore) Advance(ctx context.Context, flowID string, from, to uint8, now time.Time) (*FlowSession, error) {
	return s.update(ctx, flowID, now, func(record *FlowSession) (bool, error) {
		if record.Step != from {
			return false, ErrFlowSessionStep
		}
		record.Step = to
		return false, nil
	})
}

// ArmCooldown re-arms the resend cooldown when the previous one has elapsed.
// While cooling down it returns the unchanged session with
// ErrFlowSessionCooldown.
func (s *FlowSessionStore) ArmCooldown(
	ctx context.Context,
	flowID string,
	step uint8,
	cooldown time.Duration,
	now time.Time,
) (*FlowSession, error) {
	return s.update(ctx, flowID, now, func(record *FlowSession) (bool, error) {
		if record.Step != step {
			return false, ErrFlowSessionStep
		}
		if now.UnixMilli() < record.CooldownUntil {
			return false, ErrFlowSessionCooldown
		}
		record.CooldownUntil = now.Add(cooldown).UnixMilli()
		return false, nil
	})
}

// ReleaseCooldown ends a cooldown that ArmCooldown set to armedUntil, so a
// resend whose delivery failed can be retried at once. A cooldown armed by
// someone else since is left alone.
func (s *FlowSessionStore) ReleaseCooldown(
	ctx context.Context,
	flowID string,
	step uint8,
	armedUntil int64,
	now time.Time,
) (*FlowSession, error) {
	return s.update(ctx, flowID, now, func(record *FlowSession) (bool, error) {
		if record.Step != step {
			return false, ErrFlowSessionStep
		}
		if record.CooldownUntil == armedUntil {
			record.CooldownUntil = now.UnixMilli()
		}
		return false, nil
	})
}

// Claim removes the session if it is at step and returns it. Only one caller
// can claim a given session.
func (s *FlowSessionStore) Claim(ctx context.Context, flowID string, step uint8, now time.Time) (*FlowSession, error) {
	return s.update(ctx, flowID, now, func(record *FlowSession) (bool, error) {
		if record.Step != step {
			return false, ErrFlowSessionStep
		}
		return true, nil
	})
}

func (s *FlowSessionStore) Delete(ctx context.Context, flowID string) error {
	if err := s.redis.Del(ctx, s.key(flowID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrFlowSessionBackend, err)
	}
	return nil
}

// update runs mutate under WATCH and commits its result in MULTI. mutate
// reports whether the key should be deleted instead of rewritten. A mutate
// error aborts without writing; the current record is still returned for
// ErrFlowSessionCooldown so callers can report the remaining time.
func (s *FlowSessionStore) update(
	ctx context.Context,
	flowID string,
	now time.Time,
	mutate func(*FlowSession) (bool, error),
) (*FlowSession, error) {
	const maxRetries = 4
	key := s.key(flowID)

	for i := 0; i < maxRetries; i++ {
		var result *FlowSession
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeFlowSession(data)
			if err != nil {
				return err
			}
			if now.UnixMilli() >= record.ExpiresAt {
				return ErrFlowSessionNotFound
			}

			result = record
			remove, err := mutate(record)
			if err != nil {
				return err
			}

			if remove {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			ttl := time.Duration(record.ExpiresAt-now.UnixMilli()) * time.Millisecond
			updated, err := encodeFlowSession(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil), errors.Is(err, ErrFlowSessionNotFound):
				return nil, ErrFlowSessionNotFound
			case errors.Is(err, ErrFlowSessionCooldown):
				return result, err
			case errors.Is(err, ErrFlowSessionStep):
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrFlowSessionBackend, err)
		}
		return result, nil
	}

	return nil, ErrFlowSessionContention
}

func encodeFlowSession(record *FlowSession) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(flowSessionRecordVersionV2)
	buf.WriteByte(record.Purpose)
	buf.WriteByte(record.Step)

	for _, ts := range []int64{record.CooldownUntil, record.CreatedAt, record.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	for _, field := range []string{record.SubjectID, record.ThrottleKey} {
		if len(field) > 65535 {
			return nil, errors.New("flow session field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeFlowSession(data []byte) (*FlowSession, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != flowSessionRecordVersionV1 && version != flowSessionRecordVersionV2 {
		return nil, errors.New("invalid flow session version")
	}

	record := &FlowSession{}
	if record.Purpose, err = reader.ReadByte(); err != nil {
		return nil, err
	}
	if record.Step, err = reader.ReadByte(); err != nil {
		return nil, err
	}
	for _, ts := range []*int64{&record.CooldownUntil, &record.CreatedAt, &record.ExpiresAt} {
		if err := binary.Read(reader, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	subject, err := readString16(reader)
	if err != nil {
		return nil, err
	}
	record.SubjectID = subject

	// v1 records predate throttle keys.
	if version == flowSessionRecordVersionV2 {
		if record.ThrottleKey, err = readString16(reader); err != nil {
			return nil, err
		}
	}

	return record, nil
}
