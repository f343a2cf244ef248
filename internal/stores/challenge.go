package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersionV1 = 1
	challengeHashSize        = 32
	challengeSaltSize        = 16
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeBackend  = errors.New("challenge redis unavailable")
)

// Record layout (big-endian):
//
//	version(1) purpose(1) attempts(2) issuedAt(8) expiresAt(8) consumedAt(8)
//	idLen(2) id subjectLen(2) subject salt(16) hash(32)
//
// Timestamps are unix milliseconds; consumedAt 0 means live.
//
// Both scripts return {err='not_found'} when the key is missing, the stored id
// differs from ARGV[1] (superseded), or the record is expired.
const challengeLuaPrelude = `
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end
if string.byte(data, 1) ~= 1 then
  return {err='not_found'}
end

local function u64(offset)
  local n = 0
  for i = offset, offset + 7 do
    n = n * 256 + string.byte(data, i)
  end
  return n
end

local function pack64(n)
  local out = {}
  for i = 8, 1, -1 do
    out[i] = n % 256
    n = math.floor(n / 256)
  end
  return string.char(unpack(out))
end

local function rewrite(newData)
  local ttlMs = redis.call('PTTL', KEYS[1])
  if ttlMs > 0 then
    redis.call('SET', KEYS[1], newData, 'PX', ttlMs)
  else
    redis.call('SET', KEYS[1], newData)
  end
end

local attempts = string.byte(data, 3) * 256 + string.byte(data, 4)
local expiresAt = u64(13)
local consumedAt = u64(21)
local idLen = string.byte(data, 29) * 256 + string.byte(data, 30)
local id = string.sub(data, 31, 30 + idLen)
local now = tonumber(ARGV[2])

if id ~= ARGV[1] then
  return {err='not_found'}
end
if now >= expiresAt then
  return {err='not_found'}
end
`

// consumeChallengeLua marks the challenge consumed.
// ARGV[1] = expected challenge id, ARGV[2] = now (unix ms)
// Returns 1 when this call consumed it, 0 when it was already consumed.
var consumeChallengeLua = redis.NewScript(challengeLuaPrelude + `
if consumedAt ~= 0 then
  return 0
end
rewrite(string.sub(data, 1, 20) .. pack64(now) .. string.sub(data, 29))
return 1
`)

// recordFailureLua increments the attempt counter and deletes the record once
// it reaches the limit.
// ARGV[1] = expected challenge id, ARGV[2] = now (unix ms), ARGV[3] = max attempts
// Returns {attempts, exhausted}.
var recordFailureLua = redis.NewScript(challengeLuaPrelude + `
if consumedAt ~= 0 then
  return {err='not_found'}
end
local maxAttempts = tonumber(ARGV[3])
attempts = attempts + 1
if attempts >= maxAttempts then
  redis.call('DEL', KEYS[1])
  return {attempts, 1}
end
rewrite(string.sub(data, 1, 2) .. string.char(math.floor(attempts / 256), attempts % 256) .. string.sub(data, 5))
return {attempts, 0}
`)

// deleteConsumedLua removes the record only if it has been consumed, so a
// challenge issued after the consumption survives.
// Returns 1 when a record was deleted.
var deleteConsumedLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data or string.byte(data, 1) ~= 1 then
  return 0
end
for i = 21, 28 do
  if string.byte(data, i) ~= 0 then
    redis.call('DEL', KEYS[1])
    return 1
  end
end
return 0
`)

// Challenge is the persisted verification state for one (subject, purpose) key.
type Challenge struct {
	ID         string
	SubjectID  string
	Purpose    uint8
	Salt       [challengeSaltSize]byte
	CodeHash   [challengeHashSize]byte
	IssuedAt   int64
	ExpiresAt  int64
	ConsumedAt int64
	Attempts   uint16
}

// ChallengeStore keeps at most one record per (subject, purpose). Every
// mutation is a single command or script on that key.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "cg"
	}
	return &ChallengeStore{
		redis:  redisClient,
		prefix: prefix + ":ch",
	}
}

func (s *ChallengeStore) key(subjectID string, purpose uint8) string {
	return fmt.Sprintf("%s:%d:%s", s.prefix, purpose, subjectID)
}

// Put replaces any existing record for the key and returns the new challenge.
func (s *ChallengeStore) Put(
	ctx context.Context,
	subjectID string,
	purpose uint8,
	salt [challengeSaltSize]byte,
	codeHash [challengeHashSize]byte,
	issuedAt, expiresAt time.Time,
) (*Challenge, error) {
	ttl := expiresAt.Sub(issuedAt)
	if ttl <= 0 {
		return nil, errors.New("challenge expiry must follow issuance")
	}

	record := &Challenge{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Purpose:   purpose,
		Salt:      salt,
		CodeHash:  codeHash,
		IssuedAt:  issuedAt.UnixMilli(),
		ExpiresAt: expiresAt.UnixMilli(),
	}

	encoded, err := encodeChallenge(record)
	if err != nil {
		return nil, err
	}

	if err := s.redis.Set(ctx, s.key(subjectID, purpose), encoded, ttl).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	return record, nil
}

// Get returns the live challenge. Absent, expired and consumed records all
// report ErrChallengeNotFound.
func (s *ChallengeStore) Get(ctx context.Context, subjectID string, purpose uint8, now time.Time) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(subjectID, purpose)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	record, err := decodeChallenge(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	if record.ConsumedAt != 0 || now.UnixMilli() >= record.ExpiresAt {
		return nil, ErrChallengeNotFound
	}

	return record, nil
}

// Consume marks challengeID consumed. It reports true only for the call that
// performed the transition; repeating it is a no-op returning false.
func (s *ChallengeStore) Consume(
	ctx context.Context,
	subjectID string,
	purpose uint8,
	challengeID string,
	now time.Time,
) (bool, error) {
	result, err := consumeChallengeLua.Run(ctx, s.redis,
		[]string{s.key(subjectID, purpose)},
		challengeID,
		now.UnixMilli(),
	).Int64()
	if err != nil {
		return false, mapChallengeScriptError(err)
	}
	return result == 1, nil
}

// RecordFailedAttempt increments the attempt counter of challengeID. When the
// new count reaches maxAttempts the record is removed and exhausted is true.
func (s *ChallengeStore) RecordFailedAttempt(
	ctx context.Context,
	subjectID string,
	purpose uint8,
	challengeID string,
	maxAttempts int,
	now time.Time,
) (attempts int, exhausted bool, err error) {
	result, err := recordFailureLua.Run(ctx, s.redis,
		[]string{s.key(subjectID, purpose)},
		challengeID,
		now.UnixMilli(),
		maxAttempts,
	).Int64Slice()
	if err != nil {
		return 0, false, mapChallengeScriptError(err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("%w: unexpected lua result", ErrChallengeBackend)
	}
	return int(result[0]), result[1] == 1, nil
}

func (s *ChallengeStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Delete removes the record for the key. Deleting a missing key is not an error.
func (s *ChallengeStore) Delete(ctx context.Context, subjectID string, purpose uint8) error {
	if err := s.redis.Del(ctx, s.key(subjectID, purpose)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// DeleteConsumed removes the record for the key if it was consumed. A live
// record, such as one issued after the consumption, is kept.
func (s *ChallengeStore) DeleteConsumed(ctx context.Context, subjectID string, purpose uint8) (bool, error) {
	result, err := deleteConsumedLua.Run(ctx, s.redis, []string{s.key(subjectID, purpose)}).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return result == 1, nil
}

func mapChallengeScriptError(err error) error {
	if err.Error() == "not_found" {
		return ErrChallengeNotFound
	}
	return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
}

func encodeChallenge(record *Challenge) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(challengeRecordVersionV1)
	buf.WriteByte(record.Purpose)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	for _, ts := range []int64{record.IssuedAt, record.ExpiresAt, record.ConsumedAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	for _, field := range []string{record.ID, record.SubjectID} {
		if len(field) > 65535 {
			return nil, errors.New("challenge record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	buf.Write(record.Salt[:])
	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*Challenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersionV1 {
		return nil, errors.New("invalid challenge record version")
	}

	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &Challenge{Purpose: purpose}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	for _, ts := range []*int64{&record.IssuedAt, &record.ExpiresAt, &record.ConsumedAt} {
		if err := binary.Read(reader, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	id, err := readString16(reader)
	if err != nil {
		return nil, err
	}
	record.ID = id

	subjectID, err := readString16(reader)
	if err != nil {
		return nil, err
	}
	record.SubjectID = subjectID

	if _, err := io.ReadFull(reader, record.Salt[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}

func readString16(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
