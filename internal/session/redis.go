package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a single logical Redis instance. Replication is
// handled outside; this client treats the endpoint as one key-value cache.
type Redis struct {
	rdb *redis.Client
}

// consumeScript performs the family rotation CAS in one round-trip.
// KEYS[1] = family key; ARGV[1] = presented token id, ARGV[2] = new token id,
// ARGV[3] = ttl millis. Returns "ok", "missing" or "consumed".
var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 'missing' end
local fam = cjson.decode(raw)
if fam.current_token_id ~= ARGV[1] then return 'consumed' end
if fam.consumed == nil then fam.consumed = {} end
table.insert(fam.consumed, ARGV[1])
fam.current_token_id = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(fam), 'PX', ARGV[3])
return 'ok'
`)

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Client exposes the underlying connection so components sharing the
// endpoint, like the rate limiter, can reuse it.
func (s *Redis) Client() *redis.Client { return s.rdb }

// Dial connects to the configured endpoint.
func Dial(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis ping: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func sessionKey(id string) string        { return "session:" + id }
func principalKey(id string) string      { return "principal_sessions:" + id }
func blacklistKey(tokenID string) string { return "blacklist:" + tokenID }
func familyKey(id string) string         { return "family:" + id }
func valueKey(key string) string         { return "kv:" + key }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *Redis) PutSession(ctx context.Context, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(rec.ID), data, ttl)
	pipe.SAdd(ctx, principalKey(rec.PrincipalID), rec.ID)
	pipe.Expire(ctx, principalKey(rec.PrincipalID), ttl)
	_, err = pipe.Exec(ctx)
	return wrapErr(err)
}

func (s *Redis) GetSession(ctx context.Context, id string) (Record, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		return Record{}, wrapErr(err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Redis) UpdateSession(ctx context.Context, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetXX(ctx, sessionKey(rec.ID), data, ttl).Result()
	if err != nil {
		return wrapErr(err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *Redis) DeleteSession(ctx context.Context, id string) error {
	rec, err := s.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, principalKey(rec.PrincipalID), id)
	_, err = pipe.Exec(ctx)
	return wrapErr(err)
}

func (s *Redis) SessionsByPrincipal(ctx context.Context, principalID string) ([]Record, error) {
	members, err := s.rdb.SMembers(ctx, principalKey(principalID)).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	var out []Record
	for _, id := range members {
		rec, err := s.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Session expired; drop the stale index entry.
			s.rdb.SRem(ctx, principalKey(principalID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Redis) Blacklist(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return wrapErr(s.rdb.Set(ctx, blacklistKey(tokenID), "1", ttl).Err())
}

func (s *Redis) IsBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, blacklistKey(tokenID)).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

func (s *Redis) PutFamily(ctx context.Context, fam Family, ttl time.Duration) error {
	if fam.Consumed == nil {
		fam.Consumed = []string{}
	}
	data, err := json.Marshal(fam)
	if err != nil {
		return err
	}
	return wrapErr(s.rdb.Set(ctx, familyKey(fam.ID), data, ttl).Err())
}

func (s *Redis) GetFamily(ctx context.Context, id string) (Family, error) {
	raw, err := s.rdb.Get(ctx, familyKey(id)).Bytes()
	if err != nil {
		return Family{}, wrapErr(err)
	}
	var fam Family
	if err := json.Unmarshal(raw, &fam); err != nil {
		return Family{}, err
	}
	return fam, nil
}

func (s *Redis) Consume(ctx context.Context, familyID, presentedID, newID string, ttl time.Duration) error {
	res, err := consumeScript.Run(ctx, s.rdb, []string{familyKey(familyID)},
		presentedID, newID, ttl.Milliseconds()).Text()
	if err != nil {
		return wrapErr(err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return ErrNotFound
	default:
		return ErrTokenConsumed
	}
}

func (s *Redis) DeleteFamily(ctx context.Context, id string) error {
	return wrapErr(s.rdb.Del(ctx, familyKey(id)).Err())
}

func (s *Redis) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(s.rdb.Set(ctx, valueKey(key), value, ttl).Err())
}

func (s *Redis) GetValue(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, valueKey(key)).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return val, nil
}

func (s *Redis) TakeValue(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.GetDel(ctx, valueKey(key)).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return val, nil
}

func (s *Redis) DeleteValue(ctx context.Context, key string) error {
	return wrapErr(s.rdb.Del(ctx, valueKey(key)).Err())
}

func (s *Redis) Ping(ctx context.Context) error {
	return wrapErr(s.rdb.Ping(ctx).Err())
}

// Close releases the underlying client.
func (s *Redis) Close() error { return s.rdb.Close() }
