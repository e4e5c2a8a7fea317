package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

const redisKeyPrefix = "bulwark:session:"

// redisState is the JSON document stored per session. Risk keys are plain
// strings so the document survives category additions.
type redisState struct {
	TurnCount int                `json:"turn_count"`
	Turns     []gate.TurnSummary `json:"turns"`
	Risk      map[string]float64 `json:"risk"`
	Entities  []gate.SeenEntity  `json:"entities,omitempty"`
}

// RedisStore keeps session state in Redis so multiple gateway instances can
// share it. Each session is one JSON value with a TTL refreshed on every
// update, so idle eviction comes for free.
type RedisStore struct {
	client *redis.Client
	params Params
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, url string, params Params) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, params: params}, nil
}

func (s *RedisStore) key(sessionID string) string { return redisKeyPrefix + sessionID }

// Snapshot loads and decodes the session document. Backend failures map to
// ErrStoreUnavailable so the pipeline can distinguish "no session" from
// "can't reach Redis".
func (s *RedisStore) Snapshot(ctx context.Context, sessionID string) (*gate.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return &gate.Snapshot{SessionID: sessionID, Risk: map[gate.Category]float64{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gate.ErrStoreUnavailable, err)
	}

	var st redisState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}

	snap := &gate.Snapshot{
		SessionID: sessionID,
		TurnCount: st.TurnCount,
		Turns:     st.Turns,
		Risk:      make(map[gate.Category]float64, len(st.Risk)),
		Entities:  st.Entities,
	}
	for cat, r := range st.Risk {
		snap.Risk[gate.Category(cat)] = r
	}
	return snap, nil
}

// Update applies a turn delta with read-modify-write. Sessions are
// serialized upstream by the per-session lock, so no WATCH is needed here.
func (s *RedisStore) Update(ctx context.Context, sessionID string, up Update) error {
	key := s.key(sessionID)

	var st redisState
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
		st.Risk = make(map[string]float64)
	case err != nil:
		return fmt.Errorf("%w: %v", gate.ErrStoreUnavailable, err)
	default:
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decode session state: %w", err)
		}
		if st.Risk == nil {
			st.Risk = make(map[string]float64)
		}
	}

	risk := make(map[gate.Category]float64, len(st.Risk))
	for cat, r := range st.Risk {
		risk[gate.Category(cat)] = r
	}
	applyRisk(risk, up.RiskAdd, s.params.Decay)
	st.Risk = make(map[string]float64, len(risk))
	for cat, r := range risk {
		st.Risk[string(cat)] = r
	}

	turn := up.Turn
	turn.Excerpt = truncateExcerpt(turn.Excerpt, s.params.ExcerptLimit)
	st.Turns = append(st.Turns, turn)
	if len(st.Turns) > s.params.Window {
		st.Turns = st.Turns[len(st.Turns)-s.params.Window:]
	}
	st.TurnCount++
	st.Entities = mergeEntities(st.Entities, up.Entities)

	out, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if err := s.client.Set(ctx, key, out, s.params.TTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", gate.ErrStoreUnavailable, err)
	}
	return nil
}

// CloseSession deletes the session document.
func (s *RedisStore) CloseSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", gate.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
