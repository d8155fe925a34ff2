package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" env:"LUPI_REDIS_ADDR"`
	Password     string        `json:"password,omitempty" env:"LUPI_REDIS_PASSWORD"`
	DB           int           `json:"db" env:"LUPI_REDIS_DB"`
	PoolSize     int           `json:"pool_size" env:"LUPI_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" env:"LUPI_REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" env:"LUPI_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"LUPI_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"LUPI_REDIS_WRITE_TIMEOUT"`
	// KeyPrefix namespaces every key the store writes.
	KeyPrefix string `json:"key_prefix" env:"LUPI_REDIS_KEY_PREFIX"`
	// MaxTxRetries bounds optimistic transaction retries on WATCH conflicts.
	MaxTxRetries int `json:"max_tx_retries" env:"LUPI_REDIS_MAX_TX_RETRIES"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "lupi",
		MaxTxRetries: 16,
	}
}

// Store implements engine.Storage on Redis.
// Data structure:
//   - {p}:char:{id}            -> JSON Character
//   - {p}:wallet:{id}          -> JSON Wallet
//   - {p}:settlement:{event}   -> JSON SettlementRecord
//   - {p}:mission:{id}         -> JSON Mission
//   - {p}:missions:type:{type} -> set of mission ids
//   - {p}:progress:{mission}   -> hash character id -> JSON MissionProgress
//   - {p}:club:{id}            -> hash of club fields and counters
//   - {p}:club:{id}:members    -> set of character ids
//   - {p}:member:{character}   -> hash of membership fields and counters
//   - {p}:clubs, {p}:members   -> sets of every club and member id
//
// Scripts and MULTI blocks span several keys, so on Redis Cluster the KeyPrefix
// must carry a hash tag (for example "{lupi}:") to keep every key in one slot.
type Store struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client, config), nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return newStore(client, DefaultConfig())
}

func newStore(client *redis.Client, config Config) *Store {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "lupi"
	}
	retries := config.MaxTxRetries
	if retries <= 0 {
		retries = 16
	}
	return &Store{client: client, prefix: prefix + ":", maxRetries: retries}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *Store) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *Store) charKey(id core.CharacterID) string   { return s.key("char", string(id)) }
func (s *Store) walletKey(id core.CharacterID) string { return s.key("wallet", string(id)) }
func (s *Store) settlementKey(id core.EventID) string { return s.key("settlement", string(id)) }
func (s *Store) missionKey(id core.MissionID) string  { return s.key("mission", string(id)) }
func (s *Store) missionTypeKey(typ string) string     { return s.key("missions", "type", typ) }
func (s *Store) progressKey(id core.MissionID) string { return s.key("progress", string(id)) }

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", core.ErrStorage, op, err)
}

// scriptErr maps error replies raised by the Lua scripts onto the taxonomy.
func scriptErr(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOT_FOUND"):
		return fmt.Errorf("%w: %s", core.ErrNotFound, strings.TrimSpace(strings.TrimPrefix(msg, "NOT_FOUND")))
	case strings.HasPrefix(msg, "CONFLICT"):
		return fmt.Errorf("%w: %s", core.ErrConflict, strings.TrimSpace(strings.TrimPrefix(msg, "CONFLICT")))
	default:
		return storageErr(op, err)
	}
}

// retryTx runs fn under WATCH on keys, retrying when another client touched them.
func (s *Store) retryTx(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: redis %s: too many concurrent updates", core.ErrStorage, op)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, c getter, key string, out *T) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// every stored type is plain data
		panic(err)
	}
	return data
}

func (s *Store) CreateCharacter(ctx context.Context, c core.Character, w core.Wallet) error {
	w.CharacterID = c.ID
	ok, err := s.client.MSetNX(ctx, s.charKey(c.ID), mustJSON(c), s.walletKey(c.ID), mustJSON(w)).Result()
	if err != nil {
		return storageErr("create character", err)
	}
	if !ok {
		return fmt.Errorf("%w: character %s exists", core.ErrConflict, c.ID)
	}
	return nil
}

func (s *Store) GetCharacter(ctx context.Context, id core.CharacterID) (core.Character, error) {
	var c core.Character
	found, err := getJSON(ctx, s.client, s.charKey(id), &c)
	if err != nil {
		return core.Character{}, storageErr("get character", err)
	}
	if !found {
		return core.Character{}, fmt.Errorf("%w: character %s", core.ErrNotFound, id)
	}
	return c, nil
}

func (s *Store) GetWallet(ctx context.Context, id core.CharacterID) (core.Wallet, error) {
	var w core.Wallet
	found, err := getJSON(ctx, s.client, s.walletKey(id), &w)
	if err != nil {
		return core.Wallet{}, storageErr("get wallet", err)
	}
	if !found {
		return core.Wallet{}, fmt.Errorf("%w: wallet for %s", core.ErrNotFound, id)
	}
	return w, nil
}

func (s *Store) UpdateCharacter(ctx context.Context, id core.CharacterID, fn func(*core.Character) error) (core.Character, error) {
	key := s.charKey(id)
	var out core.Character
	err := s.retryTx(ctx, "update character", func(tx *redis.Tx) error {
		var c core.Character
		found, err := getJSON(ctx, tx, key, &c)
		if err != nil {
			return storageErr("update character", err)
		}
		if !found {
			return fmt.Errorf("%w: character %s", core.ErrNotFound, id)
		}
		if err := fn(&c); err != nil {
			return err
		}
		c.ID = id
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, mustJSON(c), 0)
			return nil
		})
		out = c
		return err
	}, key)
	return out, err
}

func (s *Store) Settle(ctx context.Context, eventID core.EventID, characterID core.CharacterID, fn engine.SettleFunc) (core.SettlementRecord, bool, error) {
	recKey, charKey, walletKey := s.settlementKey(eventID), s.charKey(characterID), s.walletKey(characterID)
	var (
		rec     core.SettlementRecord
		applied bool
	)
	err := s.retryTx(ctx, "settle", func(tx *redis.Tx) error {
		applied = false
		found, err := getJSON(ctx, tx, recKey, &rec)
		if err != nil {
			return storageErr("settle", err)
		}
		if found {
			return nil
		}
		var (
			c core.Character
			w core.Wallet
		)
		if found, err := getJSON(ctx, tx, charKey, &c); err != nil {
			return storageErr("settle", err)
		} else if !found {
			return fmt.Errorf("%w: character %s", core.ErrNotFound, characterID)
		}
		if found, err := getJSON(ctx, tx, walletKey, &w); err != nil {
			return storageErr("settle", err)
		} else if !found {
			return fmt.Errorf("%w: wallet for %s", core.ErrNotFound, characterID)
		}
		nc, nw, next, err := fn(c, w)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, charKey, mustJSON(nc), 0)
			pipe.Set(ctx, walletKey, mustJSON(nw), 0)
			pipe.Set(ctx, recKey, mustJSON(next), 0)
			return nil
		})
		if err != nil {
			return err
		}
		rec, applied = next, true
		return nil
	}, recKey, charKey, walletKey)
	if err != nil {
		return core.SettlementRecord{}, false, err
	}
	return rec, applied, nil
}

func (s *Store) GetSettlement(ctx context.Context, eventID core.EventID) (core.SettlementRecord, error) {
	var rec core.SettlementRecord
	found, err := getJSON(ctx, s.client, s.settlementKey(eventID), &rec)
	if err != nil {
		return core.SettlementRecord{}, storageErr("get settlement", err)
	}
	if !found {
		return core.SettlementRecord{}, fmt.Errorf("%w: settlement %s", core.ErrNotFound, eventID)
	}
	return rec, nil
}

func (s *Store) CreateMission(ctx context.Context, m core.Mission) error {
	ok, err := s.client.SetNX(ctx, s.missionKey(m.ID), mustJSON(m), 0).Result()
	if err != nil {
		return storageErr("create mission", err)
	}
	if !ok {
		return fmt.Errorf("%w: mission %s exists", core.ErrConflict, m.ID)
	}
	if err := s.client.SAdd(ctx, s.missionTypeKey(m.Type), string(m.ID)).Err(); err != nil {
		return storageErr("index mission", err)
	}
	return nil
}

func (s *Store) GetMission(ctx context.Context, id core.MissionID) (core.Mission, error) {
	var m core.Mission
	found, err := getJSON(ctx, s.client, s.missionKey(id), &m)
	if err != nil {
		return core.Mission{}, storageErr("get mission", err)
	}
	if !found {
		return core.Mission{}, fmt.Errorf("%w: mission %s", core.ErrNotFound, id)
	}
	return m, nil
}

func (s *Store) ListMissionsByType(ctx context.Context, eventType string) ([]core.Mission, error) {
	ids, err := s.client.SMembers(ctx, s.missionTypeKey(eventType)).Result()
	if err != nil {
		return nil, storageErr("list missions", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.missionKey(core.MissionID(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageErr("list missions", err)
	}
	out := make([]core.Mission, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m core.Mission
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, storageErr("decode mission", err)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetProgress(ctx context.Context, missionID core.MissionID, characterID core.CharacterID) (core.MissionProgress, error) {
	data, err := s.client.HGet(ctx, s.progressKey(missionID), string(characterID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.MissionProgress{}, fmt.Errorf("%w: progress %s/%s", core.ErrNotFound, missionID, characterID)
	}
	if err != nil {
		return core.MissionProgress{}, storageErr("get progress", err)
	}
	var p core.MissionProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return core.MissionProgress{}, storageErr("decode progress", err)
	}
	return p, nil
}

func (s *Store) UpdateMissionProgress(ctx context.Context, missionID core.MissionID, characterID core.CharacterID, fn func(*core.MissionProgress) error) (core.MissionProgress, error) {
	exists, err := s.client.Exists(ctx, s.missionKey(missionID)).Result()
	if err != nil {
		return core.MissionProgress{}, storageErr("update progress", err)
	}
	if exists == 0 {
		return core.MissionProgress{}, fmt.Errorf("%w: mission %s", core.ErrNotFound, missionID)
	}
	key := s.progressKey(missionID)
	var out core.MissionProgress
	err = s.retryTx(ctx, "update progress", func(tx *redis.Tx) error {
		p := core.MissionProgress{MissionID: missionID, CharacterID: characterID}
		data, err := tx.HGet(ctx, key, string(characterID)).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return storageErr("update progress", err)
		default:
			if err := json.Unmarshal(data, &p); err != nil {
				return storageErr("decode progress", err)
			}
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.MissionID, p.CharacterID = missionID, characterID
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, string(characterID), mustJSON(p))
			return nil
		})
		out = p
		return err
	}, key)
	return out, err
}

func (s *Store) SumMissionProgress(ctx context.Context, missionID core.MissionID) (int64, error) {
	vals, err := s.client.HVals(ctx, s.progressKey(missionID)).Result()
	if err != nil {
		return 0, storageErr("sum progress", err)
	}
	var total int64
	for _, v := range vals {
		var p core.MissionProgress
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return 0, storageErr("decode progress", err)
		}
		total += p.ProgressValue
	}
	return total, nil
}

func (s *Store) CompleteMission(ctx context.Context, id core.MissionID, by core.CharacterID, at time.Time) (bool, error) {
	key := s.missionKey(id)
	var won bool
	err := s.retryTx(ctx, "complete mission", func(tx *redis.Tx) error {
		won = false
		var m core.Mission
		found, err := getJSON(ctx, tx, key, &m)
		if err != nil {
			return storageErr("complete mission", err)
		}
		if !found {
			return fmt.Errorf("%w: mission %s", core.ErrNotFound, id)
		}
		if m.Status != core.MissionActive {
			return nil
		}
		m.Status = core.MissionCompleted
		m.CompletedBy = by
		m.CompletedAt = &at
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, mustJSON(m), 0)
			return nil
		})
		won = err == nil
		return err
	}, key)
	return won, err
}

var _ engine.Storage = (*Store)(nil)
