// Package statestore implements the state store (C7): an optional,
// out-of-process cache of per-workload state, console/install log tails,
// and daemon heartbeats backed by Redis, so that external observers (and a
// restarted daemon) can recover recent history without holding it all in
// memory. When disabled, every method is a no-op so callers never need to
// branch on whether a store backend is configured.
package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stellarstack/daemon/pkg/types"
)

const (
	maxConsoleLines = 500
	maxInstallLines = 500
	stateTTL        = 24 * time.Hour
	heartbeatTTL    = 60 * time.Second
)

// CachedState is the JSON-serialized snapshot stored per workload.
type CachedState struct {
	State       string `json:"state"`
	Installing  bool   `json:"installing"`
	ContainerID string `json:"container_id,omitempty"`
	LastUpdated int64  `json:"last_updated"`
}

// Store is a Redis-backed cache of daemon state. The zero value is not
// usable; construct with New. When enabled is false, every operation is a
// no-op and Connect never dials Redis.
type Store struct {
	client  *redis.Client
	prefix  string
	enabled bool
	logger  zerolog.Logger
}

// New creates a Store bound to prefix. Connect must be called before any
// operation will reach Redis; until then (or if enabled is false) every
// method is a no-op.
func New(prefix string, enabled bool, logger zerolog.Logger) *Store {
	return &Store{prefix: prefix, enabled: enabled, logger: logger}
}

// Connect dials Redis at addr. A no-op when the store is disabled.
func (s *Store) Connect(ctx context.Context, addr string) error {
	if !s.enabled {
		s.logger.Debug().Msg("state store disabled, skipping connection")
		return nil
	}

	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return err
	}

	s.client = client
	s.logger.Info().Str("addr", addr).Msg("state store connected")
	return nil
}

// IsConnected reports whether the store is enabled and connected.
func (s *Store) IsConnected() bool {
	return s.enabled && s.client != nil
}

func (s *Store) stateKey(workloadID string) string {
	return s.prefix + ":state:" + workloadID
}

func (s *Store) consoleKey(workloadID string) string {
	return s.prefix + ":console:" + workloadID
}

func (s *Store) installKey(workloadID string) string {
	return s.prefix + ":install:" + workloadID
}

func (s *Store) heartbeatKey(daemonID string) string {
	return s.prefix + ":daemon:" + daemonID + ":heartbeat"
}

// SaveServerState persists a workload's current state snapshot with a 24h
// TTL.
func (s *Store) SaveServerState(ctx context.Context, workloadID string, state types.ProcessState, installing bool) {
	if !s.IsConnected() {
		return
	}

	cached := CachedState{
		State:       state.String(),
		Installing:  installing,
		LastUpdated: time.Now().Unix(),
	}
	value, err := json.Marshal(cached)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to serialize server state")
		return
	}

	if err := s.client.Set(ctx, s.stateKey(workloadID), value, stateTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Str("workload", workloadID).Msg("failed to save server state to redis")
		return
	}
	s.logger.Debug().Str("workload", workloadID).Str("state", cached.State).Msg("saved server state")
}

// GetServerState returns the cached state for a workload, or nil if absent
// or the store is disabled.
func (s *Store) GetServerState(ctx context.Context, workloadID string) *CachedState {
	if !s.IsConnected() {
		return nil
	}

	value, err := s.client.Get(ctx, s.stateKey(workloadID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to get server state from redis")
		return nil
	}

	var cached CachedState
	if err := json.Unmarshal([]byte(value), &cached); err != nil {
		s.logger.Warn().Err(err).Msg("failed to deserialize server state")
		return nil
	}
	return &cached
}

// GetAllServerStates returns every cached workload state keyed by workload
// ID.
func (s *Store) GetAllServerStates(ctx context.Context) map[string]CachedState {
	states := make(map[string]CachedState)
	if !s.IsConnected() {
		return states
	}

	pattern := s.prefix + ":state:*"
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list state keys from redis")
		return states
	}

	prefixLen := len(s.prefix + ":state:")
	for _, key := range keys {
		if len(key) < prefixLen {
			continue
		}
		workloadID := key[prefixLen:]
		if cached := s.GetServerState(ctx, workloadID); cached != nil {
			states[workloadID] = *cached
		}
	}
	return states
}

// DeleteServerState removes the cached state for a workload.
func (s *Store) DeleteServerState(ctx context.Context, workloadID string) {
	if !s.IsConnected() {
		return
	}
	s.client.Del(ctx, s.stateKey(workloadID))
}

// AppendConsoleLog appends a console output line, trimming the list to the
// most recent maxConsoleLines entries and refreshing its TTL.
func (s *Store) AppendConsoleLog(ctx context.Context, workloadID, line string) {
	s.appendLine(ctx, s.consoleKey(workloadID), line, maxConsoleLines)
}

// GetConsoleLogs returns the cached console log tail for a workload.
func (s *Store) GetConsoleLogs(ctx context.Context, workloadID string) []string {
	return s.getLines(ctx, s.consoleKey(workloadID))
}

// ClearConsoleLogs removes the cached console log tail for a workload.
func (s *Store) ClearConsoleLogs(ctx context.Context, workloadID string) {
	if !s.IsConnected() {
		return
	}
	s.client.Del(ctx, s.consoleKey(workloadID))
}

// AppendInstallLog appends an install-log line, trimming to the most
// recent maxInstallLines entries and refreshing its TTL.
func (s *Store) AppendInstallLog(ctx context.Context, workloadID, line string) {
	s.appendLine(ctx, s.installKey(workloadID), line, maxInstallLines)
}

// GetInstallLogs returns the cached install log tail for a workload.
func (s *Store) GetInstallLogs(ctx context.Context, workloadID string) []string {
	return s.getLines(ctx, s.installKey(workloadID))
}

// ClearInstallLogs removes the cached install log tail for a workload.
func (s *Store) ClearInstallLogs(ctx context.Context, workloadID string) {
	if !s.IsConnected() {
		return
	}
	s.client.Del(ctx, s.installKey(workloadID))
}

func (s *Store) appendLine(ctx context.Context, key, line string, max int) {
	if !s.IsConnected() {
		return
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.LTrim(ctx, key, -int64(max), -1)
	pipe.Expire(ctx, key, stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to append log line to redis")
	}
}

func (s *Store) getLines(ctx context.Context, key string) []string {
	if !s.IsConnected() {
		return nil
	}
	lines, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to read log lines from redis")
		return nil
	}
	return lines
}

// SaveHeartbeat records that the daemon identified by daemonID is alive,
// with a 60s TTL.
func (s *Store) SaveHeartbeat(ctx context.Context, daemonID string) {
	if !s.IsConnected() {
		return
	}
	s.client.Set(ctx, s.heartbeatKey(daemonID), time.Now().Unix(), heartbeatTTL)
}

// Close releases the underlying Redis client, if any.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
