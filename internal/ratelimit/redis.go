package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"stageguard/internal/config"
)

// Prune, inspect, and optionally append in one server-side step. Members are
// "<id>:<cost>"; scores are microseconds since the epoch.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local maxReq = tonumber(ARGV[3])
local maxTok = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])
local member = ARGV[6]
local mode = ARGV[7]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local entries = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
local count = #entries / 2
local tokens = 0
for i = 1, #entries, 2 do
  tokens = tokens + (tonumber(string.match(entries[i], ':(%d+)$')) or 0)
end

if mode == 'usage' then
  return {1, 0, count, tokens}
end

if mode ~= 'record' then
  local wait = 0
  if maxReq > 0 and count + 1 > maxReq then
    local score = tonumber(entries[(count - maxReq) * 2 + 2])
    wait = math.max(wait, score + window - now)
  end
  if maxTok > 0 and tokens + cost > maxTok then
    local excess = tokens + cost - maxTok
    local freed = 0
    for i = 1, #entries, 2 do
      freed = freed + (tonumber(string.match(entries[i], ':(%d+)$')) or 0)
      if freed >= excess then
        wait = math.max(wait, tonumber(entries[i + 1]) + window - now)
        break
      end
    end
  end
  if wait > 0 then
    return {0, wait, count, tokens}
  end
  if mode == 'check' then
    return {1, 0, count, tokens}
  end
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, math.ceil(window / 1000) * 2)
return {1, 0, count + 1, tokens + cost}
`)

// Shared is a rolling-window limiter whose window lives in a Redis sorted
// set, so every process using the same key prefix shares one budget.
type Shared struct {
	client redis.Scripter
	key    string
	name   string
	limits Limits
	window time.Duration
	now    func() time.Time
}

// NewShared returns a Redis-backed limiter for name under keyPrefix.
func NewShared(client redis.Scripter, keyPrefix, name string, limits Limits, opts ...WindowOption) *Shared {
	w := NewWindow(name, limits, opts...)
	if keyPrefix == "" {
		keyPrefix = "stageguard"
	}
	return &Shared{
		client: client,
		key:    keyPrefix + ":ratelimit:" + name,
		name:   name,
		limits: limits,
		window: w.window,
		now:    w.now,
	}
}

func (s *Shared) Name() string   { return s.name }
func (s *Shared) Limits() Limits { return s.limits }

// Key returns the sorted-set key backing the window.
func (s *Shared) Key() string { return s.key }

func (s *Shared) CanProceed(ctx context.Context, cost int) (bool, time.Duration, error) {
	return s.decide(ctx, "check", cost)
}

func (s *Shared) Reserve(ctx context.Context, cost int) (bool, time.Duration, error) {
	return s.decide(ctx, "reserve", cost)
}

func (s *Shared) Record(ctx context.Context, cost int) error {
	if cost < 0 {
		return fmt.Errorf("record %s: negative cost %d", s.name, cost)
	}
	_, err := s.eval(ctx, "record", cost)
	return err
}

func (s *Shared) Usage(ctx context.Context) (Usage, error) {
	res, err := s.eval(ctx, "usage", 0)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Requests: int(res[2]), Tokens: int(res[3])}, nil
}

func (s *Shared) decide(ctx context.Context, mode string, cost int) (bool, time.Duration, error) {
	if cost < 0 {
		return false, 0, fmt.Errorf("check %s: negative cost %d", s.name, cost)
	}
	if s.limits.MaxTokens > 0 && cost > s.limits.MaxTokens {
		return false, 0, fmt.Errorf("%s: cost %d > %d: %w", s.name, cost, s.limits.MaxTokens, ErrCostExceedsLimit)
	}
	res, err := s.eval(ctx, mode, cost)
	if err != nil {
		return false, 0, err
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Microsecond, nil
}

func (s *Shared) eval(ctx context.Context, mode string, cost int) ([]int64, error) {
	member := uuid.NewString() + ":" + strconv.Itoa(cost)
	res, err := windowScript.Run(ctx, s.client, []string{s.key},
		s.now().UnixMicro(),
		s.window.Microseconds(),
		s.limits.MaxRequests,
		s.limits.MaxTokens,
		cost,
		member,
		mode,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limiter script for %q: %w", s.name, err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("rate limiter script for %q: unexpected reply %v", s.name, res)
	}
	return res, nil
}

// Connect parses cfg.URL, applies the configured password, and pings the server.
func Connect(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
