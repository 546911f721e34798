package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jorgeraad/leafai/internal/domain"
)

const (
	redisKeyPrefix = "leafai:run:"
	redisBatchSize = 256
)

// Event entries use the explicit stream id 0-<index+1>, so replay from an
// index is a plain XREAD after 0-<index>. Completion appends one entry with
// a "terminal" field after the last event.
var (
	appendScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'running' then return -2 end
local idx = redis.call('HINCRBY', KEYS[1], 'next', 1) - 1
redis.call('XADD', KEYS[2], '0-' .. (idx + 1), 'type', ARGV[1], 'payload', ARGV[2])
return idx
`)
	completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'running' then return -2 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'result', ARGV[2], 'ended_at', ARGV[3])
local next = tonumber(redis.call('HGET', KEYS[1], 'next') or '0')
redis.call('XADD', KEYS[2], '0-' .. (next + 1), 'terminal', '1')
return 0
`)
)

// Redis is a Registry whose event logs are Redis Streams, shared by every
// process pointed at the same server.
type Redis struct {
	client       *redis.Client
	pollInterval time.Duration
}

// NewRedisFromURL connects to redisURL and verifies the connection.
func NewRedisFromURL(redisURL string, pollInterval time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedis(client, pollInterval), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, pollInterval time.Duration) *Redis {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Redis{client: client, pollInterval: pollInterval}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func runKey(runID string) string    { return redisKeyPrefix + runID }
func eventsKey(runID string) string { return redisKeyPrefix + runID + ":events" }

func (r *Redis) Create(ctx context.Context, runID string) error {
	ok, err := r.client.HSetNX(ctx, runKey(runID), "status", string(domain.RunStatusRunning)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	return r.client.HSet(ctx, runKey(runID),
		"created_at", time.Now().UTC().Format(time.RFC3339Nano),
		"next", 0).Err()
}

func (r *Redis) Append(ctx context.Context, runID string, ev domain.Event) (int, error) {
	payload, err := domain.MarshalEvent(ev)
	if err != nil {
		return 0, err
	}
	idx, err := appendScript.Run(ctx, r.client,
		[]string{runKey(runID), eventsKey(runID)},
		string(ev.Type()), string(payload)).Int()
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", runID, err)
	}
	switch idx {
	case -1:
		return 0, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	case -2:
		return 0, fmt.Errorf("append to %s: %w", runID, domain.ErrRunTerminal)
	}
	return idx, nil
}

func (r *Redis) Complete(ctx context.Context, runID string, result domain.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	code, err := completeScript.Run(ctx, r.client,
		[]string{runKey(runID), eventsKey(runID)},
		string(result.Status()), string(data), time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("complete %s: %w", runID, err)
	}
	switch code {
	case -1:
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	case -2:
		return fmt.Errorf("complete %s: %w", runID, domain.ErrRunTerminal)
	}
	return nil
}

func (r *Redis) Readable(ctx context.Context, runID string, startIndex int) (Stream, error) {
	if _, err := r.Get(ctx, runID); err != nil {
		return nil, err
	}
	return &redisStream{
		r:      r,
		runID:  runID,
		lastID: "0-" + strconv.Itoa(clampIndex(startIndex)),
	}, nil
}

func (r *Redis) Result(ctx context.Context, runID string) (*domain.RunResult, error) {
	run, err := r.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Result, nil
}

func (r *Redis) Wait(ctx context.Context, runID string) (domain.RunResult, error) {
	return pollResult(ctx, r.pollInterval, nil,
		func() (*domain.RunResult, error) { return r.Result(ctx, runID) })
}

func (r *Redis) Length(ctx context.Context, runID string) (int, error) {
	n, err := r.client.HGet(ctx, runKey(runID), "next").Int()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return n, err
}

func (r *Redis) Get(ctx context.Context, runID string) (*domain.Run, error) {
	fields, err := r.client.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	run := &domain.Run{ID: runID, Status: domain.RunStatus(fields["status"])}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		run.CreatedAt = t
	}
	if v, ok := fields["ended_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.EndedAt = &t
		}
	}
	if v := fields["result"]; v != "" {
		var res domain.RunResult
		if err := json.Unmarshal([]byte(v), &res); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", runID, err)
		}
		run.Result = &res
	}
	return run, nil
}

func (r *Redis) terminal(ctx context.Context, runID string) (bool, error) {
	status, err := r.client.HGet(ctx, runKey(runID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return domain.RunStatus(status).IsTerminal(), nil
}

type redisStream struct {
	r      *Redis
	runID  string
	lastID string
	buf    []domain.Event
	done   bool
}

func (s *redisStream) Next(ctx context.Context) (domain.Event, error) {
	for {
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		streams, err := s.r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{eventsKey(s.runID), s.lastID},
			Count:   redisBatchSize,
			Block:   s.r.pollInterval,
		}).Result()
		if errors.Is(err, redis.Nil) {
			// A reader positioned past the terminal entry never sees it.
			terminal, err := s.r.terminal(ctx, s.runID)
			if err != nil {
				return nil, err
			}
			if terminal {
				s.done = true
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read run %s: %w", s.runID, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.lastID = msg.ID
				if _, ok := msg.Values["terminal"]; ok {
					s.done = true
					break
				}
				payload, _ := msg.Values["payload"].(string)
				ev, err := domain.UnmarshalEvent([]byte(payload))
				if err != nil {
					return nil, fmt.Errorf("decode event %s of %s: %w", msg.ID, s.runID, err)
				}
				s.buf = append(s.buf, ev)
			}
		}
	}
}
