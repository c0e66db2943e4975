// Package redislease implements the run lease on Redis with SET NX PX.
package redislease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/orchestrator"
)

const keyPrefix = "conflict-engine:lease:"

type holder struct {
	Owner string `json:"owner"`
	RunID string `json:"run_id"`
}

// renewScript extends the TTL only while the caller still owns the key.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only while the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Leaser implements orchestrator.Leaser.
type Leaser struct {
	rdb *goredis.Client
}

func New(rdb *goredis.Client) *Leaser {
	return &Leaser{rdb: rdb}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string) (*Leaser, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Leaser{rdb: rdb}, nil
}

func (l *Leaser) Close() error { return l.rdb.Close() }

func key(name string) string { return keyPrefix + name }

func encode(owner, runID string) (string, error) {
	raw, err := json.Marshal(holder{Owner: owner, RunID: runID})
	return string(raw), err
}

func (l *Leaser) Acquire(ctx context.Context, name, owner, runID string, ttl time.Duration) (*orchestrator.Lease, error) {
	value, err := encode(owner, runID)
	if err != nil {
		return nil, err
	}

	var (
		cur  holder
		pttl time.Duration
	)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.rdb.SetNX(ctx, key(name), value, ttl).Result()
		if err != nil {
			return nil, &conflict.TransientStoreError{Op: "acquire lease", Err: err}
		}
		if ok {
			return &orchestrator.Lease{Name: name, Owner: owner, RunID: runID, ExpiresAt: time.Now().Add(ttl)}, nil
		}
		cur, pttl, err = l.current(ctx, name)
		if err != nil {
			return nil, err
		}
		if cur.Owner != "" {
			break
		}
		// expired between SETNX and GET
	}
	if cur.Owner == owner && cur.RunID == runID {
		// The same run re-acquiring after a restart: refresh the TTL.
		if err := l.rdb.Set(ctx, key(name), value, ttl).Err(); err != nil {
			return nil, &conflict.TransientStoreError{Op: "acquire lease", Err: err}
		}
		return &orchestrator.Lease{Name: name, Owner: owner, RunID: runID, ExpiresAt: time.Now().Add(ttl)}, nil
	}
	return nil, &conflict.LeaseHeldError{Name: name, Owner: cur.Owner, RunID: cur.RunID, ExpiresAt: time.Now().Add(pttl)}
}

func (l *Leaser) current(ctx context.Context, name string) (holder, time.Duration, error) {
	raw, err := l.rdb.Get(ctx, key(name)).Result()
	if errors.Is(err, goredis.Nil) {
		return holder{}, 0, nil
	}
	if err != nil {
		return holder{}, 0, &conflict.TransientStoreError{Op: "read lease", Err: err}
	}
	var h holder
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return holder{}, 0, fmt.Errorf("decode lease %s: %w", name, err)
	}
	pttl, err := l.rdb.PTTL(ctx, key(name)).Result()
	if err != nil {
		return holder{}, 0, &conflict.TransientStoreError{Op: "read lease", Err: err}
	}
	return h, pttl, nil
}

func (l *Leaser) Renew(ctx context.Context, lease *orchestrator.Lease, ttl time.Duration) error {
	value, err := encode(lease.Owner, lease.RunID)
	if err != nil {
		return err
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{key(lease.Name)}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return &conflict.TransientStoreError{Op: "renew lease", Err: err}
	}
	if n == 0 {
		cur, pttl, _ := l.current(ctx, lease.Name)
		return &conflict.LeaseHeldError{Name: lease.Name, Owner: cur.Owner, RunID: cur.RunID, ExpiresAt: time.Now().Add(pttl)}
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}

func (l *Leaser) Release(ctx context.Context, lease *orchestrator.Lease) error {
	value, err := encode(lease.Owner, lease.RunID)
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{key(lease.Name)}, value).Err(); err != nil {
		return &conflict.TransientStoreError{Op: "release lease", Err: err}
	}
	return nil
}
