// Package kv wraps the Redis primitives the lock managers are built on:
// conditional set, scripted compare-and-delete and compare-and-renew, and the
// GETSET based operations used by the unsafe lock variant.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// Delimiter separates the expiry stamp from the token in unsafe lock values.
const Delimiter = "|"

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return '0'
end
`)

// KEYS[1] key, ARGV[1] token, ARGV[2] delimiter.
var delStampedScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
    return 0
end
local i = string.find(v, ARGV[2], 1, true)
if not i then
    return redis.error_reply("malformed lock value")
end
if string.sub(v, i + 1) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client issues lock primitives against Redis.
type Client struct {
	rdb redis.UniversalClient
}

// New returns a Client using rdb.
func New(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Redis returns the underlying client.
func (c *Client) Redis() redis.UniversalClient { return c.rdb }

// SetIfAbsent stores value under key with the given expiry only if key does
// not exist (SET NX EX/PX).
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, latcherrors.ErrInvalidLease
	}
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// SetIfAbsentNoExpiry is SETNX without an expiry.
func (c *Client) SetIfAbsentNoExpiry(ctx context.Context, key, value string) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, 0).Result()
}

// CompareAndDelete deletes key only if it holds token.
func (c *Client) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := delScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompareAndRenew resets the expiry of key to ttl only if it holds token.
func (c *Client) CompareAndRenew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, latcherrors.ErrInvalidLease
	}
	res, err := renewScript.Run(ctx, c.rdb, []string{key}, token, ttl.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

// CompareStampedAndDelete deletes key only if the token part of its stamped
// value equals token. A stored value without delimiter is an error.
func (c *Client) CompareStampedAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := delStampedScript.Run(ctx, c.rdb, []string{key}, token, Delimiter).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if strings.Contains(err.Error(), "malformed lock value") {
			return false, fmt.Errorf("%w: key %q", latcherrors.ErrMalformedValue, key)
		}
		return false, err
	}
	return n == 1, nil
}

// Expire sets an expiry on key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// GetSet swaps the value of key and returns the previous one. The boolean is
// false when key did not exist.
func (c *Client) GetSet(ctx context.Context, key, value string) (string, bool, error) {
	prev, err := c.rdb.GetSet(ctx, key, value).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return prev, true, nil
}

// Get returns the value of key. The boolean is false when key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Stamp encodes an absolute expiry and a token as "<unixMillis>|<token>".
func Stamp(expiry time.Time, token string) string {
	return strconv.FormatInt(expiry.UnixMilli(), 10) + Delimiter + token
}

// ParseStamped decodes a value produced by Stamp.
func ParseStamped(value string) (time.Time, string, error) {
	ms, token, ok := strings.Cut(value, Delimiter)
	if !ok {
		return time.Time{}, "", fmt.Errorf("%w: missing %q in %q", latcherrors.ErrMalformedValue, Delimiter, value)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: bad expiry in %q: %v", latcherrors.ErrMalformedValue, value, err)
	}
	return time.UnixMilli(n), token, nil
}
