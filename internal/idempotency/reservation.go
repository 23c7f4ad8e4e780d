package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const reservationPrefix = "reservation:v1:"

// Reservation is a short-lived, exclusive in-flight marker per idempotency
// key. Of N concurrent requests sharing a key, exactly one acquires the
// reservation and proceeds to submission; the rest wait for the durable
// result. The TTL bounds how long a crashed holder can block legitimate
// retries.
type Reservation interface {
	// Acquire attempts to claim the key. It returns false without error when
	// another request already holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release frees the key. Safe to call for keys not held.
	Release(ctx context.Context, key string) error
}

// RedisReservation implements Reservation with a Redis SETNX marker.
type RedisReservation struct {
	client *redis.Client
}

// NewRedisReservation constructs a Redis-backed reservation.
func NewRedisReservation(client *redis.Client) *RedisReservation {
	return &RedisReservation{client: client}
}

// Acquire claims the key with SETNX.
func (r *RedisReservation) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, reservationPrefix+key, "1", ttl).Result()
}

// Release deletes the marker.
func (r *RedisReservation) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, reservationPrefix+key).Err()
}

type memoryReservation struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewMemoryReservation constructs an in-process reservation for tests and dev
// mode.
func NewMemoryReservation() Reservation {
	return &memoryReservation{held: make(map[string]time.Time)}
}

func (r *memoryReservation) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if expiry, ok := r.held[key]; ok && now.Before(expiry) {
		return false, nil
	}
	r.held[key] = now.Add(ttl)
	return true, nil
}

func (r *memoryReservation) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, key)
	return nil
}
