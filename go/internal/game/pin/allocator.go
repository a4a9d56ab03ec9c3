package pin

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// Length is the fixed width of a game PIN.
const Length = 6

// maxAttempts bounds collision retries. Hitting it means the active-session
// count is approaching the PIN space; callers treat it as a capacity error.
const maxAttempts = 10

// ErrAllocationExhausted is returned when no free PIN could be reserved
// within the retry budget.
var ErrAllocationExhausted = errors.New("pin space exhausted")

var pinSpace = big.NewInt(1_000_000)

// Allocator hands out unique, human-enterable session PINs, reserved in the
// shared session namespace so two sessions can never hold the same PIN.
type Allocator struct {
	redis redis.UniversalClient
	ttl   time.Duration

	generate func() (string, error)
}

// New creates an allocator. Reservations carry ttl and are refreshed along
// with the rest of the session's keys, so an expired session frees its PIN
// without explicit release.
func New(client redis.UniversalClient, ttl time.Duration) *Allocator {
	return &Allocator{
		redis:    client,
		ttl:      ttl,
		generate: randomPIN,
	}
}

func reserveKey(pin string) string { return "session:" + pin + ":reserved" }

// Allocate reserves and returns a fresh PIN.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		pin, err := a.generate()
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}

		ok, err := a.redis.SetNX(ctx, reserveKey(pin), 1, a.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("reserve pin %s: %w", pin, err)
		}
		if ok {
			return pin, nil
		}
	}

	return "", ErrAllocationExhausted
}

// Release returns a PIN to the free pool. Called once the session has
// reached its terminal phase and the grace period has elapsed.
func (a *Allocator) Release(ctx context.Context, pin string) error {
	if err := a.redis.Del(ctx, reserveKey(pin)).Err(); err != nil {
		return fmt.Errorf("release pin %s: %w", pin, err)
	}
	return nil
}

// Touch extends the reservation alongside the session's other keys.
func (a *Allocator) Touch(ctx context.Context, pin string) error {
	if err := a.redis.Expire(ctx, reserveKey(pin), a.ttl).Err(); err != nil {
		return fmt.Errorf("touch pin %s: %w", pin, err)
	}
	return nil
}

func randomPIN() (string, error) {
	n, err := rand.Int(rand.Reader, pinSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", Length, n), nil
}
