// Package guard serializes story generation runs per user so concurrent
// invocations cannot create duplicate orders or payments.
package guard

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrInFlight is returned by Acquire when a run for the user is already active.
var ErrInFlight = eris.New("guard: run already in flight")

// Guard grants exclusive per-user run slots.
type Guard interface {
	// Acquire reserves the slot for userID. The returned release func is
	// idempotent and must be called once the run finishes.
	Acquire(ctx context.Context, userID int64) (release func(), err error)
}

// Noop never blocks. It preserves the unguarded behaviour where concurrent
// runs for one user are allowed.
type Noop struct{}

// Acquire always succeeds.
func (Noop) Acquire(context.Context, int64) (func(), error) {
	return func() {}, nil
}

// Memory guards users within a single process.
type Memory struct {
	mu     sync.Mutex
	active map[int64]struct{}
}

// NewMemory creates an in-process guard.
func NewMemory() *Memory {
	return &Memory{active: make(map[int64]struct{})}
}

// Acquire reserves userID or returns ErrInFlight.
func (m *Memory) Acquire(_ context.Context, userID int64) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.active[userID]; busy {
		return nil, eris.Wrapf(ErrInFlight, "user %d", userID)
	}
	m.active[userID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.active, userID)
			m.mu.Unlock()
		})
	}, nil
}

// inFlight reports whether userID currently holds a slot.
func (m *Memory) inFlight(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.active[userID]
	return busy
}

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock re-acquired by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the lock's expiry out while it still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis guards users across processes with a SET NX lock. The TTL bounds how
// long a crashed process can hold a user's slot; a live holder refreshes the
// key every ttl/3 so long runs keep their slot.
type Redis struct {
	client  redis.UniversalClient
	ttl     time.Duration
	refresh time.Duration
	prefix  string
	token   func() string
}

// NewRedis creates a Redis-backed guard. A nil token func uses random UUIDs.
func NewRedis(client redis.UniversalClient, ttl time.Duration, token func() string) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if token == nil {
		token = uuid.NewString
	}
	refresh := ttl / 3
	if refresh <= 0 {
		refresh = ttl
	}
	return &Redis{client: client, ttl: ttl, refresh: refresh, prefix: "echo:run:", token: token}
}

func (r *Redis) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

// Acquire sets the user's lock key or returns ErrInFlight.
func (r *Redis) Acquire(ctx context.Context, userID int64) (func(), error) {
	key := r.key(userID)
	token := r.token()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "guard: redis acquire user %d", userID)
	}
	if !ok {
		return nil, eris.Wrapf(ErrInFlight, "user %d", userID)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, token, userID, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// The run's context may already be cancelled; release regardless.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
				zap.L().Warn("guard: redis release failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		})
	}, nil
}

// keepAlive extends the lock until stop is closed or the lock is lost.
func (r *Redis) keepAlive(key, token string, userID int64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				zap.L().Warn("guard: redis extend failed", zap.Int64("user_id", userID), zap.Error(err))
				continue
			}
			if n == 0 {
				zap.L().Error("guard: redis lock lost", zap.Int64("user_id", userID))
				return
			}
		}
	}
}
