package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AnandSundar/go-plantid/internal/logging"
)

// Lock is an expiring distributed lock. While held it is renewed in the
// background so long computations do not lose it; if the holder crashes the
// key simply expires.
type Lock struct {
	store Store
	key   string
	token []byte
	ttl   time.Duration
	log   zerolog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	lost bool
}

// AcquireLock tries once to take the lock for key. It returns ErrLocked if
// another holder owns it.
func AcquireLock(ctx context.Context, s Store, key string, ttl time.Duration) (*Lock, error) {
	token := []byte(uuid.NewString())
	acquired, err := s.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLocked
	}

	l := &Lock{
		store: s,
		key:   key,
		token: token,
		ttl:   ttl,
		log:   logging.WithComponent("store"),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.renew()

	return l, nil
}

// renew extends the lock every ttl/3 until released or lost
func (l *Lock) renew() {
	defer close(l.done)

	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.store.CompareAndSwap(ctx, l.key, l.token, l.token, l.ttl)
			cancel()
			if err != nil {
				l.log.Warn().Err(err).Str("key", l.key).Msg("lock renewal failed")
				continue
			}
			if !ok {
				l.mu.Lock()
				l.lost = true
				l.mu.Unlock()
				l.log.Warn().Str("key", l.key).Msg("lock expired before release")
				return
			}
		}
	}
}

// Lost reports whether the lock expired while held
func (l *Lock) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// Release stops renewal and deletes the lock if it is still ours.
// It is safe to call more than once.
func (l *Lock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		_, err = l.store.CompareAndDelete(ctx, l.key, l.token)
	})
	return err
}
