package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// DocumentLocker serializes the read-validate-write sections for one document.
// It is never held across a collaborator call; correctness still rests on the store's version checks.
type DocumentLocker interface {
	Lock(ctx context.Context, documentID string) (unlock func(), err error)
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker is an in-process per-key mutex, optionally widened to other instances with redislock.
// The distributed lock is best effort: if it cannot be obtained the caller proceeds on the local lock.
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
	redis   *redislock.Client
	ttl     time.Duration
	logger  *logrus.Logger
}

func NewKeyedLocker(client *redislock.Client, ttl time.Duration, logger *logrus.Logger) *KeyedLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &KeyedLocker{
		entries: map[string]*keyedEntry{},
		redis:   client,
		ttl:     ttl,
		logger:  logger,
	}
}

func (l *KeyedLocker) Lock(ctx context.Context, documentID string) (func(), error) {
	l.mu.Lock()
	ent, ok := l.entries[documentID]
	if !ok {
		ent = &keyedEntry{ch: make(chan struct{}, 1)}
		l.entries[documentID] = ent
	}
	ent.refs++
	l.mu.Unlock()

	select {
	case ent.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(documentID, ent, false)
		return nil, ctx.Err()
	}

	var dl *redislock.Lock
	if l.redis != nil {
		lockKey := fmt.Sprintf("lock:document:%s", documentID)
		lock, err := l.redis.Obtain(ctx, lockKey, l.ttl, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
		})
		if err != nil {
			if l.logger != nil {
				if errors.Is(err, redislock.ErrNotObtained) {
					l.logger.WithField("document_id", documentID).Warn("document lock not obtained, continuing on local lock")
				} else {
					l.logger.WithError(err).WithField("document_id", documentID).Warn("document lock error, continuing on local lock")
				}
			}
		} else {
			dl = lock
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if dl != nil {
				if err := dl.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) && l.logger != nil {
					l.logger.WithError(err).WithField("document_id", documentID).Warn("document lock release failed")
				}
			}
			l.release(documentID, ent, true)
		})
	}, nil
}

func (l *KeyedLocker) release(documentID string, ent *keyedEntry, held bool) {
	if held {
		<-ent.ch
	}
	l.mu.Lock()
	ent.refs--
	if ent.refs == 0 {
		delete(l.entries, documentID)
	}
	l.mu.Unlock()
}
