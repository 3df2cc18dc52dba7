package database

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// UnitOfWork runs all-or-nothing sequences of statements against the store.
// WithUserLock additionally serializes work touching one user's subscriptions.
type UnitOfWork struct {
	db    *gorm.DB
	locks *UserLocks
}

func NewUnitOfWork(db *gorm.DB) *UnitOfWork {
	return &UnitOfWork{db: db, locks: NewUserLocks()}
}

// DB returns a session for read-only queries outside a transaction.
func (u *UnitOfWork) DB(ctx context.Context) *gorm.DB {
	return u.db.WithContext(ctx)
}

// Do runs fn in a transaction. Any returned error rolls back every statement.
func (u *UnitOfWork) Do(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return u.db.WithContext(ctx).Transaction(fn)
}

// WithUserLock runs fn in a transaction that holds the user's lock scope: an
// in-process mutex for the user and, on Postgres, a transaction scoped
// advisory lock so that other instances serialize as well.
func (u *UnitOfWork) WithUserLock(ctx context.Context, userID int64, fn func(tx *gorm.DB) error) error {
	unlock, err := u.locks.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}
	defer unlock()

	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", userID).Error; err != nil {
				return fmt.Errorf("advisory lock: %w", err)
			}
		}
		return fn(tx)
	})
}

// UserLocks is a keyed mutex. Entries are dropped once nobody waits on them.
type UserLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[int64]*userLock)}
}

// Lock blocks until the user's lock is free or ctx is done.
func (l *UserLocks) Lock(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{ch: make(chan struct{}, 1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-ul.ch
				l.release(userID, ul)
			})
		}, nil
	case <-ctx.Done():
		l.release(userID, ul)
		return nil, ctx.Err()
	}
}

func (l *UserLocks) release(userID int64, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

func (l *UserLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
