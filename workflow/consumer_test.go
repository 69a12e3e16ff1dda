package workflow

import (
	"errors"
	"sync"
	"testing"
)

// NOTE: DB-free. These model the posting-lock lifecycle the consumer relies
// on: GET_LOCK/RELEASE_LOCK are connection-scoped and survive transaction
// end, while a finished transaction rejects further statements. The release
// must therefore run while the transaction is live, or the pooled connection
// keeps the lock and stalls every later event for that tenant.

type fakeLockConn struct {
	mu    sync.Mutex
	locks map[string]bool
}

func newFakeLockConn() *fakeLockConn {
	return &fakeLockConn{locks: map[string]bool{}}
}

func (c *fakeLockConn) held(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[name]
}

var errTxFinished = errors.New("transaction has already been committed or rolled back")

type fakeLockTx struct {
	conn  *fakeLockConn
	ended bool
}

func (t *fakeLockTx) acquireLock(name string) error {
	if t.ended {
		return errTxFinished
	}
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.locks[name] = true
	return nil
}

func (t *fakeLockTx) releaseLock(name string) error {
	if t.ended {
		return errTxFinished
	}
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	delete(t.conn.locks, name)
	return nil
}

func (t *fakeLockTx) commit()   { t.ended = true }
func (t *fakeLockTx) rollback() { t.ended = true }

// processFakeEvent mirrors the consumer's ordering: acquire, handle,
// release, then end the transaction.
func processFakeEvent(conn *fakeLockConn, lockName string, handle func() error) error {
	tx := &fakeLockTx{conn: conn}
	if err := tx.acquireLock(lockName); err != nil {
		tx.rollback()
		return err
	}
	if err := handle(); err != nil {
		_ = tx.releaseLock(lockName)
		tx.rollback()
		return err
	}
	_ = tx.releaseLock(lockName)
	tx.commit()
	return nil
}

func TestPostingLockFreeAfterEveryOutcome(t *testing.T) {
	conn := newFakeLockConn()
	const lockName = "posting:co-1"

	if err := processFakeEvent(conn, lockName, func() error { return nil }); err != nil {
		t.Fatalf("successful event: %v", err)
	}
	if conn.held(lockName) {
		t.Fatal("lock still held after successful event")
	}

	handlerErr := errors.New("handler failed")
	if err := processFakeEvent(conn, lockName, func() error { return handlerErr }); !errors.Is(err, handlerErr) {
		t.Fatalf("failed event returned %v, want handler error", err)
	}
	if conn.held(lockName) {
		t.Fatal("lock still held after failed event")
	}

	// Redelivery for the same tenant must be able to re-acquire immediately.
	if err := processFakeEvent(conn, lockName, func() error { return nil }); err != nil {
		t.Fatalf("redelivered event: %v", err)
	}
	if conn.held(lockName) {
		t.Fatal("lock still held after redelivered event")
	}
}

func TestLockReleaseAfterTransactionEndIsLost(t *testing.T) {
	conn := newFakeLockConn()
	const lockName = "posting:co-1"

	tx := &fakeLockTx{conn: conn}
	if err := tx.acquireLock(lockName); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	tx.commit()

	// A release issued after commit never reaches the connection; the lock
	// stays held. This is why the consumer releases before ending the
	// transaction, never after.
	if err := tx.releaseLock(lockName); !errors.Is(err, errTxFinished) {
		t.Fatalf("release after commit returned %v, want finished-transaction error", err)
	}
	if !conn.held(lockName) {
		t.Fatal("expected the lock to remain held when released after commit")
	}
}
