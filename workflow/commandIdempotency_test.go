package workflow

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// NOTE: DB-free. These model the command-level guard's contract: work and
// its idempotency record live in ONE transaction, so exactly one of N
// concurrent identical commands commits its side effects, and every caller
// gets the winner's response byte-for-byte. A loser discovering the existing
// record rolls back, which must discard the loser's work along with it.

// fakeRecordStore is the durable (tenant, key) table: atomic create-or-get,
// like a unique index turning the second insert into a fetch.
type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: map[string][]byte{}}
}

func (s *fakeRecordStore) createOrGet(companyID, idemKey string, response []byte) (created bool, stored []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := companyID + "|" + idemKey
	if existing, ok := s.records[k]; ok {
		return false, existing
	}
	s.records[k] = response
	return true, response
}

// runFakeCommand executes work and the record insert in one logical
// transaction: losing the insert race rolls the work back and returns the
// winner's stored response.
func runFakeCommand(store *fakeRecordStore, effects *int32, companyID, idemKey string, work func() []byte) []byte {
	pending := work()
	created, stored := store.createOrGet(companyID, idemKey, pending)
	if !created {
		// Rollback: the pending side effect is discarded with the tx.
		return stored
	}
	atomic.AddInt32(effects, 1)
	return pending
}

func TestCommandExecutedOnceUnderConcurrency(t *testing.T) {
	store := newFakeRecordStore()
	var effects int32
	responses := make([][]byte, 50)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each racer would produce a distinguishable response if its
			// work survived; only the winner's bytes may ever escape.
			responses[i] = runFakeCommand(store, &effects, "co-1", "key-1", func() []byte {
				return []byte(fmt.Sprintf(`{"journal":%d}`, i))
			})
		}(i)
	}
	wg.Wait()

	if effects != 1 {
		t.Fatalf("side effects committed %d times, want exactly 1", effects)
	}
	winner := responses[0]
	for i, resp := range responses {
		if string(resp) != string(winner) {
			t.Fatalf("response %d = %s, diverges from %s; replays must be byte-identical", i, resp, winner)
		}
	}
}

func TestDistinctKeysAndTenantsStayIndependent(t *testing.T) {
	store := newFakeRecordStore()
	var effects int32

	a := runFakeCommand(store, &effects, "co-1", "key-1", func() []byte { return []byte("a") })
	b := runFakeCommand(store, &effects, "co-1", "key-2", func() []byte { return []byte("b") })
	c := runFakeCommand(store, &effects, "co-2", "key-1", func() []byte { return []byte("c") })

	if effects != 3 {
		t.Fatalf("side effects committed %d times, want 3", effects)
	}
	if string(a) != "a" || string(b) != "b" || string(c) != "c" {
		t.Fatalf("responses crossed keys/tenants: %s %s %s", a, b, c)
	}

	// Replay on any of them stays a replay.
	var replayEffects int32
	replayed := runFakeCommand(store, &replayEffects, "co-1", "key-1", func() []byte { return []byte("z") })
	if replayEffects != 0 {
		t.Fatal("replay committed a side effect")
	}
	if string(replayed) != "a" {
		t.Fatalf("replay returned %s, want the stored a", replayed)
	}
}
