// Package notifyread implements a keyed wait-set: callers block on a
// TxDigest's effects digest becoming available and are woken the instant
// WriteTransactionOutputs (or the flush path) commits it, instead of
// polling. Each waiter gets its own buffered channel, fed directly by
// Notify at the moment the digest is known — no background delivery loop,
// because the cache always learns of a new digest synchronously.
package notifyread

import (
	"context"
	"sync"

	"github.com/mnohosten/chainstate/pkg/objstore"
)

// Notifier is the keyed wait-set for transaction effects digests.
type Notifier struct {
	mu      sync.Mutex
	waiters map[objstore.TxDigest][]chan objstore.EffectsDigest
	// known retains delivered digests so a waiter that registers after the
	// Notify call still receives the value. Entries live until Forget,
	// which the flush path calls once the digest is durably queryable from
	// the store and late registrants no longer need this map to find it.
	known map[objstore.TxDigest]objstore.EffectsDigest
}

// New creates an empty Notifier.
func New() *Notifier {
	return &Notifier{
		waiters: make(map[objstore.TxDigest][]chan objstore.EffectsDigest),
		known:   make(map[objstore.TxDigest]objstore.EffectsDigest),
	}
}

// Register returns a channel that receives tx's effects digest exactly
// once: immediately if Notify(tx, ...) already ran, otherwise the next
// time it does. The channel is buffered so Notify never blocks on a
// waiter that gave up (e.g. its ctx expired).
func (n *Notifier) Register(tx objstore.TxDigest) <-chan objstore.EffectsDigest {
	ch := make(chan objstore.EffectsDigest, 1)
	n.mu.Lock()
	if digest, ok := n.known[tx]; ok {
		n.mu.Unlock()
		ch <- digest
		close(ch)
		return ch
	}
	n.waiters[tx] = append(n.waiters[tx], ch)
	n.mu.Unlock()
	return ch
}

// Notify wakes every waiter registered for tx with digest and records it
// for later registrants. Called once per transaction, at the moment its
// effects digest is durably known (immediately after
// DirtySet.SetExecutedDigest or PersistentStore.WriteTransactionOutputs).
func (n *Notifier) Notify(tx objstore.TxDigest, digest objstore.EffectsDigest) {
	n.mu.Lock()
	chans := n.waiters[tx]
	delete(n.waiters, tx)
	n.known[tx] = digest
	n.mu.Unlock()

	for _, ch := range chans {
		ch <- digest
		close(ch)
	}
}

// Forget drops tx's retained digest. The flush path calls this after the
// transaction's outputs land in the persistent store, at which point late
// readers resolve the digest through the cache layers instead of here.
func (n *Notifier) Forget(tx objstore.TxDigest) {
	n.mu.Lock()
	delete(n.known, tx)
	n.mu.Unlock()
}

// lookup is the already-known-digest source NotifyReadEffectsDigests
// checks before registering a waiter, so a digest that committed before
// the caller asked for it doesn't cause a permanent block.
type lookup interface {
	GetExecutedDigest(tx objstore.TxDigest) (objstore.EffectsDigest, bool)
}

// NotifyReadEffectsDigests resolves the effects digest for every tx in
// txs, waiting for any not yet known. It returns early with ctx.Err() if
// ctx is cancelled before all digests arrive.
func (n *Notifier) NotifyReadEffectsDigests(ctx context.Context, already lookup, txs []objstore.TxDigest) ([]objstore.EffectsDigest, error) {
	out := make([]objstore.EffectsDigest, len(txs))
	var pending []int
	var waits []<-chan objstore.EffectsDigest

	for i, tx := range txs {
		if digest, ok := already.GetExecutedDigest(tx); ok {
			out[i] = digest
			continue
		}
		pending = append(pending, i)
		waits = append(waits, n.Register(tx))
	}

	for j, i := range pending {
		select {
		case digest := <-waits[j]:
			out[i] = digest
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}
