package objstore

import "github.com/google/uuid"

// RandomObjectID returns a fresh pseudo-random ObjectID, for test fixtures
// that need a distinct id without caring about its bytes; two independent
// UUIDs fill the 32 bytes.
func RandomObjectID() ObjectID {
	var id ObjectID
	a, b := uuid.New(), uuid.New()
	copy(id[:16], a[:])
	copy(id[16:], b[:])
	return id
}

// RandomTxDigest returns a fresh pseudo-random TxDigest fixture, same
// construction as RandomObjectID.
func RandomTxDigest() TxDigest {
	var tx TxDigest
	a, b := uuid.New(), uuid.New()
	copy(tx[:16], a[:])
	copy(tx[16:], b[:])
	return tx
}
