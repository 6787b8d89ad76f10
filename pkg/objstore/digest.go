package objstore

import (
	"golang.org/x/crypto/blake2b"
)

// DeletedDigest and WrappedDigest are the two reserved digests encoding
// the "deleted" and "wrapped" tombstones. They are fixed sentinel values,
// never produced by ComputeDigest over real content.
var (
	DeletedDigest = reservedDigest(0xDE)
	WrappedDigest = reservedDigest(0x99)
)

func reservedDigest(tag byte) Digest {
	var d Digest
	d[0] = tag
	for i := 1; i < len(d); i++ {
		d[i] = tag
	}
	return d
}

// ComputeDigest hashes content with blake2b-256.
func ComputeDigest(content []byte) Digest {
	return Digest(blake2b.Sum256(content))
}

// IsTombstoneDigest reports whether d is one of the two reserved values.
func IsTombstoneDigest(d Digest) bool {
	return d == DeletedDigest || d == WrappedDigest
}
