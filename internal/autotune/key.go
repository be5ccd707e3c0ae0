package autotune

import (
	"fmt"
	"math/bits"
)

// Key identifies one autotune cache entry: the operation family, a coarse
// shape bucket, and the device. Keys are stable and deterministic for
// identical shapes across runs.
type Key struct {
	Family string
	Bucket int
	Device string
}

// String returns the canonical cache-map form of the key.
func (k Key) String() string {
	return fmt.Sprintf("%s|b%d|%s", k.Family, k.Bucket, k.Device)
}

// BucketFor groups element counts into power-of-two size buckets so that
// one benchmark amortizes across nearby shapes. The exact granularity is a
// tuning heuristic, not a correctness property; it only has to be stable.
func BucketFor(numElements int) int {
	if numElements <= 1 {
		return 0
	}
	return bits.Len(uint(numElements - 1)) // ceil(log2(n))
}
