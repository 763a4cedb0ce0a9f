package pipeline

import (
	"crypto/rand"
	"encoding/binary"
)

// RandomSeed draws a non-negative random seed. crypto/rand is used so
// concurrent invocations launched in the same instant cannot collide.
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// better a fixed seed than a panic in production
		return 42
	}
	seed := int64(binary.LittleEndian.Uint64(buf[:]) &^ (1 << 63))
	return seed
}
