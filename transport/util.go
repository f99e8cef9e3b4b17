package transport

import (
	"golang.org/x/exp/constraints"
)

// checksum will create an XOR-based checksum of the provided data
func checksum(bs ...[]byte) byte {
	var s byte
	for _, b := range bs {
		for _, c := range b {
			s ^= c
		}
	}
	return s
}

// min will return the minimum of the two values
func min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
