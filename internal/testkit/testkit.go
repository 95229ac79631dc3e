// Package testkit holds the small randomized-input helpers the test
// suite shares, grounded on tests/Shared.go's GenerateRandomBytes /
// TwoRandomDistinctValues / IsSorted trio.
package testkit

import (
	"bytes"
	"crypto/rand"
	"errors"
	mrand "math/rand"
)

// RandomBytes returns length random lowercase-letter bytes, matching the
// alphabet GenerateRandomBytes restricted itself to.
func RandomBytes(length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}

	for i := range buf {
		buf[i] = 'a' + (buf[i] % 26)
	}

	return buf, nil
}

// TwoDistinctInts returns two different pseudo-random ints in [min, max).
func TwoDistinctInts(min, max int) (int, int, error) {
	if min >= max {
		return 0, 0, errors.New("testkit: min cannot be greater than max")
	}

	first := mrand.Intn(max-min) + min
	var second int
	for {
		second = mrand.Intn(max-min) + min
		if second != first {
			break
		}
	}

	return first, second, nil
}

// IsSorted reports whether keys is non-decreasing.
func IsSorted(keys [][]byte) bool {
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) > 0 {
			return false
		}
	}
	return true
}
