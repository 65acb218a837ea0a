package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// EncodeDocID renders a broker serial as a lowercase hex id, zero-padded
// to at least three digits.
func EncodeDocID(n uint64) string {
	return fmt.Sprintf("%03x", n)
}
