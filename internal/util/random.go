// Package util provides identifier, environment and JSON response helpers for FeatureStudio.
package util

import (
	"math/rand/v2"
	"strings"
)

const (
	hexChars           = "0123456789abcdef"
	lowerAlphaNumerics = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	return randomFrom(hexChars, length)
}

func randomFrom(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return builder.String()
}
