// Package idgen provides the ID strategies used across the server: short
// collision-checked handles for sessions and pages, and UUIDv7 for
// request-correlation and audit identifiers.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// HandleLength is the length of session and page handles.
const HandleLength = 8

// NanoID returns a Generator producing base-36 IDs of the given length.
// Short, URL-safe, cryptographically seeded.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		b := make([]byte, length)
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range b {
			b[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(b)
	}
}

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
// Time-sortable; used for request and audit entry IDs.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Handle is the generator for session and page handles.
var Handle = NanoID(HandleLength)

// Unique draws IDs from gen until taken reports one free. Collisions are
// invisible to callers; with an 8-char base-36 space and the live-set sizes
// involved the loop terminates on the first draw in practice.
func Unique(gen Generator, taken func(string) bool) string {
	for {
		id := gen()
		if !taken(id) {
			return id
		}
	}
}
