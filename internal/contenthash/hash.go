// Package contenthash gives imported cards and documents a stable identity
// derived from their content.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// normalize lowercases, trims and unifies line endings.
func normalize(part string) string {
	p := strings.ReplaceAll(part, "\r\n", "\n")
	return strings.TrimSpace(strings.ToLower(p))
}

// Card hashes the normalised fields of a card, each prefixed with its
// length so that field boundaries are part of the hash.
func Card(question, answer, context string) string {
	var b strings.Builder
	for _, field := range []string{question, answer, context} {
		f := normalize(field)
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return sum(b.String())
}

// Text hashes a document body. Only line endings are normalised.
func Text(text string) string {
	return sum(strings.ReplaceAll(text, "\r\n", "\n"))
}

func sum(s string) string {
	b := sha256.Sum256([]byte(s))
	return hex.EncodeToString(b[:])
}
