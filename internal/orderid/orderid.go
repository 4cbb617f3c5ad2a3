// Package orderid encodes grid level ids into exchange client order ids and back.
package orderid

import (
	"encoding/binary"
	"strings"
	"unicode"

	"github.com/jxskiss/base62"
)

const maxPrefixChars = 8

// Prefix derives a short, exchange-safe prefix from a strategy id.
func Prefix(strategyID string) string {
	var b strings.Builder
	b.WriteByte('g')
	for _, r := range strategyID {
		if b.Len() >= maxPrefixChars {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	b.WriteByte('_')
	return b.String()
}

// New returns the client order id for the given placement attempt of a level.
func New(prefix string, levelID, attempt int) string {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(levelID))
	binary.BigEndian.PutUint32(buf[4:], uint32(attempt))
	return prefix + base62.EncodeToString(buf[:])
}

// Parse reverses New. ok is false for ids that were not issued under prefix.
func Parse(prefix, id string) (levelID, attempt int, ok bool) {
	if !strings.HasPrefix(id, prefix) {
		return 0, 0, false
	}
	raw, err := base62.DecodeString(strings.TrimPrefix(id, prefix))
	if err != nil || len(raw) != 8 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint32(raw[:4])), int(binary.BigEndian.Uint32(raw[4:])), true
}
