// Package uuid generates and parses the version 4 identifiers pebble uses
// to tag one supervisor run and all of its workers.
package uuid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidFormat = errors.New("uuid: invalid format")
)

type UUID [16]byte

// Nil is the all-zero UUID.
var Nil UUID

// NewV4 returns a random UUID. It fails only when the system random source
// does.
func NewV4() (UUID, error) {
	var uuid UUID

	if _, err := rand.Read(uuid[:]); err != nil {
		return Nil, fmt.Errorf("uuid: read random: %w", err)
	}

	uuid[6] = (uuid[6] & 0x0f) | 0x40 // Version 4
	uuid[8] = (uuid[8] & 0x3f) | 0x80 // Variant is 10

	return uuid, nil
}

// Parse accepts the canonical 36 character form, optionally prefixed with
// "urn:uuid:".
func Parse(s string) (UUID, error) {
	var uuid UUID

	switch len(s) {
	case 36:
	case 36 + 9:
		if !strings.EqualFold(s[:9], "urn:uuid:") {
			return Nil, ErrInvalidFormat
		}
		s = s[9:]
	default:
		return Nil, ErrInvalidFormat
	}

	if s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return Nil, ErrInvalidFormat
	}

	groups := [...]struct{ dst, src []byte }{
		{uuid[:4], []byte(s[:8])},
		{uuid[4:6], []byte(s[9:13])},
		{uuid[6:8], []byte(s[14:18])},
		{uuid[8:10], []byte(s[19:23])},
		{uuid[10:], []byte(s[24:])},
	}
	for _, g := range groups {
		if _, err := hex.Decode(g.dst, g.src); err != nil {
			return Nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
		}
	}

	return uuid, nil
}

func (uuid UUID) String() string {
	var buf [36]byte

	hex.Encode(buf[:], uuid[:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], uuid[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], uuid[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], uuid[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], uuid[10:])

	return string(buf[:])
}

func (uuid UUID) Version() byte {
	return uuid[6] >> 4
}

func (uuid UUID) IsNil() bool {
	return uuid == Nil
}
