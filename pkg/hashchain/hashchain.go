/**
 * @description
 * Package hashchain computes and validates the tamper-evidence digest bound to every
 * money-moving ledger fact. A digest is SHA3-512 over a canonical, length-prefixed
 * encoding of the fact's fields and is rendered as 128 lowercase hex characters.
 *
 * @notes
 * - The digest is tamper evidence only. It is not keyed and does not authenticate
 *   the writer of an event.
 * - Validate only checks the shape of a digest. Verify recomputes it from the fields.
 *
 * @dependencies
 * - golang.org/x/crypto/sha3: SHA3-512 implementation.
 */
package hashchain

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/sha3"
)

// Length is the number of hex characters in a rendered digest.
const Length = 128

var (
	ErrInvalidHash  = errors.New("invalid hash")
	ErrHashMismatch = errors.New("hash does not match event fields")
)

// Hash is a hex-rendered SHA3-512 digest.
type Hash string

func (h Hash) String() string { return string(h) }

// Compute returns the digest binding assetCode, amount and timestamp. Transfer facts
// pass the sending and receiving parties as counterparties; they are bound ahead of
// the asset fields in the order given.
func Compute(assetCode string, amount int64, at time.Time, counterparties ...string) Hash {
	d := sha3.New512()
	d.Write(canonicalBytes(assetCode, amount, at, counterparties))
	return Hash(hex.EncodeToString(d.Sum(nil)))
}

// Validate fails with ErrInvalidHash unless h is exactly 128 hex characters.
func Validate(h Hash) error {
	if h == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	if len(h) != Length {
		return fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidHash, Length, len(h))
	}
	for i := 0; i < len(h); i++ {
		if !isHex(h[i]) {
			return fmt.Errorf("%w: non-hex character at offset %d", ErrInvalidHash, i)
		}
	}
	return nil
}

// Verify validates h and then recomputes the digest from the given fields.
func Verify(h Hash, assetCode string, amount int64, at time.Time, counterparties ...string) error {
	if err := Validate(h); err != nil {
		return err
	}
	want := Compute(assetCode, amount, at, counterparties...)
	if subtle.ConstantTimeCompare([]byte(want), []byte(h)) != 1 {
		return ErrHashMismatch
	}
	return nil
}

func canonicalBytes(assetCode string, amount int64, at time.Time, counterparties []string) []byte {
	fields := make([]string, 0, len(counterparties)+3)
	fields = append(fields, counterparties...)
	fields = append(fields,
		assetCode,
		strconv.FormatInt(amount, 10),
		at.UTC().Format(time.RFC3339Nano),
	)

	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	buf := make([]byte, 0, size)
	for _, f := range fields {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
