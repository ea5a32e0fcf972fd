// Package invoicekey derives the fixed-size on-chain lookup key for an invoice.
//
// The escrow contract indexes invoices by keccak256(bytes(invoiceId)). Every
// off-chain caller must hash exactly the same bytes the same way, otherwise the
// coordinator reads an invoice that does not exist.
package invoicekey

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEmptyID    = errors.New("invoicekey: invoice id is empty")
	ErrInvalidKey = errors.New("invoicekey: key must be 32 bytes of hex")
)

// Derive returns keccak256 of the UTF-8 bytes of invoiceID.
func Derive(invoiceID string) common.Hash {
	return crypto.Keccak256Hash([]byte(invoiceID))
}

// DeriveChecked is Derive with input validation.
func DeriveChecked(invoiceID string) (common.Hash, error) {
	if invoiceID == "" {
		return common.Hash{}, ErrEmptyID
	}
	return Derive(invoiceID), nil
}

// Hex returns the 0x-prefixed lowercase key for invoiceID.
func Hex(invoiceID string) string {
	return Derive(invoiceID).Hex()
}

// Parse decodes a stored key. Accepts 0x-prefixed or bare hex in any case.
func Parse(s string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, ErrInvalidKey
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, ErrInvalidKey
	}
	return common.BytesToHash(b), nil
}

// Matches reports whether stored is the canonical key for invoiceID.
// A stored value that does not parse never matches.
func Matches(stored, invoiceID string) bool {
	key, err := Parse(stored)
	if err != nil {
		return false
	}
	return key == Derive(invoiceID)
}
