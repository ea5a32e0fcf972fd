package invoicekey

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_KnownVector(t *testing.T) {
	// keccak256("") is the well-known empty hash used by every EVM toolchain.
	assert.Equal(t,
		"0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		Derive("").Hex())
}

func TestDerive_Deterministic(t *testing.T) {
	for _, id := range []string{"inv_1", "INV-2024-0001", "façture-é", "0xdeadbeef"} {
		assert.Equal(t, Derive(id), Derive(id), id)
	}
}

func TestDerive_DistinctInputsDistinctKeys(t *testing.T) {
	corpus := []string{"a", "b", "A", "inv_1", "inv_01", "inv_1 ", " inv_1", "inv-1", "INV_1"}
	for i := 0; i < 500; i++ {
		corpus = append(corpus, fmt.Sprintf("inv_%06d", i))
	}

	seen := make(map[string]string, len(corpus))
	for _, id := range corpus {
		key := Derive(id).Hex()
		if prev, ok := seen[key]; ok {
			t.Fatalf("collision between %q and %q", prev, id)
		}
		seen[key] = id
	}
}

func TestDeriveChecked_Empty(t *testing.T) {
	_, err := DeriveChecked("")
	assert.ErrorIs(t, err, ErrEmptyID)

	key, err := DeriveChecked("inv_1")
	require.NoError(t, err)
	assert.Equal(t, Derive("inv_1"), key)
}

func TestParse(t *testing.T) {
	want := Derive("inv_1")
	bare := strings.TrimPrefix(want.Hex(), "0x")

	for _, in := range []string{want.Hex(), bare, strings.ToUpper(bare), "0x" + strings.ToUpper(bare)} {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "0x", "0x1234", bare + "00", "0x" + strings.Repeat("zz", 32)} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrInvalidKey, in)
	}
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches(Hex("inv_1"), "inv_1"))
	assert.True(t, Matches(strings.ToUpper(Hex("inv_1")[2:]), "inv_1"))
	assert.False(t, Matches(Hex("provisional"), "inv_1"))
	assert.False(t, Matches("not-a-key", "inv_1"))
}
