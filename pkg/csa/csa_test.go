package csa_test

import (
	"bytes"
	"testing"

	"github.com/satpi/satpi-go/pkg/csa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParityOf(t *testing.T) {
	parity, scrambled := csa.ParityOf(0x00)
	assert.False(t, scrambled)

	parity, scrambled = csa.ParityOf(0x80) // bits 10 = even
	assert.True(t, scrambled)
	assert.Equal(t, csa.ParityEven, parity)

	parity, scrambled = csa.ParityOf(0xC0) // bits 11 = odd
	assert.True(t, scrambled)
	assert.Equal(t, csa.ParityOdd, parity)
}

func TestBatchDecryptRoundTrip(t *testing.T) {
	var slots csa.KeySlots
	cw := csa.ControlWord{1, 2, 3, 4, 5, 6, 7, 8}
	slots.SetKey(csa.ParityEven, cw)

	original := bytes.Repeat([]byte{0xAA}, 184)
	payload := append([]byte{}, original...)

	batch := csa.NewBatch(&slots)
	batch.Add(payload, csa.ParityEven)
	require.NoError(t, batch.Decrypt())
	assert.NotEqual(t, original, payload, "decrypt should have mutated payload")

	// Applying the same keystream again recovers the original, since the
	// stand-in cipher is a symmetric XOR stream.
	batch.Reset()
	batch.Add(payload, csa.ParityEven)
	require.NoError(t, batch.Decrypt())
	assert.Equal(t, original, payload)
}

func TestBatchDecryptMissingKeyErrors(t *testing.T) {
	var slots csa.KeySlots
	batch := csa.NewBatch(&slots)
	batch.Add(make([]byte, 184), csa.ParityOdd)
	assert.Error(t, batch.Decrypt())
}

func TestKeySlotsIndependentParitySwap(t *testing.T) {
	var slots csa.KeySlots
	slots.SetKey(csa.ParityEven, csa.ControlWord{1})
	assert.True(t, slots.HasKey(csa.ParityEven))
	assert.False(t, slots.HasKey(csa.ParityOdd))

	slots.SetKey(csa.ParityOdd, csa.ControlWord{2})
	assert.True(t, slots.HasKey(csa.ParityOdd))
	assert.True(t, slots.HasKey(csa.ParityEven), "installing odd key must not clear even key")
}
