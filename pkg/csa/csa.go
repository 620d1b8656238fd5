// Package csa implements a structural analogue of the DVB Common
// Scrambling Algorithm's batch/parity API shape. It is NOT a
// cryptographically faithful implementation of the real CSA cipher (see
// DESIGN.md) — no Go port of libdvbcsa exists in the ecosystem or in the
// retrieved pack, and this is a patented, bit-sliced block cipher that
// would take a dedicated port to implement correctly. This package
// exists so the decryption pipeline's concurrency, batching, and
// parity-cutover logic can be built and tested end to end against a
// stand-in cipher with the same call shape as libdvbcsa's
// decrypt_batch/key-schedule API.
package csa

import "fmt"

// Parity selects which of the two key slots (even/odd) a TS packet's
// scrambling_control bits indicate should decrypt it.
type Parity int

const (
	ParityEven Parity = iota
	ParityOdd
)

// ParityOf reads the transport_scrambling_control bits from a TS packet
// header (byte 3, bits 6-7): 00 = clear, 10 = even, 11 = odd.
func ParityOf(tsHeader byte) (parity Parity, scrambled bool) {
	bits := (tsHeader >> 6) & 0x03
	switch bits {
	case 0x02:
		return ParityEven, true
	case 0x03:
		return ParityOdd, true
	default:
		return ParityEven, false
	}
}

// ControlWord is an 8-byte CSA control word.
type ControlWord [8]byte

// ChecksumOK verifies the DVB control-word checksum convention: bytes 3
// and 7 each hold the low 8 bits of the sum of the preceding three
// bytes. Providers send words in this form; anything else is corrupt.
func (cw ControlWord) ChecksumOK() bool {
	return cw[3] == cw[0]+cw[1]+cw[2] && cw[7] == cw[4]+cw[5]+cw[6]
}

// KeySlots holds the even/odd key schedule for one decryption context.
// A new control word for one parity is installed without disturbing the
// other, matching libdvbcsa's independent even/odd key slots so a
// parity flip mid-stream never needs to block on the other key's
// schedule being recomputed.
type KeySlots struct {
	even     ControlWord
	odd      ControlWord
	haveEven bool
	haveOdd  bool
}

// SetKey installs a new control word for the given parity.
func (k *KeySlots) SetKey(parity Parity, cw ControlWord) {
	switch parity {
	case ParityEven:
		k.even = cw
		k.haveEven = true
	case ParityOdd:
		k.odd = cw
		k.haveOdd = true
	}
}

// RemoveKey discards the control word for parity. Called after the
// final batch of an outgoing parity is decrypted: the spent key must
// not be reused once the stream has cut over to the other parity.
func (k *KeySlots) RemoveKey(parity Parity) {
	switch parity {
	case ParityEven:
		k.even = ControlWord{}
		k.haveEven = false
	case ParityOdd:
		k.odd = ControlWord{}
		k.haveOdd = false
	}
}

// HasKey reports whether a control word has been installed for parity.
func (k *KeySlots) HasKey(parity Parity) bool {
	if parity == ParityEven {
		return k.haveEven
	}
	return k.haveOdd
}

// Batch accumulates TS packet payloads (the 184-byte region after the
// 4-byte TS header) to decrypt together, the way libdvbcsa batches many
// packets' worth of blocks into one decrypt_batch(final) call to
// amortize the cipher's per-call setup cost.
type Batch struct {
	slots    *KeySlots
	payloads [][]byte
	parities []Parity
}

// NewBatch creates a batch bound to a key schedule.
func NewBatch(slots *KeySlots) *Batch {
	return &Batch{slots: slots}
}

// Add queues one TS packet's payload region for decryption under parity.
// The payload slice is decrypted in place when Decrypt is called.
func (b *Batch) Add(payload []byte, parity Parity) {
	b.payloads = append(b.payloads, payload)
	b.parities = append(b.parities, parity)
}

// Reset empties the batch for reuse without reallocating its backing
// slices.
func (b *Batch) Reset() {
	b.payloads = b.payloads[:0]
	b.parities = b.parities[:0]
}

// Len reports how many payloads are queued.
func (b *Batch) Len() int { return len(b.payloads) }

// Decrypt applies the installed control word to every queued payload in
// place (the "final" call in libdvbcsa terms — after this, the batch is
// spent and should be Reset before reuse). Returns an error if any
// payload's parity has no installed key.
func (b *Batch) Decrypt() error {
	for i, payload := range b.payloads {
		parity := b.parities[i]
		if !b.slots.HasKey(parity) {
			return fmt.Errorf("csa: no control word installed for parity %v", parity)
		}
		cw := b.slots.even
		if parity == ParityOdd {
			cw = b.slots.odd
		}
		streamCipher(payload, cw)
	}
	return nil
}

// streamCipher XORs payload against a keystream derived from cw,
// standing in for CSA's actual block-then-stream two-stage cipher. Not
// a real implementation of CSA — see the package doc comment.
func streamCipher(payload []byte, cw ControlWord) {
	for i := range payload {
		payload[i] ^= cw[i%len(cw)]
	}
}
