package txrelay

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// TxID identifies a transaction by the legacy Keccak-256 hash of its
// serialization.
type TxID [32]byte

// NewTxID hashes the raw transaction.
func NewTxID(raw []byte) TxID {
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)

	var id TxID
	h.Sum(id[:0])

	return id
}

// String returns the hex encoding of the ID.
func (id TxID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseTxID decodes a hex encoded transaction ID.
func ParseTxID(s string) (TxID, error) {
	var id TxID

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("tx id must be %d bytes, got %d", len(id),
			len(raw))
	}
	copy(id[:], raw)

	return id, nil
}
