package dandelion

import (
	"fmt"

	"github.com/stemnet/stemd/peer"
)

// State is the relay state of a transaction. A transaction only ever moves
// from Stem to Fluff, never back.
type State uint8

const (
	// Stem transactions are forwarded privately to a single successor.
	Stem State = iota

	// Fluff transactions are broadcast to every peer.
	Fluff
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Stem:
		return "stem"
	case Fluff:
		return "fluff"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// txStateKind enumerates the variants of TxState.
type txStateKind uint8

const (
	kindFluff txStateKind = iota
	kindStem
	kindLocal
)

// TxState is the origin of a relay request as declared by the caller: a stem
// transaction received from a peer, a fluffed transaction, or a transaction
// created locally.
type TxState struct {
	kind txStateKind
	from peer.ID
}

// TxStateStem returns the state of a transaction stemmed to us by from.
func TxStateStem(from peer.ID) TxState {
	return TxState{kind: kindStem, from: from}
}

// TxStateFluff returns the state of a fluffed transaction.
func TxStateFluff() TxState {
	return TxState{kind: kindFluff}
}

// TxStateLocal returns the state of a transaction that originates from this
// node.
func TxStateLocal() TxState {
	return TxState{kind: kindLocal}
}

// IsFluff returns true for fluffed transactions.
func (s TxState) IsFluff() bool {
	return s.kind == kindFluff
}

// IsLocal returns true for local transactions.
func (s TxState) IsLocal() bool {
	return s.kind == kindLocal
}

// StemFrom returns the peer that stemmed the transaction to us, if the state
// is a stem state.
func (s TxState) StemFrom() (peer.ID, bool) {
	return s.from, s.kind == kindStem
}

// String returns a human readable form of the state.
func (s TxState) String() string {
	switch s.kind {
	case kindStem:
		return fmt.Sprintf("stem(from=%v)", s.from)
	case kindLocal:
		return "local"
	default:
		return "fluff"
	}
}
