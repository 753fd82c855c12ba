package peer

import "fmt"

// Command identifies the kind of a request sent to a peer.
type Command uint8

const (
	// CmdPing asks the peer for a pong, it is used to measure liveness
	// and round trip time.
	CmdPing Command = iota

	// CmdNewTransactions hands one or more transactions to the peer. The
	// Fluff flag of the request selects stem forwarding or diffusion.
	CmdNewTransactions
)

// String returns the name of the command.
func (c Command) String() string {
	switch c {
	case CmdPing:
		return "ping"
	case CmdNewTransactions:
		return "new_transactions"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// Request is a request to a single peer. Encoding it on the wire is up to the
// service behind the client.
type Request struct {
	Command Command

	// Txs are the serialized transactions of a CmdNewTransactions
	// request.
	Txs [][]byte

	// Fluff is false when the transactions are being stemmed to the peer.
	Fluff bool
}

// Response is the reply of a peer to a Request.
type Response struct {
	Command Command
}

// NewPingRequest returns a keepalive request.
func NewPingRequest() Request {
	return Request{Command: CmdPing}
}

// NewTxsRequest returns a request relaying the given transactions, either as
// a stem forward or as a fluff broadcast.
func NewTxsRequest(txs [][]byte, fluff bool) Request {
	return Request{
		Command: CmdNewTransactions,
		Txs:     txs,
		Fluff:   fluff,
	}
}
