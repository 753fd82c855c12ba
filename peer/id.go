package peer

import (
	"fmt"
	"log/slog"

	"github.com/stemnet/stemd/connection"
)

// Zone is the network zone a peer connection lives in. Peers of different
// zones never share relay state.
type Zone uint8

const (
	// ZonePublic is the clear-net zone.
	ZonePublic Zone = iota

	// ZoneTor is the Tor onion zone.
	ZoneTor

	// ZoneI2P is the I2P zone.
	ZoneI2P
)

// String returns a human readable name of the zone.
func (z Zone) String() string {
	switch z {
	case ZonePublic:
		return "public"
	case ZoneTor:
		return "tor"
	case ZoneI2P:
		return "i2p"
	default:
		return fmt.Sprintf("zone(%d)", uint8(z))
	}
}

// ID identifies a connected peer. It is unique per live connection and only
// reused after the previous connection with the same ID was fully torn down.
type ID struct {
	// Zone is the network zone of the connection.
	Zone Zone

	// Addr is the zone specific address of the peer.
	Addr string
}

// NewID returns the ID of a peer reached at addr within the given zone.
func NewID(zone Zone, addr string) ID {
	return ID{Zone: zone, Addr: addr}
}

// String returns the zone qualified address of the peer.
func (id ID) String() string {
	return fmt.Sprintf("%v/%v", id.Zone, id.Addr)
}

// LogValue allows an ID to be passed directly as a structured log attribute.
//
// NOTE: This is part of the slog.LogValuer interface.
func (id ID) LogValue() slog.Value {
	return slog.StringValue(id.String())
}

// Direction is the side that initiated a connection.
type Direction uint8

const (
	// Inbound connections were opened by the remote peer.
	Inbound Direction = iota

	// Outbound connections were opened by us.
	Outbound
)

// String returns a human readable name of the direction.
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}

	return "inbound"
}

// Info describes an established connection as produced by the external
// transport: who the peer is, who dialed and the handle that controls the
// connection's lifetime.
type Info struct {
	ID        ID
	Direction Direction
	Handle    connection.Handle
}
