// Package wire implements the Kademlia protocol's wire format: a hand-rolled,
// codegen-free protobuf-compatible encoding of the Message schema built
// directly on google.golang.org/protobuf/encoding/protowire, plus the
// outer varint stream framing and the IPNS record wire format.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType enumerates the RPC kinds carried by Message.
type MessageType int32

const (
	PutValue MessageType = iota
	GetValue
	AddProvider
	GetProviders
	FindNode
	Ping
)

func (t MessageType) String() string {
	switch t {
	case PutValue:
		return "PUT_VALUE"
	case GetValue:
		return "GET_VALUE"
	case AddProvider:
		return "ADD_PROVIDER"
	case GetProviders:
		return "GET_PROVIDERS"
	case FindNode:
		return "FIND_NODE"
	case Ping:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// ConnectionType enumerates a Peer's observed reachability.
type ConnectionType int32

const (
	NotConnected ConnectionType = iota
	Connected
	CanConnect
	CannotConnect
)

// Peer is a routing hint: a peer identity, its known addresses, and an
// observed connection state.
type Peer struct {
	ID         []byte
	Addrs      [][]byte
	Connection ConnectionType
}

// Record is a stored key/value pair as carried on the wire.
type Record struct {
	Key          []byte
	Value        []byte
	TimeReceived string
}

// Message is the single RPC envelope for the /ipfs/kad/1.0.0 protocol.
// Field numbers are normative and must not change.
type Message struct {
	Type          MessageType
	Key           []byte
	Record        *Record
	CloserPeers   []Peer
	ProviderPeers []Peer
}

const (
	fieldMessageType  protowire.Number = 1
	fieldMessageKey   protowire.Number = 10
	fieldMessageRec   protowire.Number = 3
	fieldMessageClose protowire.Number = 8
	fieldMessageProv  protowire.Number = 9

	fieldPeerID         protowire.Number = 1
	fieldPeerAddrs      protowire.Number = 2
	fieldPeerConnection protowire.Number = 3

	fieldRecordKey  protowire.Number = 1
	fieldRecordVal  protowire.Number = 2
	fieldRecordTime protowire.Number = 5
)

func appendPeer(b []byte, field protowire.Number, p Peer) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldPeerID, protowire.BytesType)
	inner = protowire.AppendBytes(inner, p.ID)
	for _, a := range p.Addrs {
		inner = protowire.AppendTag(inner, fieldPeerAddrs, protowire.BytesType)
		inner = protowire.AppendBytes(inner, a)
	}
	inner = protowire.AppendTag(inner, fieldPeerConnection, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(p.Connection))

	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

func appendRecord(b []byte, field protowire.Number, r *Record) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldRecordKey, protowire.BytesType)
	inner = protowire.AppendBytes(inner, r.Key)
	inner = protowire.AppendTag(inner, fieldRecordVal, protowire.BytesType)
	inner = protowire.AppendBytes(inner, r.Value)
	if r.TimeReceived != "" {
		inner = protowire.AppendTag(inner, fieldRecordTime, protowire.BytesType)
		inner = protowire.AppendString(inner, r.TimeReceived)
	}

	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

// Marshal encodes m into its wire-format bytes.
func Marshal(m *Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))

	if m.Record != nil {
		b = appendRecord(b, fieldMessageRec, m.Record)
	}

	for _, p := range m.CloserPeers {
		b = appendPeer(b, fieldMessageClose, p)
	}
	for _, p := range m.ProviderPeers {
		b = appendPeer(b, fieldMessageProv, p)
	}

	// key (field 10) is appended last, keeping the fields in field-number
	// order. An empty key is omitted, so a message without one decodes back
	// with a nil Key.
	if len(m.Key) > 0 {
		b = protowire.AppendTag(b, fieldMessageKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Key)
	}

	return b
}

func parsePeer(data []byte) (Peer, error) {
	var p Peer
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Peer{}, fmt.Errorf("wire: peer: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldPeerID:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Peer{}, fmt.Errorf("wire: peer.id: %w", protowire.ParseError(n))
			}
			p.ID = append([]byte{}, v...)
			data = data[n:]
		case fieldPeerAddrs:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Peer{}, fmt.Errorf("wire: peer.addrs: %w", protowire.ParseError(n))
			}
			p.Addrs = append(p.Addrs, append([]byte{}, v...))
			data = data[n:]
		case fieldPeerConnection:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Peer{}, fmt.Errorf("wire: peer.connection: %w", protowire.ParseError(n))
			}
			p.Connection = ConnectionType(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Peer{}, fmt.Errorf("wire: peer: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return p, nil
}

func parseRecord(data []byte) (*Record, error) {
	r := &Record{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: record: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldRecordKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: record.key: %w", protowire.ParseError(n))
			}
			r.Key = append([]byte{}, v...)
			data = data[n:]
		case fieldRecordVal:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: record.value: %w", protowire.ParseError(n))
			}
			r.Value = append([]byte{}, v...)
			data = data[n:]
		case fieldRecordTime:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: record.timeReceived: %w", protowire.ParseError(n))
			}
			r.TimeReceived = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: record: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

// Unmarshal decodes b into a Message, skipping any unknown fields per their
// wire type, and failing on truncated or malformed input.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	data := b
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: message: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldMessageType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: message.type: %w", protowire.ParseError(n))
			}
			m.Type = MessageType(v)
			data = data[n:]
		case fieldMessageKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: message.key: %w", protowire.ParseError(n))
			}
			m.Key = append([]byte{}, v...)
			data = data[n:]
		case fieldMessageRec:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: message.record: %w", protowire.ParseError(n))
			}
			rec, err := parseRecord(v)
			if err != nil {
				return nil, err
			}
			m.Record = rec
			data = data[n:]
		case fieldMessageClose:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: message.closerPeers: %w", protowire.ParseError(n))
			}
			p, err := parsePeer(v)
			if err != nil {
				return nil, err
			}
			m.CloserPeers = append(m.CloserPeers, p)
			data = data[n:]
		case fieldMessageProv:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: message.providerPeers: %w", protowire.ParseError(n))
			}
			p, err := parsePeer(v)
			if err != nil {
				return nil, err
			}
			m.ProviderPeers = append(m.ProviderPeers, p)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: message: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}
