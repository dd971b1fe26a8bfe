package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ValidityType enumerates how an IPNS record's Validity field should be
// interpreted. Only EOL is defined by this protocol.
type ValidityType int32

const (
	// ValidityEOL means Validity is an absolute expiration time.
	ValidityEOL ValidityType = 0
)

// IPNSRecord is the signed, sequenced record format stored under
// /ipns/<peerID>.
type IPNSRecord struct {
	Value        []byte
	ValidityType ValidityType
	Validity     string // RFC3339 with fractional seconds, UTC
	Sequence     uint64
	Signature    []byte
	PublicKey    []byte // optional
}

const (
	fieldIPNSValue        protowire.Number = 1
	fieldIPNSValidityType protowire.Number = 2
	fieldIPNSValidity     protowire.Number = 3
	fieldIPNSSequence     protowire.Number = 4
	fieldIPNSSignature    protowire.Number = 5
	fieldIPNSPublicKey    protowire.Number = 6
)

// SignableMaterial returns the bytes an IPNS record's signature is computed
// over: value || validity_type_byte || RFC3339(validity), per the wire
// protocol's signing contract.
func (r *IPNSRecord) SignableMaterial() []byte {
	out := make([]byte, 0, len(r.Value)+1+len(r.Validity))
	out = append(out, r.Value...)
	out = append(out, byte(r.ValidityType))
	out = append(out, []byte(r.Validity)...)
	return out
}

// MarshalIPNSRecord encodes r into its wire-format bytes.
func MarshalIPNSRecord(r *IPNSRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldIPNSValue, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Value)

	b = protowire.AppendTag(b, fieldIPNSValidityType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ValidityType))

	b = protowire.AppendTag(b, fieldIPNSValidity, protowire.BytesType)
	b = protowire.AppendString(b, r.Validity)

	b = protowire.AppendTag(b, fieldIPNSSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Sequence)

	b = protowire.AppendTag(b, fieldIPNSSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Signature)

	if len(r.PublicKey) > 0 {
		b = protowire.AppendTag(b, fieldIPNSPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.PublicKey)
	}

	return b
}

// UnmarshalIPNSRecord decodes b into an IPNSRecord, forward-compatibly
// skipping unknown fields.
func UnmarshalIPNSRecord(b []byte) (*IPNSRecord, error) {
	r := &IPNSRecord{}
	data := b
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: ipns record: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldIPNSValue:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: ipns.value: %w", protowire.ParseError(n))
			}
			r.Value = append([]byte{}, v...)
			data = data[n:]
		case fieldIPNSValidityType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: ipns.validityType: %w", protowire.ParseError(n))
			}
			r.ValidityType = ValidityType(v)
			data = data[n:]
		case fieldIPNSValidity:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: ipns.validity: %w", protowire.ParseError(n))
			}
			r.Validity = v
			data = data[n:]
		case fieldIPNSSequence:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: ipns.sequence: %w", protowire.ParseError(n))
			}
			r.Sequence = v
			data = data[n:]
		case fieldIPNSSignature:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: ipns.signature: %w", protowire.ParseError(n))
			}
			r.Signature = append([]byte{}, v...)
			data = data[n:]
		case fieldIPNSPublicKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: ipns.publicKey: %w", protowire.ParseError(n))
			}
			r.PublicKey = append([]byte{}, v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: ipns record: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}
