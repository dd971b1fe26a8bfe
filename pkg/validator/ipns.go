package validator

import (
	"bytes"
	"fmt"
	"time"

	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/wire"
)

// IPNSNamespace is the key prefix IPNS records are stored under.
const IPNSNamespace = "/ipns/"

// IPNSKeyForPeer builds the store key for id's IPNS record.
func IPNSKeyForPeer(id peerid.ID) []byte {
	return append([]byte(IPNSNamespace), id.Bytes()...)
}

func peerFromIPNSKey(key []byte) (peerid.ID, error) {
	prefix := []byte(IPNSNamespace)
	if !bytes.HasPrefix(key, prefix) {
		return "", fmt.Errorf("%w: key %q is not in the IPNS namespace", ErrRejected, key)
	}
	return peerid.ID(key[len(prefix):]), nil
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

// IPNS validates and selects among signed IPNS records stored under
// /ipns/<peerID>. A record verifies when: its validity type is EOL and the
// validity timestamp is in the future, the embedded (or derived) public key
// matches the peer embedded in the key, and the signature over
// value||validity_type||validity verifies under that key. Among multiple
// valid candidates, selection prefers higher sequence, then later validity,
// then earlier index.
type IPNS struct{}

func (IPNS) parseAndVerify(key, value []byte) (*wire.IPNSRecord, time.Time, error) {
	peer, err := peerFromIPNSKey(key)
	if err != nil {
		return nil, time.Time{}, err
	}

	rec, err := wire.UnmarshalIPNSRecord(value)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: malformed IPNS record: %v", ErrRejected, err)
	}

	if rec.ValidityType != wire.ValidityEOL {
		return nil, time.Time{}, fmt.Errorf("%w: unsupported validity type %d", ErrRejected, rec.ValidityType)
	}
	validity, err := time.Parse(time.RFC3339Nano, rec.Validity)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: invalid validity timestamp: %v", ErrRejected, err)
	}
	if !validity.After(nowFunc()) {
		return nil, time.Time{}, fmt.Errorf("%w: record expired at %s", ErrRejected, validity)
	}

	pub := rec.PublicKey
	if len(pub) == 0 {
		embedded, err := peerid.PublicKey(peer)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("%w: no embedded public key and peer does not embed one: %v", ErrRejected, err)
		}
		pub = embedded
	} else if !bytes.Equal(peerid.FromPublicKey(pub).Bytes(), peer.Bytes()) {
		return nil, time.Time{}, fmt.Errorf("%w: record public key does not match PeerID in key", ErrRejected)
	}

	if !peerid.Verify(peerid.FromPublicKey(pub), rec.SignableMaterial(), rec.Signature) {
		return nil, time.Time{}, fmt.Errorf("%w: signature verification failed", ErrRejected)
	}

	return rec, validity, nil
}

func (v IPNS) Validate(key, value []byte) error {
	_, _, err := v.parseAndVerify(key, value)
	return err
}

func (v IPNS) Select(key []byte, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, ErrNoValues
	}

	best := -1
	var bestSeq uint64
	var bestValidity time.Time

	for i, value := range values {
		rec, validity, err := v.parseAndVerify(key, value)
		if err != nil {
			continue
		}
		if best == -1 {
			best, bestSeq, bestValidity = i, rec.Sequence, validity
			continue
		}
		if rec.Sequence > bestSeq ||
			(rec.Sequence == bestSeq && validity.After(bestValidity)) {
			best, bestSeq, bestValidity = i, rec.Sequence, validity
		}
	}

	if best == -1 {
		return 0, fmt.Errorf("%w: no candidate verified", ErrRejected)
	}
	return best, nil
}
