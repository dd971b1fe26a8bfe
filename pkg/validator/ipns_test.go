package validator

import (
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/wire"
)

func signedRecord(t *testing.T, kp *peerid.Keypair, value []byte, validity time.Time, seq uint64) *wire.IPNSRecord {
	t.Helper()
	rec := &wire.IPNSRecord{
		Value:        value,
		ValidityType: wire.ValidityEOL,
		Validity:     validity.UTC().Format(time.RFC3339Nano),
		Sequence:     seq,
	}
	rec.Signature = kp.Sign(rec.SignableMaterial())
	return rec
}

func TestIPNSValidatorAcceptsFreshSignedRecord(t *testing.T) {
	kp, err := peerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	key := IPNSKeyForPeer(kp.ID())
	rec := signedRecord(t, kp, []byte("/ipfs/Qm..."), time.Now().Add(time.Hour), 1)

	v := IPNS{}
	if err := v.Validate(key, wire.MarshalIPNSRecord(rec)); err != nil {
		t.Fatalf("expected valid record to verify, got %v", err)
	}
}

func TestIPNSValidatorRejectsTampering(t *testing.T) {
	kp, err := peerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	key := IPNSKeyForPeer(kp.ID())
	rec := signedRecord(t, kp, []byte("/ipfs/Qm..."), time.Now().Add(time.Hour), 1)
	v := IPNS{}

	tamperValue := *rec
	tamperValue.Value = []byte("/ipfs/Qdifferent")
	if err := v.Validate(key, wire.MarshalIPNSRecord(&tamperValue)); err == nil {
		t.Fatalf("expected tampered value to fail verification")
	}

	tamperSeq := *rec
	tamperSeq.Sequence = 999
	if err := v.Validate(key, wire.MarshalIPNSRecord(&tamperSeq)); err == nil {
		t.Fatalf("expected tampered sequence to fail verification")
	}

	tamperValidity := *rec
	tamperValidity.Validity = time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339Nano)
	if err := v.Validate(key, wire.MarshalIPNSRecord(&tamperValidity)); err == nil {
		t.Fatalf("expected tampered validity to fail verification")
	}

	tamperSig := *rec
	corrupted := append([]byte{}, rec.Signature...)
	corrupted[0] ^= 0xff
	tamperSig.Signature = corrupted
	if err := v.Validate(key, wire.MarshalIPNSRecord(&tamperSig)); err == nil {
		t.Fatalf("expected tampered signature to fail verification")
	}
}

func TestIPNSValidatorRejectsExpired(t *testing.T) {
	kp, err := peerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	key := IPNSKeyForPeer(kp.ID())
	rec := signedRecord(t, kp, []byte("v"), time.Now().Add(-time.Hour), 1)

	v := IPNS{}
	if err := v.Validate(key, wire.MarshalIPNSRecord(rec)); err == nil {
		t.Fatalf("expected expired record to fail verification")
	}
}

func TestIPNSValidatorSelectPrefersHigherSequence(t *testing.T) {
	kp, err := peerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	key := IPNSKeyForPeer(kp.ID())
	older := signedRecord(t, kp, []byte("v1"), time.Now().Add(time.Hour), 1)
	newer := signedRecord(t, kp, []byte("v2"), time.Now().Add(time.Hour), 2)

	v := IPNS{}
	idx, err := v.Select(key, [][]byte{wire.MarshalIPNSRecord(older), wire.MarshalIPNSRecord(newer)})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected higher-sequence record (index 1) to win, got %d", idx)
	}
}
