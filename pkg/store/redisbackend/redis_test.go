package redisbackend

import "testing"

func TestHexEncodeRoundTripsKeyFormat(t *testing.T) {
	got := hexEncode([]byte{0x00, 0xab, 0xff})
	want := "00abff"
	if got != want {
		t.Fatalf("hexEncode() = %q, want %q", got, want)
	}
}

func TestRecordKeyUsesPrefix(t *testing.T) {
	got := recordKey([]byte{0x01})
	if got != keyPrefix+"01" {
		t.Fatalf("recordKey() = %q, want prefix %q", got, keyPrefix)
	}
}
