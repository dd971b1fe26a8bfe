package postgresbackend

import "testing"

func TestContentKeyHexLength(t *testing.T) {
	key := make([]byte, 32)
	got := contentKeyHex(key)
	if len(got) != 64 {
		t.Fatalf("expected 64-char hex content key, got %d chars", len(got))
	}
}
