package quictransport

import "github.com/quic-go/quic-go"

// quicStream adapts a *quic.Stream plus its parent connection's remote
// address into dht.Stream. quic.Stream already implements Read/Write/Close/
// SetDeadline with the signatures dht.Stream wants; only RemoteAddr needs
// adding.
type quicStream struct {
	*quic.Stream
	remoteAddr string
}

func (s *quicStream) RemoteAddr() string { return s.remoteAddr }
