package dht

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shadowmesh/kaddht/pkg/kadkey"
	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/store"
	"github.com/shadowmesh/kaddht/pkg/wire"
)

// handleStream is registered against the transport's HandlerRegistry for
// ProtocolID. It owns exactly one inbound RPC exchange: add the remote
// peer, read one length-prefixed message under peer_timeout, decode,
// dispatch, respond.
func (s *Service) handleStream(remote peerid.ID, st Stream) {
	defer st.Close()

	s.routingTable.AddPeer(remote, []string{st.RemoteAddr()})

	if s.Mode() == Client {
		return
	}

	if err := st.SetDeadline(time.Now().Add(s.cfg.PeerTimeout)); err != nil {
		s.logf("set inbound deadline: %v", err)
		return
	}

	msg, err := wire.ReadMessage(st, s.cfg.MaxMessageSize)
	if err != nil {
		s.logf("inbound read from %s: %v", remote, err)
		return
	}
	s.emit(Event{Kind: EventRequestReceived, Peer: remote})

	resp, ok := s.dispatch(remote, msg)
	if !ok {
		return
	}
	if err := wire.WriteMessage(st, resp); err != nil {
		s.logf("inbound write to %s: %v", remote, err)
		return
	}
	s.emit(Event{Kind: EventResponseSent, Peer: remote})
}

// dispatch handles one decoded inbound message and returns the response to
// write, or ok=false if the stream should be torn down without a response
// (a protocol violation, a deprecated message type, or a validator
// rejection under the Reject policy).
func (s *Service) dispatch(remote peerid.ID, msg *wire.Message) (*wire.Message, bool) {
	switch msg.Type {
	case wire.FindNode:
		return s.handleFindNode(remote, msg)
	case wire.GetValue:
		return s.handleGetValue(remote, msg)
	case wire.PutValue:
		return s.handlePutValue(remote, msg)
	case wire.GetProviders:
		return s.handleGetProviders(remote, msg)
	case wire.AddProvider:
		return s.handleAddProvider(remote, msg)
	case wire.Ping:
		s.logf("rejecting deprecated PING from %s", remote)
		return nil, false
	default:
		s.logf("unknown message type %d from %s", msg.Type, remote)
		return nil, false
	}
}

func (s *Service) handleFindNode(remote peerid.ID, msg *wire.Message) (*wire.Message, bool) {
	target, err := kadkey.Validating(msg.Key)
	if err != nil {
		var ile *kadkey.InvalidLengthError
		if errors.As(err, &ile) {
			s.logf("protocol violation from %s: %s", remote, (&ProtocolViolation{
				Reason: "Invalid key length in FIND_NODE: expected 32 bytes, got " + strconv.Itoa(ile.Actual),
			}).Error())
		}
		return nil, false
	}

	excluding := map[peerid.ID]bool{remote: true}
	closest := s.routingTable.ClosestPeers(target, s.cfg.K, excluding)
	return &wire.Message{Type: wire.FindNode, CloserPeers: peersToWire(closest)}, true
}

func (s *Service) handleGetValue(remote peerid.ID, msg *wire.Message) (*wire.Message, bool) {
	rec, found, err := s.recordStore.Get(context.Background(), msg.Key)
	if err != nil {
		s.logf("record store get: %v", err)
	}
	if found {
		return &wire.Message{
			Type:   wire.GetValue,
			Record: &wire.Record{Key: rec.Key, Value: rec.Value},
		}, true
	}

	target := kadkey.FromHash(msg.Key)
	excluding := map[peerid.ID]bool{remote: true}
	closest := s.routingTable.ClosestPeers(target, s.cfg.K, excluding)
	return &wire.Message{Type: wire.GetValue, CloserPeers: peersToWire(closest)}, true
}

func (s *Service) handlePutValue(remote peerid.ID, msg *wire.Message) (*wire.Message, bool) {
	if msg.Record == nil {
		s.logf("protocol violation from %s: %s", remote, (&ProtocolViolation{Reason: "PUT_VALUE missing record"}).Error())
		return nil, false
	}

	key, value := msg.Record.Key, msg.Record.Value
	vErr := s.validator.Validate(key, value)
	if vErr == nil {
		if _, err := s.recordStore.Put(context.Background(), store.Record{Key: key, Value: value}, s.cfg.RecordTTL); err != nil {
			s.logf("record store put: %v", err)
		}
		s.emit(Event{Kind: EventRecordStored, Peer: remote, Key: key})
		return &wire.Message{Type: wire.PutValue}, true
	}

	s.emit(Event{Kind: EventRecordRejected, Peer: remote, Key: key, Reason: vErr.Error()})
	switch s.cfg.OnValidationFailure {
	case Reject:
		s.logf("rejected PUT_VALUE from %s: %v", remote, vErr)
		return nil, false
	case IgnoreAndLog:
		s.logf("ignoring invalid PUT_VALUE from %s: %v", remote, vErr)
		return &wire.Message{Type: wire.PutValue}, true
	case AcceptWithWarning:
		s.logf("accepting invalid PUT_VALUE from %s despite: %v", remote, vErr)
		if _, err := s.recordStore.Put(context.Background(), store.Record{Key: key, Value: value}, s.cfg.RecordTTL); err != nil {
			s.logf("record store put: %v", err)
		}
		return &wire.Message{Type: wire.PutValue}, true
	default:
		return nil, false
	}
}

func (s *Service) handleGetProviders(remote peerid.ID, msg *wire.Message) (*wire.Message, bool) {
	provs, err := s.providerStore.Get(context.Background(), msg.Key)
	if err != nil {
		s.logf("provider store get: %v", err)
	}

	target := kadkey.FromHash(msg.Key)
	excluding := map[peerid.ID]bool{remote: true}
	closest := s.routingTable.ClosestPeers(target, s.cfg.K, excluding)

	wireProvs := make([]wire.Peer, 0, len(provs))
	for _, p := range provs {
		addrs := make([][]byte, 0, len(p.Addresses))
		for _, a := range p.Addresses {
			addrs = append(addrs, []byte(a))
		}
		wireProvs = append(wireProvs, wire.Peer{ID: p.Provider.Bytes(), Addrs: addrs, Connection: wire.CanConnect})
	}

	return &wire.Message{Type: wire.GetProviders, CloserPeers: peersToWire(closest), ProviderPeers: wireProvs}, true
}

func (s *Service) handleAddProvider(remote peerid.ID, msg *wire.Message) (*wire.Message, bool) {
	for _, p := range msg.ProviderPeers {
		addrs := make([]string, 0, len(p.Addrs))
		for _, a := range p.Addrs {
			addrs = append(addrs, string(a))
		}
		if _, err := s.providerStore.Put(context.Background(), msg.Key, peerid.ID(p.ID), addrs, s.cfg.ProviderTTL); err != nil {
			s.logf("provider store put: %v", err)
		}
	}
	s.emit(Event{Kind: EventProviderAdded, Peer: remote, Key: msg.Key})
	// "no response body": the ack carries only the message type.
	return &wire.Message{Type: wire.AddProvider}, true
}

func (s *Service) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debugf(format, args...)
	}
}

