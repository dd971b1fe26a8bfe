package dht

import (
	"time"

	"github.com/shadowmesh/kaddht/pkg/kbucket"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/peerid"
)

// EventKind enumerates every shape on the service's single-producer event
// stream (spec.md §6 Events).
type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
	EventModeChanged
	EventPeerAdded
	EventPeerRemoved
	EventPeerUpdated
	EventRoutingTableRefreshed
	EventQueryStarted
	EventQueryProgress
	EventQuerySucceeded
	EventQueryFailed
	EventRecordStored
	EventRecordRetrieved
	EventRecordNotFound
	EventRecordRepublished
	EventRecordRejected
	EventProviderAdded
	EventProviderRemoved
	EventProviderAnnounced
	EventProvidersFound
	EventRequestReceived
	EventResponseSent
	EventMaintenanceCompleted
	EventRefreshStarted
	EventRefreshCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "Started"
	case EventStopped:
		return "Stopped"
	case EventModeChanged:
		return "ModeChanged"
	case EventPeerAdded:
		return "PeerAdded"
	case EventPeerRemoved:
		return "PeerRemoved"
	case EventPeerUpdated:
		return "PeerUpdated"
	case EventRoutingTableRefreshed:
		return "RoutingTableRefreshed"
	case EventQueryStarted:
		return "QueryStarted"
	case EventQueryProgress:
		return "QueryProgress"
	case EventQuerySucceeded:
		return "QuerySucceeded"
	case EventQueryFailed:
		return "QueryFailed"
	case EventRecordStored:
		return "RecordStored"
	case EventRecordRetrieved:
		return "RecordRetrieved"
	case EventRecordNotFound:
		return "RecordNotFound"
	case EventRecordRepublished:
		return "RecordRepublished"
	case EventRecordRejected:
		return "RecordRejected"
	case EventProviderAdded:
		return "ProviderAdded"
	case EventProviderRemoved:
		return "ProviderRemoved"
	case EventProviderAnnounced:
		return "ProviderAnnounced"
	case EventProvidersFound:
		return "ProvidersFound"
	case EventRequestReceived:
		return "RequestReceived"
	case EventResponseSent:
		return "ResponseSent"
	case EventMaintenanceCompleted:
		return "MaintenanceCompleted"
	case EventRefreshStarted:
		return "RefreshStarted"
	case EventRefreshCompleted:
		return "RefreshCompleted"
	default:
		return "Unknown"
	}
}

// Event is a single emission on the service's event stream. Not every
// field is populated for every Kind; the emit call sites set only the
// fields that apply to their Kind.
type Event struct {
	Kind      EventKind
	Time      time.Time
	Peer      peerid.ID
	Key       []byte
	Reason    string
	Bucket    int
	StoredTo  int
	Providers int
}

// eventBufferSize bounds the single-producer channel; beyond it, emit
// drops the event rather than block the caller (spec.md §6: "dropped
// events on a slow consumer are permissible").
const eventBufferSize = 256

func (s *Service) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case s.events <- ev:
	default:
		if s.logger != nil {
			s.logger.Debug("event dropped, consumer too slow", logging.Fields{"kind": ev.Kind.String()})
		}
	}
}

// Events returns the service's event stream. Callers must keep draining
// it; a slow consumer loses events rather than stalling the service.
func (s *Service) Events() <-chan Event {
	return s.events
}

// EmitPeerEvent translates a routing table membership change into the
// service's event stream. Wire it via rt.SetEventCallback(svc.EmitPeerEvent)
// once both the table and the service exist.
func (s *Service) EmitPeerEvent(bucketIndex int, entry kbucket.PeerEntry, ev kbucket.Event) {
	var kind EventKind
	switch ev {
	case kbucket.PeerAdded:
		kind = EventPeerAdded
	case kbucket.PeerRemoved:
		kind = EventPeerRemoved
	case kbucket.PeerUpdated:
		kind = EventPeerUpdated
	default:
		return
	}
	s.emit(Event{Kind: kind, Peer: entry.Peer, Bucket: bucketIndex})
}
