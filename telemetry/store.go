package telemetry

import (
	"context"
	"sync"

	"agent-rpc/message"
	"agent-rpc/service"
)

// Store keeps the most recent samples of every agent. It stands in for
// the ingestion pipeline behind the collector.
type Store struct {
	limit int

	mu      sync.Mutex
	samples map[message.PeerIdentity][]Sample
	pending map[message.PeerIdentity]int
}

// NewStore keeps up to limit samples per agent.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1024
	}
	return &Store{
		limit:   limit,
		samples: make(map[message.PeerIdentity][]Sample),
		pending: make(map[message.PeerIdentity]int),
	}
}

func (s *Store) Add(peer message.PeerIdentity, sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.samples[peer], sample)
	if len(list) > s.limit {
		list = list[len(list)-s.limit:]
	}
	s.samples[peer] = list
	s.pending[peer]++
}

// Flush returns how many samples peer added since its previous flush.
func (s *Store) Flush(peer message.PeerIdentity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pending[peer]
	delete(s.pending, peer)
	return n
}

// Samples returns a copy of what is kept for peer.
func (s *Store) Samples(peer message.PeerIdentity) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples[peer]...)
}

// TelemetryServiceDesc returns the Telemetry service backed by s. Samples
// are attributed to the peer identity of the connection they arrive on.
func TelemetryServiceDesc(s *Store) service.Desc {
	return service.Desc{
		Name: TelemetryService,
		Methods: []service.Method{
			{
				Name:   "report",
				Oneway: true,
				Handler: func(ctx context.Context, call *service.Call) (any, error) {
					var sample Sample
					if err := call.Decode(&sample); err != nil {
						return nil, err
					}
					s.Add(call.Peer, sample)
					return nil, nil
				},
			},
			{
				Name: "flush",
				Handler: func(ctx context.Context, call *service.Call) (any, error) {
					return FlushResult{Accepted: s.Flush(call.Peer)}, nil
				},
			},
		},
	}
}
