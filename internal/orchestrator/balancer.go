package orchestrator

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
)

// Balancer picks one server from the currently-available candidate set.
// It is stateless apart from the shared round-robin cursor and the
// session-affinity table it consults for sticky routing.
type Balancer struct {
	strategy Strategy
	sticky   bool
	sessions *sessionTable
	cursor   atomic.Uint64
}

// NewBalancer creates a balancer for the given strategy. sessions may
// be nil when sticky routing is disabled.
func NewBalancer(strategy Strategy, sticky bool, sessions *sessionTable) *Balancer {
	return &Balancer{strategy: strategy, sticky: sticky, sessions: sessions}
}

// Strategy returns the active selection policy.
func (b *Balancer) Strategy() Strategy { return b.strategy }

// Select picks a server from candidates, or nil when none is available.
// Candidates are filtered to HEALTHY/DEGRADED before any policy runs;
// an UNHEALTHY or OFFLINE server is never returned.
func (b *Balancer) Select(candidates []*ServerRecord, sessionID string) *ServerRecord {
	available := make([]*ServerRecord, 0, len(candidates))
	for _, rec := range candidates {
		if rec.Status().Available() {
			available = append(available, rec)
		}
	}
	if len(available) == 0 {
		return nil
	}

	if b.sticky && sessionID != "" {
		return b.selectSticky(available, sessionID)
	}

	switch b.strategy {
	case StrategyLeastConnections:
		return leastConnections(available)
	case StrategyWeighted:
		return weightedDraw(available)
	case StrategyResponseTime:
		return fastestResponse(available)
	case StrategyRandom:
		return available[rand.Intn(len(available))]
	default:
		idx := b.cursor.Add(1) - 1
		return available[idx%uint64(len(available))]
	}
}

// selectSticky prefers the stored session affinity while the bound
// server is still available, and falls back to deterministic hashing
// for unmapped or displaced sessions. The fresh binding is recorded by
// the router after the call succeeds, not here.
func (b *Balancer) selectSticky(available []*ServerRecord, sessionID string) *ServerRecord {
	if b.sessions != nil {
		if serverID, ok := b.sessions.lookup(sessionID); ok {
			for _, rec := range available {
				if rec.ID() == serverID {
					return rec
				}
			}
		}
	}
	return available[hashSession(sessionID)%uint32(len(available))]
}

func hashSession(sessionID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return h.Sum32()
}

func leastConnections(available []*ServerRecord) *ServerRecord {
	best := available[0]
	bestConns := best.Connections()
	for _, rec := range available[1:] {
		if c := rec.Connections(); c < bestConns {
			best, bestConns = rec, c
		}
	}
	return best
}

func fastestResponse(available []*ServerRecord) *ServerRecord {
	best := available[0]
	bestAvg := best.AvgResponseTimeMs()
	for _, rec := range available[1:] {
		if avg := rec.AvgResponseTimeMs(); avg < bestAvg {
			best, bestAvg = rec, avg
		}
	}
	return best
}

// weightedDraw picks a server at random in proportion to its static
// weight. Non-positive weights count as 1 so every server stays
// reachable.
func weightedDraw(available []*ServerRecord) *ServerRecord {
	total := 0
	for _, rec := range available {
		total += normalizeWeight(rec.Weight())
	}
	draw := rand.Intn(total)
	for _, rec := range available {
		draw -= normalizeWeight(rec.Weight())
		if draw < 0 {
			return rec
		}
	}
	return available[len(available)-1]
}

func normalizeWeight(w int) int {
	if w <= 0 {
		return 1
	}
	return w
}
