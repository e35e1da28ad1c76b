// Package routing implements the Mycorrhizal routing engine (spec.md
// §4.4): a three-tier topology model that, for a given envelope, produces
// a next-hop peer set balancing delivery probability, latency, cost, and
// privacy.
package routing

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// TransportClass identifies a transport a peer has been observed on.
type TransportClass int

const (
	TransportBLE TransportClass = iota
	TransportWifiLocal
	TransportInternet
)

// Capabilities is the capability-flag set a peer advertises.
type Capabilities struct {
	Internet bool
	BLE      bool
	WifiLocal bool
	Relay    bool
}

// PeerInfo is Tier 1 (local cell): an exact, currently-reachable adjacency
// with full capability and reputation information. Authoritative.
type PeerInfo struct {
	IdentityID        string
	SigningPub        []byte
	Capabilities      Capabilities
	LastTransport     TransportClass
	Reputation        *Reputation
	FreshnessObserved time.Time
}

// NeighborhoodEntry is Tier 2: a gossiped summary from a gateway peer
// describing which recipient_hint prefixes it can reach.
type NeighborhoodEntry struct {
	GatewayPeer    string
	HintPrefixes   [][]byte
	AggregateCap   uint64
	AvgHopCount    float64
	FreshnessObserved time.Time
}

// GlobalRoute is Tier 3: a learned or discovered route, a hint only, never
// authoritative.
type GlobalRoute struct {
	DestinationHint []byte
	NextHopPeer     string
	HopCountEstimate int
	LastSeen        time.Time
}

// Reputation is a per-peer EWMA of sync success rate, relay round-trip
// latency, and advertised-vs-actual capability match. Scores are local,
// never broadcast.
type Reputation struct {
	mu sync.Mutex

	successRate   float64 // EWMA in [0,1]
	latencyMs     float64 // EWMA
	capabilityFit float64 // EWMA in [0,1]
}

// decayAlpha is the EWMA smoothing factor shared across transports (see
// DESIGN.md's Open Questions: a single reputation constant regardless of
// transport class, not a per-transport weighting).
const decayAlpha = 0.3

// NewReputation starts at a neutral midpoint so a brand-new peer is
// neither favored nor excluded outright.
func NewReputation() *Reputation {
	return &Reputation{successRate: 0.5, latencyMs: 1000, capabilityFit: 0.5}
}

func ewma(prev, sample float64) float64 {
	return decayAlpha*sample + (1-decayAlpha)*prev
}

// RecordForwardSuccess raises successRate and folds in observed latency.
func (r *Reputation) RecordForwardSuccess(latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successRate = ewma(r.successRate, 1.0)
	r.latencyMs = ewma(r.latencyMs, latencyMs)
}

// RecordForwardFailure lowers successRate; sync/transfer failures do this.
func (r *Reputation) RecordForwardFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successRate = ewma(r.successRate, 0.0)
}

// RecordCapabilityMatch folds in whether an advertised capability held up
// (1.0) or was false advertising (0.0).
func (r *Reputation) RecordCapabilityMatch(matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sample := 0.0
	if matched {
		sample = 1.0
	}
	r.capabilityFit = ewma(r.capabilityFit, sample)
}

// Score combines the EWMA components into a single weighted figure in
// roughly [0,1], higher is better.
func (r *Reputation) Score() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	latencyScore := 1000.0 / (1000.0 + r.latencyMs)
	return 0.6*r.successRate + 0.2*latencyScore + 0.2*r.capabilityFit
}

// Engine holds the three tiers and drives selection.
type Engine struct {
	mu sync.RWMutex

	localCell    map[string]*PeerInfo // by identity_id
	neighborhood []*NeighborhoodEntry
	globalRoutes []*GlobalRoute

	// carriers tracks, per msg_id, which identity_ids have already
	// carried that envelope, for path-diversity scoring. Short-lived:
	// callers should periodically call ForgetCarriers for old msg_ids.
	carriers map[string]map[string]bool

	// SelectionFloor is the minimum weighted score a Tier-1 candidate
	// must clear to be selected at all; below it the engine falls through
	// to Tier 3 or holds the envelope.
	SelectionFloor float64
	// MaxLocalCandidates bounds N in "pick up to N local peers."
	MaxLocalCandidates int
}

// NewEngine constructs a routing engine with spec.md's suggested defaults
// (N = 2-3 local candidates).
func NewEngine() *Engine {
	return &Engine{
		localCell:          make(map[string]*PeerInfo),
		carriers:           make(map[string]map[string]bool),
		SelectionFloor:      0.25,
		MaxLocalCandidates: 3,
	}
}

// UpsertPeer adds or refreshes a Tier-1 local cell entry.
func (e *Engine) UpsertPeer(p *PeerInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Reputation == nil {
		p.Reputation = NewReputation()
	}
	e.localCell[p.IdentityID] = p
}

// RemovePeer drops a peer from the local cell (transport disconnect or
// long inactivity expunge).
func (e *Engine) RemovePeer(identityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.localCell, identityID)
}

// UpsertNeighborhoodEntry refreshes a gossiped Tier-2 summary.
func (e *Engine) UpsertNeighborhoodEntry(entry *NeighborhoodEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.neighborhood {
		if existing.GatewayPeer == entry.GatewayPeer {
			e.neighborhood[i] = entry
			return
		}
	}
	e.neighborhood = append(e.neighborhood, entry)
}

// UpsertGlobalRoute records a learned or discovered Tier-3 route.
func (e *Engine) UpsertGlobalRoute(route *GlobalRoute) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.globalRoutes {
		if string(existing.DestinationHint) == string(route.DestinationHint) && existing.NextHopPeer == route.NextHopPeer {
			e.globalRoutes[i] = route
			return
		}
	}
	e.globalRoutes = append(e.globalRoutes, route)
}

// MarkCarrier records that identityID has already carried msgID, for
// path-diversity scoring.
func (e *Engine) MarkCarrier(msgID, identityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.carriers[msgID]
	if !ok {
		set = make(map[string]bool)
		e.carriers[msgID] = set
	}
	set[identityID] = true
}

// ForgetCarriers drops the short-lived per-envelope carrier set for msgID.
func (e *Engine) ForgetCarriers(msgID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.carriers, msgID)
}

// Selection is the routing engine's verdict for one envelope: a next-hop
// peer set, never an error — an empty set means "hold and retry later."
type Selection struct {
	NextHops []*PeerInfo
	// ViaGlobalRoute is true when the selection came from a Tier-3 hint
	// rather than a scored Tier-1 candidate.
	ViaGlobalRoute bool
}

// Select implements §4.4's selection algorithm for an envelope bound to
// recipientHint, carried by msgID, requesting up to n parallel paths
// (n ≥ 2 for high-priority/receipt-requested envelopes, 1 otherwise).
func (e *Engine) Select(recipientHint [16]byte, msgID string, knownContactIdentityID string, n int) Selection {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if n < 1 {
		n = 1
	}
	if e.MaxLocalCandidates > 0 && n > e.MaxLocalCandidates {
		n = e.MaxLocalCandidates
	}

	// Step 1: exact adjacency match on a known contact.
	if knownContactIdentityID != "" {
		if peer, ok := e.localCell[knownContactIdentityID]; ok {
			return Selection{NextHops: []*PeerInfo{peer}}
		}
	}

	// Step 2: score Tier-1 candidates.
	type scored struct {
		peer  *PeerInfo
		score float64
	}
	var candidates []scored
	carrierSet := e.carriers[msgID]

	for id, peer := range e.localCell {
		score := peer.Reputation.Score()
		score += e.neighborhoodMatchBonus(recipientHint)
		if peer.Capabilities.Internet {
			score += 0.1
		}
		if carrierSet != nil && carrierSet[id] {
			score -= 0.5 // path-diversity penalty
		}
		candidates = append(candidates, scored{peer: peer, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		// Deterministic tie-break: lexicographic identity_id order.
		return candidates[i].peer.IdentityID < candidates[j].peer.IdentityID
	})

	var selected []*PeerInfo
	for _, c := range candidates {
		if c.score < e.SelectionFloor {
			break
		}
		selected = append(selected, c.peer)
		if len(selected) >= n {
			break
		}
	}
	if len(selected) > 0 {
		return Selection{NextHops: selected}
	}

	// Step 3: fall back to a Tier-3 route hint.
	for _, route := range e.globalRoutes {
		if hasPrefix(recipientHint[:], route.DestinationHint) {
			if peer, ok := e.localCell[route.NextHopPeer]; ok {
				return Selection{NextHops: []*PeerInfo{peer}, ViaGlobalRoute: true}
			}
		}
	}

	// Step 4: hold for opportunistic delivery.
	return Selection{}
}

func (e *Engine) neighborhoodMatchBonus(hint [16]byte) float64 {
	for _, entry := range e.neighborhood {
		for _, prefix := range entry.HintPrefixes {
			if hasPrefix(hint[:], prefix) {
				return 0.15
			}
		}
	}
	return 0
}

func hasPrefix(hint, prefix []byte) bool {
	if len(prefix) > len(hint) {
		return false
	}
	return strings.HasPrefix(string(hint), string(prefix))
}
