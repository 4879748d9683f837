// Package marketplace implements the tool discovery registry: listings
// keyed by (method, seller), bundles, reputation scoring, and filtered
// search.
package marketplace

import (
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oobe-protocol/synapse-gateway/internal/agent"
	"github.com/oobe-protocol/synapse-gateway/internal/pricing"
)

// DefaultSearchLimit applies when a query sets no limit.
const DefaultSearchLimit = 50

// latencyAlpha is the EMA coefficient for reputation latency samples.
const latencyAlpha = 0.1

// Listing advertises one method from one seller. Seller is an immutable
// snapshot, not a live pointer.
type Listing struct {
	Method               string         `json:"method"`
	Description          string         `json:"description,omitempty"`
	Seller               agent.Identity `json:"seller"`
	Tiers                []pricing.Tier `json:"tiers"`
	AvgLatencyMs         float64        `json:"avgLatencyMs"`
	UptimePct            float64        `json:"uptimePct"`
	TotalServed          int64          `json:"totalServed"`
	Reputation           int            `json:"reputation"` // 0-1000
	AttestationAvailable bool           `json:"attestationAvailable"`
	Region               string         `json:"region,omitempty"`
	Commitments          []string       `json:"commitments,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	ListedAt             time.Time      `json:"listedAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

func (l Listing) clone() Listing {
	out := l
	out.Seller = l.Seller.Clone()
	out.Tiers = make([]pricing.Tier, len(l.Tiers))
	for i, t := range l.Tiers {
		out.Tiers[i] = t.Clone()
	}
	out.Commitments = append([]string(nil), l.Commitments...)
	out.Tags = append([]string(nil), l.Tags...)
	return out
}

// CheapestPrice returns the lowest per-call price across the listing's
// tiers, nil when the listing has no tiers.
func (l Listing) CheapestPrice() *big.Int {
	var best *big.Int
	for _, t := range l.Tiers {
		if t.PricePerCall == nil {
			continue
		}
		if best == nil || t.PricePerCall.Cmp(best) < 0 {
			best = new(big.Int).Set(t.PricePerCall)
		}
	}
	return best
}

// Bundle groups methods under shared tier overrides.
type Bundle struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Methods     []string       `json:"methods"`
	Seller      agent.Identity `json:"seller"`
	Tiers       []pricing.Tier `json:"tiers"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Sample is one seller's accumulated reputation inputs.
type Sample struct {
	TotalAttestations    int64     `json:"totalAttestations"`
	VerifiedAttestations int64     `json:"verifiedAttestations"`
	TotalCalls           int64     `json:"totalCalls"`
	AvgLatencyMs         float64   `json:"avgLatencyMs"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Score computes the 0-1000 reputation score from a sample:
// verified rate weighs 400, call volume 300 (log scale, saturating at
// one million calls), latency 300 (linear to zero at 2000ms).
func (s Sample) Score() int {
	var verifiedRate float64
	if s.TotalAttestations > 0 {
		verifiedRate = float64(s.VerifiedAttestations) / float64(s.TotalAttestations)
	}
	volumeScore := math.Min(math.Log10(float64(s.TotalCalls)+1)/6, 1)
	latencyScore := math.Max(0, 1-s.AvgLatencyMs/2000)
	return int(math.Round(verifiedRate*400 + volumeScore*300 + latencyScore*300))
}

// SortField selects the search ordering.
type SortField string

const (
	SortPrice       SortField = "price"
	SortReputation  SortField = "reputation"
	SortLatency     SortField = "latency"
	SortUptime      SortField = "uptime"
	SortTotalServed SortField = "totalServed"
)

// Query restricts and orders a listing search. Zero values mean "no
// restriction". Filters apply before sort and pagination.
type Query struct {
	Method         string // exact match
	MethodContains string // case-insensitive substring
	SellerID       string
	MaxPrice       *big.Int // satisfied if any tier is at or below
	MinReputation  int
	MinUptime      float64
	Attestation    bool // require attestation-available listings
	Region         string
	Tags           []string // union semantics: any tag matches

	SortBy     SortField
	Descending bool
	Offset     int
	Limit      int // 0 = DefaultSearchLimit
}

// Stats summarizes the registry for metrics.
type Stats struct {
	TotalListings int `json:"totalListings"`
	TotalBundles  int `json:"totalBundles"`
	TotalSellers  int `json:"totalSellers"`
	TotalMethods  int `json:"totalMethods"`
}

// Marketplace is the in-memory registry. Safe for concurrent use.
type Marketplace struct {
	mu         sync.RWMutex
	listings   map[string]map[string]*Listing // method → seller id → listing
	bundles    map[string]*Bundle
	reputation map[string]*Sample
	now        func() time.Time
}

// New creates an empty marketplace.
func New() *Marketplace {
	return &Marketplace{
		listings:   make(map[string]map[string]*Listing),
		bundles:    make(map[string]*Bundle),
		reputation: make(map[string]*Sample),
		now:        time.Now,
	}
}

// Publish lists a method for a seller, overwriting any earlier listing
// of the same (method, seller) pair.
func (m *Marketplace) Publish(l Listing) Listing {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stored := l.clone()
	stored.UpdatedAt = now

	bySeller, ok := m.listings[l.Method]
	if !ok {
		bySeller = make(map[string]*Listing)
		m.listings[l.Method] = bySeller
	}
	if prev, exists := bySeller[l.Seller.ID]; exists {
		stored.ListedAt = prev.ListedAt
	} else {
		stored.ListedAt = now
	}
	if sample, ok := m.reputation[l.Seller.ID]; ok {
		stored.Reputation = sample.Score()
		stored.AvgLatencyMs = sample.AvgLatencyMs
		stored.TotalServed = sample.TotalCalls
	}
	bySeller[l.Seller.ID] = &stored
	return stored.clone()
}

// GetListing looks up one (method, seller) listing.
func (m *Marketplace) GetListing(method, sellerID string) (Listing, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.listings[method][sellerID]; ok {
		return l.clone(), true
	}
	return Listing{}, false
}

// Unlist removes a (method, seller) listing.
func (m *Marketplace) Unlist(method, sellerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySeller, ok := m.listings[method]
	if !ok {
		return false
	}
	if _, ok := bySeller[sellerID]; !ok {
		return false
	}
	delete(bySeller, sellerID)
	if len(bySeller) == 0 {
		delete(m.listings, method)
	}
	return true
}

// PublishBundle registers a bundle, overwriting by id.
func (m *Marketplace) PublishBundle(b Bundle) Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := b
	stored.Methods = append([]string(nil), b.Methods...)
	stored.Tiers = make([]pricing.Tier, len(b.Tiers))
	for i, t := range b.Tiers {
		stored.Tiers[i] = t.Clone()
	}
	stored.Seller = b.Seller.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	m.bundles[b.ID] = &stored
	return stored
}

// GetBundle looks up a bundle by id.
func (m *Marketplace) GetBundle(id string) (Bundle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.bundles[id]; ok {
		out := *b
		out.Methods = append([]string(nil), b.Methods...)
		return out, true
	}
	return Bundle{}, false
}

// ReportAttestation folds one call outcome into a seller's reputation
// and writes the recomputed score back into all of their listings.
func (m *Marketplace) ReportAttestation(sellerID string, verified bool, latencyMs float64) Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample, ok := m.reputation[sellerID]
	if !ok {
		sample = &Sample{}
		m.reputation[sellerID] = sample
	}

	sample.TotalAttestations++
	if verified {
		sample.VerifiedAttestations++
	}
	sample.TotalCalls++
	if sample.TotalCalls == 1 {
		sample.AvgLatencyMs = latencyMs
	} else {
		sample.AvgLatencyMs = latencyAlpha*latencyMs + (1-latencyAlpha)*sample.AvgLatencyMs
	}
	sample.UpdatedAt = m.now()

	score := sample.Score()
	for _, bySeller := range m.listings {
		if l, ok := bySeller[sellerID]; ok {
			l.Reputation = score
			l.AvgLatencyMs = sample.AvgLatencyMs
			l.TotalServed = sample.TotalCalls
			l.UpdatedAt = sample.UpdatedAt
		}
	}
	return *sample
}

// ReputationOf returns a seller's current sample.
func (m *Marketplace) ReputationOf(sellerID string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.reputation[sellerID]; ok {
		return *s, true
	}
	return Sample{}, false
}

// Search applies q's filters, then its sort, then pagination.
func (m *Marketplace) Search(q Query) []Listing {
	m.mu.RLock()
	var matched []Listing
	for method, bySeller := range m.listings {
		if q.Method != "" && method != q.Method {
			continue
		}
		if q.MethodContains != "" && !strings.Contains(strings.ToLower(method), strings.ToLower(q.MethodContains)) {
			continue
		}
		for sellerID, l := range bySeller {
			if q.SellerID != "" && sellerID != q.SellerID {
				continue
			}
			if q.MaxPrice != nil {
				cheapest := l.CheapestPrice()
				if cheapest == nil || cheapest.Cmp(q.MaxPrice) > 0 {
					continue
				}
			}
			if l.Reputation < q.MinReputation {
				continue
			}
			if l.UptimePct < q.MinUptime {
				continue
			}
			if q.Attestation && !l.AttestationAvailable {
				continue
			}
			if q.Region != "" && l.Region != q.Region {
				continue
			}
			if len(q.Tags) > 0 && !hasAnyTag(l.Tags, q.Tags) {
				continue
			}
			matched = append(matched, l.clone())
		}
	}
	m.mu.RUnlock()

	sortListings(matched, q.SortBy, q.Descending)

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if q.Offset >= len(matched) {
		return nil
	}
	matched = matched[q.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// Cheapest returns the lowest-priced listing for a method.
func (m *Marketplace) Cheapest(method string) (Listing, bool) {
	return m.first(Query{Method: method, SortBy: SortPrice})
}

// TopReputation returns the highest-reputation listing for a method.
func (m *Marketplace) TopReputation(method string) (Listing, bool) {
	return m.first(Query{Method: method, SortBy: SortReputation, Descending: true})
}

// Fastest returns the lowest-latency listing for a method.
func (m *Marketplace) Fastest(method string) (Listing, bool) {
	return m.first(Query{Method: method, SortBy: SortLatency})
}

func (m *Marketplace) first(q Query) (Listing, bool) {
	q.Limit = 1
	results := m.Search(q)
	if len(results) == 0 {
		return Listing{}, false
	}
	return results[0], true
}

// Stats summarizes the registry.
func (m *Marketplace) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sellers := make(map[string]bool)
	listings := 0
	for _, bySeller := range m.listings {
		listings += len(bySeller)
		for sellerID := range bySeller {
			sellers[sellerID] = true
		}
	}
	return Stats{
		TotalListings: listings,
		TotalBundles:  len(m.bundles),
		TotalSellers:  len(sellers),
		TotalMethods:  len(m.listings),
	}
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func sortListings(list []Listing, field SortField, descending bool) {
	if field == "" {
		field = SortPrice
	}
	less := func(a, b Listing) bool {
		switch field {
		case SortReputation:
			return a.Reputation < b.Reputation
		case SortLatency:
			return a.AvgLatencyMs < b.AvgLatencyMs
		case SortUptime:
			return a.UptimePct < b.UptimePct
		case SortTotalServed:
			return a.TotalServed < b.TotalServed
		default:
			pa, pb := a.CheapestPrice(), b.CheapestPrice()
			if pa == nil || pb == nil {
				return pb == nil && pa != nil
			}
			return pa.Cmp(pb) < 0
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if descending {
			return less(list[j], list[i])
		}
		return less(list[i], list[j])
	})
}
