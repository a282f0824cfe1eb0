package poller

import (
	"sync"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
)

// State is the canonical market cache. Only the Poller writes to it; every
// write is last-writer-wins by timestamp per key, and a value with an equal
// or older timestamp never replaces the current one.
type State struct {
	mu         sync.RWMutex
	quotes     map[market.QuoteKey]market.Quote
	chains     map[optionchain.Key]optionchain.Chain
	technicals map[string]market.Technicals
}

// Snapshot is a deep copy of State keyed by display strings.
type Snapshot struct {
	Quotes     map[string]market.Quote      `json:"quotes"`
	Chains     map[string]optionchain.Chain `json:"chains"`
	Technicals map[string]market.Technicals `json:"technicals"`
}

func NewState() *State {
	return &State{
		quotes:     map[market.QuoteKey]market.Quote{},
		chains:     map[optionchain.Key]optionchain.Chain{},
		technicals: map[string]market.Technicals{},
	}
}

func (s *State) mergeQuote(q market.Quote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.quotes[q.Key()]; ok && !q.Timestamp.After(cur.Timestamp) {
		return false
	}
	s.quotes[q.Key()] = q
	return true
}

func (s *State) mergeChain(c optionchain.Chain) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.chains[c.Key()]; ok && !c.FetchedAt.After(cur.FetchedAt) {
		return false
	}
	s.chains[c.Key()] = c.Clone()
	return true
}

func (s *State) mergeTechnicals(t market.Technicals) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.technicals[t.Instrument]; ok && !t.Timestamp.After(cur.Timestamp) {
		return false
	}
	s.technicals[t.Instrument] = t
	return true
}

func (s *State) Quote(key market.QuoteKey) (market.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[key]
	return q, ok
}

func (s *State) Chain(key optionchain.Key) (optionchain.Chain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[key]
	if !ok {
		return optionchain.Chain{}, false
	}
	return c.Clone(), true
}

func (s *State) Technicals(instrument string) (market.Technicals, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.technicals[instrument]
	return t, ok
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Quotes:     make(map[string]market.Quote, len(s.quotes)),
		Chains:     make(map[string]optionchain.Chain, len(s.chains)),
		Technicals: make(map[string]market.Technicals, len(s.technicals)),
	}
	for k, q := range s.quotes {
		snap.Quotes[k.String()] = q
	}
	for k, c := range s.chains {
		snap.Chains[k.String()] = c.Clone()
	}
	for k, t := range s.technicals {
		snap.Technicals[k] = t
	}
	return snap
}
