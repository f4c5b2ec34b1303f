package stream

import (
	"sync"
)

// Quote is the normalized top-of-book update
type Quote struct {
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	BidSize float64 `json:"bidSize"`
	AskSize float64 `json:"askSize"`
}

// TradeTick is one normalized trade print
type TradeTick struct {
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Side      string  `json:"side"`
	Timestamp int64   `json:"timestamp"`
}

// DepthLevel is one price level of the book
type DepthLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// DepthSnapshot is the normalized market depth update
type DepthSnapshot struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

type instrumentState struct {
	quote    *Quote
	trade    *TradeTick
	depth    *DepthSnapshot
}

// QuoteCache remembers the last emitted quote, trade, and depth per
// instrument so unchanged updates can be filtered before they reach the bus
type QuoteCache struct {
	mu    sync.Mutex
	state map[string]*instrumentState
}

// NewQuoteCache creates an empty cache
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{state: make(map[string]*instrumentState)}
}

func (c *QuoteCache) entry(instrument string) *instrumentState {
	s, ok := c.state[instrument]
	if !ok {
		s = &instrumentState{}
		c.state[instrument] = s
	}
	return s
}

// ShouldEmitQuote records the quote and reports whether any of bid, ask,
// bidSize, askSize changed since the last emission
func (c *QuoteCache) ShouldEmitQuote(instrument string, q Quote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.entry(instrument)
	if s.quote != nil && *s.quote == q {
		return false
	}
	copied := q
	s.quote = &copied
	return true
}

// ShouldEmitTrade records the trade and reports whether the
// (price, size, side, timestamp) tuple changed since the last emission
func (c *QuoteCache) ShouldEmitTrade(instrument string, t TradeTick) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.entry(instrument)
	if s.trade != nil && *s.trade == t {
		return false
	}
	copied := t
	s.trade = &copied
	return true
}

// ShouldEmitDepth records the depth snapshot and reports whether the bid or
// ask ladder changed since the last emission
func (c *QuoteCache) ShouldEmitDepth(instrument string, d DepthSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.entry(instrument)
	if s.depth != nil && depthEqual(*s.depth, d) {
		return false
	}
	copied := DepthSnapshot{
		Bids: append([]DepthLevel(nil), d.Bids...),
		Asks: append([]DepthLevel(nil), d.Asks...),
	}
	s.depth = &copied
	return true
}

func depthEqual(a, b DepthSnapshot) bool {
	return levelsEqual(a.Bids, b.Bids) && levelsEqual(a.Asks, b.Asks)
}

func levelsEqual(a, b []DepthLevel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clear forgets one instrument, or everything when instrument is empty.
// Called on reconnect so the next update per instrument always emits.
func (c *QuoteCache) Clear(instrument string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if instrument == "" {
		c.state = make(map[string]*instrumentState)
		return
	}
	delete(c.state, instrument)
}
