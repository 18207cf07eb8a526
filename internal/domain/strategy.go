package domain

import "time"

// Strategy represents a unit of user- or system-authored trading logic
// ("trader") evaluated against market snapshots.
type Strategy struct {
	ID                 string   // Unique identifier
	OwnerID            string   // Owning user; empty for system-owned strategies
	Name               string   // Human-readable name
	Code               string   // Filter/decision code executed in the sandbox
	RequiredTimeframes []string // Intervals the strategy subscribes to (e.g., "1m", "1h")
	Symbols            []string // Symbols the strategy screens; empty means all
	Enabled            bool     // Admin gate; false disables the strategy for everyone
	DefaultEnabled     bool     // System default used when no per-viewer override exists
	TradingEnabled     bool     // Whether matched decisions are forwarded to execution
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsSystemOwned reports whether the strategy has no owning user.
func (s *Strategy) IsSystemOwned() bool {
	return s.OwnerID == ""
}

// AppliesTo reports whether the strategy screens the given symbol on the
// given interval. An empty Symbols list matches every symbol.
func (s *Strategy) AppliesTo(symbol, interval string) bool {
	onInterval := false
	for _, tf := range s.RequiredTimeframes {
		if tf == interval {
			onInterval = true
			break
		}
	}
	if !onInterval {
		return false
	}
	if len(s.Symbols) == 0 {
		return true
	}
	for _, sym := range s.Symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}
