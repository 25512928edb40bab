// Package fanout bounds how much discovery work a single run may
// request from each upstream account. Pure arithmetic, no I/O.
package fanout

// Policy holds the configured caps. PerAccountCap and GlobalCap of
// zero or less mean "uncapped"; DefaultLimit substitutes for a missing
// requested limit.
type Policy struct {
	PerAccountCap int
	GlobalCap     int
	DefaultLimit  int
}

// Allocation is the number of discovery units one account may
// contribute to the run.
type Allocation struct {
	Account string
	Units   int
}

// Allocate drains accounts in order: each account gets up to the
// per-account cap, and the running total never exceeds
// min(requested, GlobalCap). Later accounts get zero once the budget
// is spent. A requested limit of zero or less means "no explicit
// limit" and substitutes DefaultLimit.
func (p Policy) Allocate(accounts []string, requested int) []Allocation {
	if requested <= 0 {
		requested = p.DefaultLimit
	}
	remaining := requested
	if p.GlobalCap > 0 && p.GlobalCap < remaining {
		remaining = p.GlobalCap
	}
	if remaining < 0 {
		remaining = 0
	}

	out := make([]Allocation, 0, len(accounts))
	for _, a := range accounts {
		n := remaining
		if p.PerAccountCap > 0 && p.PerAccountCap < n {
			n = p.PerAccountCap
		}
		out = append(out, Allocation{Account: a, Units: n})
		remaining -= n
	}
	return out
}
