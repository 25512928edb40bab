package match

import "sort"

// Term is one compiled search term. Raw keeps the first literal
// spelling seen for its normalized form, for reporting back to callers.
type Term struct {
	Raw        string
	Normalized string
	Tokens     []string
}

// TermSet is an immutable, deduplicated list of compiled terms.
type TermSet struct {
	terms []Term
}

// Compile flattens base terms plus synonyms (canonical term -> one or
// many variants; both keys and variants become candidates), normalizes
// each candidate and deduplicates by normalized form. The first literal
// spelling wins; candidates that normalize to nothing are dropped.
// Synonym keys are visited in sorted order so compilation is
// deterministic.
func Compile(base []string, synonyms map[string][]string) *TermSet {
	candidates := make([]string, 0, len(base)+len(synonyms)*2)
	candidates = append(candidates, base...)

	keys := make([]string, 0, len(synonyms))
	for k := range synonyms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		candidates = append(candidates, k)
		candidates = append(candidates, synonyms[k]...)
	}

	seen := make(map[string]struct{}, len(candidates))
	ts := &TermSet{terms: make([]Term, 0, len(candidates))}
	for _, c := range candidates {
		n := Normalize(c)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		ts.terms = append(ts.terms, Term{Raw: c, Normalized: n, Tokens: tokenize(n)})
	}
	return ts
}

// Len returns the number of compiled terms.
func (ts *TermSet) Len() int { return len(ts.terms) }

// Terms returns a copy of the compiled term list in match order.
func (ts *TermSet) Terms() []Term {
	out := make([]Term, len(ts.terms))
	copy(out, ts.terms)
	return out
}
