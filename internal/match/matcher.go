package match

import "strings"

// Source identifies which candidate field produced a match.
type Source string

const (
	SourceSubject    Source = "subject"
	SourceSender     Source = "sender"
	SourceAttachment Source = "attachment"
)

// Candidate is a discovered item up for eligibility evaluation.
type Candidate struct {
	Subject     string
	Sender      string
	Attachments []string
}

// Options gate the optional fallback checks. The subject is always
// tested first; sender and attachment names are noisier and only
// consulted when the subject misses and the respective flag is set.
type Options struct {
	SenderFallback     bool
	AttachmentFallback bool
}

// Result reports whether a candidate matched, which field hit, and the
// raw spelling of the winning term.
type Result struct {
	Matched bool
	Source  Source
	Term    string
}

// Match tests one text against the set and returns the first matching
// term in compiled order. A term hits when its single token is a member
// of the text's token set, when its token sequence occurs contiguously
// in the text's token sequence, or when its full normalized form is a
// substring of the normalized text (terms buried inside unspaced runs).
func (ts *TermSet) Match(text string) (Term, bool) {
	n := Normalize(text)
	if n == "" {
		return Term{}, false
	}
	toks := tokenize(n)
	for _, t := range ts.terms {
		if matchTokens(t.Tokens, toks) || strings.Contains(n, t.Normalized) {
			return t, true
		}
	}
	return Term{}, false
}

func matchTokens(term, text []string) bool {
	if len(term) == 0 || len(term) > len(text) {
		return false
	}
	if len(term) == 1 {
		for _, tok := range text {
			if tok == term[0] {
				return true
			}
		}
		return false
	}
	// contiguous subsequence, order preserved
	for i := 0; i+len(term) <= len(text); i++ {
		hit := true
		for j, want := range term {
			if text[i+j] != want {
				hit = false
				break
			}
		}
		if hit {
			return true
		}
	}
	return false
}

// Evaluate applies the field precedence: subject unconditionally, then
// sender and attachment names behind their fallback flags.
func Evaluate(c Candidate, ts *TermSet, opts Options) Result {
	if t, ok := ts.Match(c.Subject); ok {
		return Result{Matched: true, Source: SourceSubject, Term: t.Raw}
	}
	if opts.SenderFallback {
		if t, ok := ts.Match(c.Sender); ok {
			return Result{Matched: true, Source: SourceSender, Term: t.Raw}
		}
	}
	if opts.AttachmentFallback {
		for _, name := range c.Attachments {
			if t, ok := ts.Match(name); ok {
				return Result{Matched: true, Source: SourceAttachment, Term: t.Raw}
			}
		}
	}
	return Result{}
}
