// Package ingest ties the matcher and fan-out policy to the external
// discovery and processing collaborators. It decides which discovered
// items enter the pipeline and how many each account may contribute;
// the mailbox transport and document parsing themselves live outside
// this module.
package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/you/docq/internal/fanout"
	"github.com/you/docq/internal/match"
)

// Item is one discovered candidate from an upstream account.
type Item struct {
	ID          string
	Subject     string
	Sender      string
	Attachments []string
}

// Source discovers up to limit candidate items for an account.
type Source interface {
	Discover(ctx context.Context, account string, limit int) ([]Item, error)
}

// Processor handles one matched item for an account.
type Processor interface {
	Process(ctx context.Context, account string, item Item) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, account string, limit int) ([]Item, error)

func (f SourceFunc) Discover(ctx context.Context, account string, limit int) ([]Item, error) {
	return f(ctx, account, limit)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, account string, item Item) error

func (f ProcessorFunc) Process(ctx context.Context, account string, item Item) error {
	return f(ctx, account, item)
}

// Summary reports what one sweep did. Failures holds the first error
// per failed account; other accounts still ran.
type Summary struct {
	Discovered int
	Matched    int
	Processed  int
	Failures   map[string]error
}

// Sweeper runs one bounded discovery pass over a set of accounts.
// Callers run it from a queue job, i.e. already under the ingestion
// lock.
type Sweeper struct {
	source Source
	proc   Processor
	terms  *match.TermSet
	opts   match.Options
	policy fanout.Policy
	log    *zap.Logger
}

func NewSweeper(source Source, proc Processor, terms *match.TermSet, opts match.Options, policy fanout.Policy, log *zap.Logger) *Sweeper {
	return &Sweeper{source: source, proc: proc, terms: terms, opts: opts, policy: policy, log: log}
}

// Run discovers each account's allocation, filters candidates through
// the term set, and forwards matches to the processor. Per-account
// errors are classified, logged and recorded; they never abort the
// rest of the run.
func (s *Sweeper) Run(ctx context.Context, accounts []string, requested int) Summary {
	sum := Summary{Failures: make(map[string]error)}
	for _, alloc := range s.policy.Allocate(accounts, requested) {
		if alloc.Units == 0 {
			continue
		}
		items, err := s.source.Discover(ctx, alloc.Account, alloc.Units)
		if err != nil {
			s.log.Warn("discovery failed",
				zap.String("account", alloc.Account),
				zap.String("class", Classify(err).String()),
				zap.Error(err))
			sum.Failures[alloc.Account] = err
			continue
		}
		sum.Discovered += len(items)

		for _, item := range items {
			res := match.Evaluate(match.Candidate{
				Subject:     item.Subject,
				Sender:      item.Sender,
				Attachments: item.Attachments,
			}, s.terms, s.opts)
			if !res.Matched {
				continue
			}
			sum.Matched++
			if err := s.proc.Process(ctx, alloc.Account, item); err != nil {
				s.log.Warn("processing failed",
					zap.String("account", alloc.Account),
					zap.String("item_id", item.ID),
					zap.String("matched_term", res.Term),
					zap.String("class", Classify(err).String()),
					zap.Error(err))
				if _, seen := sum.Failures[alloc.Account]; !seen {
					sum.Failures[alloc.Account] = err
				}
				continue
			}
			sum.Processed++
		}
	}
	return sum
}
