package ingest

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/you/docq/internal/durable"
)

// JobTypeHistoricalSync is the durable job type for account backfills.
const JobTypeHistoricalSync = "historical_sync"

// HistoricalSyncPayload is the durable job payload for one account's
// backfill. Limit of zero means the configured default.
type HistoricalSyncPayload struct {
	Account string `json:"account"`
	Limit   int    `json:"limit,omitempty"`
}

// HistoricalSyncHandler adapts a sweeper to the durable queue: one
// job sweeps one account. The handler returns the account's failure so
// the job record carries the upstream error text verbatim.
func HistoricalSyncHandler(s *Sweeper) durable.Handler {
	return func(ctx context.Context, payload []byte) error {
		var p HistoricalSyncPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "decode historical_sync payload")
		}
		if p.Account == "" {
			return errors.New("historical_sync payload missing account")
		}
		sum := s.Run(ctx, []string{p.Account}, p.Limit)
		if err, ok := sum.Failures[p.Account]; ok {
			return err
		}
		return nil
	}
}
