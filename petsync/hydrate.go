// ABOUTME: Batch hydration of wire records into typed entities.
// ABOUTME: Per-item failures are collected, never fatal unless nothing decodes.
package petsync

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// hydrateConcurrency bounds decode fan-out; asset resolution does IO.
const hydrateConcurrency = 8

// HydrateRecords decodes a batch of wire records concurrently.
// Per-item codec failures are collected into itemErrs and do not abort
// sibling items. The call fails only when no item hydrated at all;
// otherwise the partial success set is returned alongside the item
// errors for the caller to log.
func HydrateRecords(ctx context.Context, codec *Codec, recs []WireRecord) (entities []Entity, itemErrs []error, err error) {
	if len(recs) == 0 {
		return nil, nil, nil
	}

	results := make([]Entity, len(recs))
	errs := make([]error, len(recs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateConcurrency)
	for i, rec := range recs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, decErr := codec.Decode(rec)
			if decErr != nil {
				errs[i] = decErr
				return nil // collected, not fatal
			}
			results[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i := range recs {
		if errs[i] != nil {
			itemErrs = append(itemErrs, errs[i])
			continue
		}
		entities = append(entities, results[i])
	}

	if len(entities) == 0 && len(itemErrs) > 0 {
		return nil, itemErrs, &SyncError{Op: "hydrate", Err: itemErrs[0], Retries: 1}
	}
	return entities, itemErrs, nil
}
