package runtime

import (
	"context"
	"fmt"
	"time"
)

// replacer supplies the runtime-specific halves of an instance replacement
type replacer struct {
	// start creates and starts the ordinal-th new instance and returns once it runs
	start func(ctx context.Context, ordinal int) error
	// remove stops and deletes an existing instance
	remove func(ctx context.Context, id string) error
	sleep  func(ctx context.Context, d time.Duration) error
}

// replace converges old instances to spec.Replicas new ones. Recreate removes
// everything first; rolling works in batches, starting new instances before
// removing old ones when MaxSurge allows it.
func replace(ctx context.Context, spec ApplySpec, old []string, r replacer) error {
	if spec.Mode == ModeRecreate {
		for _, id := range old {
			if err := r.remove(ctx, id); err != nil {
				return fmt.Errorf("failed to stop %s: %w", id, err)
			}
		}
		for i := 0; i < spec.Replicas; i++ {
			if err := r.start(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	surge, unavailable := spec.BatchSizes()
	batch := max(surge, unavailable)
	started, need := 0, spec.Replicas

	startN := func(n int) error {
		for ; n > 0; n-- {
			if err := r.start(ctx, started); err != nil {
				return err
			}
			started++
			need--
		}
		return nil
	}
	removeN := func(n int) error {
		for ; n > 0; n-- {
			if err := r.remove(ctx, old[0]); err != nil {
				return fmt.Errorf("failed to stop %s: %w", old[0], err)
			}
			old = old[1:]
		}
		return nil
	}

	for first := true; need > 0 || len(old) > 0; first = false {
		if !first && spec.BatchDelay > 0 {
			if err := r.sleep(ctx, spec.BatchDelay); err != nil {
				return err
			}
		}

		var err error
		switch {
		case need == 0:
			// Scale down leftovers
			err = removeN(len(old))
		case len(old) == 0:
			err = startN(min(batch, need))
		case surge > 0:
			n := min(surge, need)
			if err = startN(n); err == nil {
				err = removeN(min(n, len(old)))
			}
		default:
			m := min(unavailable, len(old))
			if err = removeN(m); err == nil {
				err = startN(min(m, need))
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
