package diskutil

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/projecteru2/core/log"
)

// TeardownOptions tunes the retry/backoff behavior of TeardownDM (spec
// §4.6's "each dm_remove is retried once after a short backoff on
// transient failure" — exposed here as a configurable policy rather than
// a hardcoded single retry, per the resolved open question on teardown
// robustness).
type TeardownOptions struct {
	Retries int
	Backoff time.Duration
}

// DefaultTeardownOptions matches the spec's literal wording: one retry,
// a short fixed backoff.
var DefaultTeardownOptions = TeardownOptions{Retries: 1, Backoff: 200 * time.Millisecond}

// TeardownDM removes every device-mapper device in names, in reverse order
// (last name first), skipping a name if a duplicate occurs later in the list (spec §4.6
// "Teardown dedup" — some names may recur when several map entries chain
// through the same device). Each removal is retried up to opts.Retries
// times after opts.Backoff on failure. Errors from every name are
// combined and returned; TeardownDM always attempts every remaining name
// rather than stopping at the first failure, since a partial teardown
// would otherwise leak devices silently.
func TeardownDM(ctx context.Context, disk Interface, names []string, opts TeardownOptions) error {
	logger := log.WithFunc("diskutil.TeardownDM")
	seen := make(map[string]bool, len(names))
	var combined error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if seen[name] {
			continue
		}
		seen[name] = true

		var err error
		for attempt := 0; attempt <= opts.Retries; attempt++ {
			if attempt > 0 {
				logger.Warnf(ctx, "retry dm_remove %s (attempt %d): %v", name, attempt, err)
				select {
				case <-ctx.Done():
					err = ctx.Err()
					break
				case <-time.After(opts.Backoff):
				}
			}
			if err = disk.DMRemove(ctx, name); err == nil {
				break
			}
		}
		if err != nil {
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}
