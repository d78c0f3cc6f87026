package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-openfinance/core"
)

const DefaultRunnerConcurrency = 4

// RunReport summarizes one scheduler pass.
type RunReport struct {
	Candidates int
	Triggered  int
	Skipped    int
	Failed     int
}

// Runner is the scheduled entry point: it walks sync candidates, checks
// which are due, and fans the due ones out to a bounded worker pool. One
// account failing never stops the pass.
type Runner struct {
	Orchestrator *Orchestrator
	Accounts     core.AccountStore
	Logger       core.Logger
	Concurrency  int
	Now          func() time.Time
}

func NewRunner(orchestrator *Orchestrator, accounts core.AccountStore) *Runner {
	return &Runner{
		Orchestrator: orchestrator,
		Accounts:     accounts,
		Concurrency:  DefaultRunnerConcurrency,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// RunDue triggers one sync of the given type for every due candidate.
func (r *Runner) RunDue(ctx context.Context, syncType core.SyncType) (RunReport, error) {
	if r == nil || r.Orchestrator == nil || r.Accounts == nil {
		return RunReport{}, fmt.Errorf("sync: runner requires an orchestrator and account store")
	}
	if err := syncType.Validate(); err != nil {
		return RunReport{}, err
	}

	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now()
	}

	candidates, err := r.Accounts.ListSyncCandidates(ctx)
	if err != nil {
		return RunReport{}, err
	}

	concurrency := r.Concurrency
	if concurrency < 1 {
		concurrency = DefaultRunnerConcurrency
	}

	report := RunReport{Candidates: len(candidates)}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, candidate := range candidates {
		account := candidate
		group.Go(func() error {
			due, dueErr := r.Orchestrator.IsDue(groupCtx, account, syncType, now)
			if dueErr != nil {
				mu.Lock()
				report.Failed++
				mu.Unlock()
				r.logAccountError(groupCtx, account.ID, "due check failed", dueErr)
				return nil
			}
			if !due {
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}

			if _, syncErr := r.Orchestrator.TriggerSync(groupCtx, account.ID, syncType); syncErr != nil {
				mu.Lock()
				if core.IsAlreadySyncing(syncErr) || core.IsNotSyncable(syncErr) {
					report.Skipped++
				} else {
					report.Failed++
				}
				mu.Unlock()
				r.logAccountError(groupCtx, account.ID, "sync failed", syncErr)
				return nil
			}

			mu.Lock()
			report.Triggered++
			mu.Unlock()
			return nil
		})
	}
	if waitErr := group.Wait(); waitErr != nil {
		return report, waitErr
	}
	return report, nil
}

func (r *Runner) logAccountError(ctx context.Context, accountID string, message string, err error) {
	if r == nil || r.Logger == nil {
		return
	}
	logger := r.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	logger.Error(message, "account_id", accountID, "error", err.Error())
}
