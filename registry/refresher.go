package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-openfinance/core"
)

// Refresher reconciles the local institution registry against the external
// participant directory. Institutions that disappear from the directory are
// deactivated, never deleted; existing consents keep their audit trail.
type Refresher struct {
	Directory    core.InstitutionDirectoryClient
	Institutions core.InstitutionStore
	Logger       core.Logger
	Config       core.RegistryConfig
	Now          func() time.Time

	// mu serializes refresh passes and guards lastRefreshedAt so concurrent
	// RunIfDue callers cannot double-run a due refresh.
	mu              sync.Mutex
	lastRefreshedAt time.Time
}

func NewRefresher(directory core.InstitutionDirectoryClient, institutions core.InstitutionStore, cfg core.RegistryConfig) *Refresher {
	return &Refresher{
		Directory:    directory,
		Institutions: institutions,
		Config:       cfg,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (r *Refresher) now() time.Time {
	if r == nil || r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

// RefreshReport summarizes one directory reconciliation pass.
type RefreshReport struct {
	Upserted    int
	Deactivated int
}

// Refresh pulls the participant list and upserts every entry, then
// deactivates local institutions missing from the response. An empty
// directory response aborts without deactivating anything; a directory
// outage must not wipe the registry.
func (r *Refresher) Refresh(ctx context.Context) (RefreshReport, error) {
	if r == nil {
		return RefreshReport{}, fmt.Errorf("registry: refresher is not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *Refresher) refreshLocked(ctx context.Context) (RefreshReport, error) {
	if r.Directory == nil || r.Institutions == nil {
		return RefreshReport{}, fmt.Errorf("registry: refresher requires a directory client and institution store")
	}

	participants, err := r.Directory.ListParticipants(ctx)
	if err != nil {
		return RefreshReport{}, err
	}
	if len(participants) == 0 {
		return RefreshReport{}, fmt.Errorf("registry: directory returned no participants, skipping reconciliation")
	}

	report := RefreshReport{}
	activeCodes := make([]string, 0, len(participants))
	for _, participant := range participants {
		code := strings.TrimSpace(participant.Code)
		if code == "" {
			continue
		}
		participant.Code = code
		if _, upsertErr := r.Institutions.Upsert(ctx, participant); upsertErr != nil {
			return report, upsertErr
		}
		report.Upserted++
		if participant.Active {
			activeCodes = append(activeCodes, code)
		}
	}

	deactivated, err := r.Institutions.DeactivateMissing(ctx, activeCodes)
	if err != nil {
		return report, err
	}
	report.Deactivated = deactivated

	r.lastRefreshedAt = r.now()
	if r.Logger != nil {
		r.Logger.Info("institution registry refreshed",
			"upserted", report.Upserted,
			"deactivated", report.Deactivated,
		)
	}
	return report, nil
}

// ShouldRefresh reports whether the configured interval has elapsed since
// the last successful reconciliation.
func (r *Refresher) ShouldRefresh(now time.Time) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shouldRefreshLocked(now)
}

func (r *Refresher) shouldRefreshLocked(now time.Time) bool {
	if !r.Config.AutoRefreshEnabled() {
		return false
	}
	if r.lastRefreshedAt.IsZero() {
		return true
	}
	return !r.lastRefreshedAt.Add(r.Config.RefreshInterval()).After(now.UTC())
}

// RunIfDue refreshes only when the interval has elapsed. The bool reports
// whether a refresh actually ran. The dueness check and the refresh happen
// under one lock, so concurrent callers run at most one pass.
func (r *Refresher) RunIfDue(ctx context.Context) (RefreshReport, bool, error) {
	if r == nil {
		return RefreshReport{}, false, fmt.Errorf("registry: refresher is not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.shouldRefreshLocked(r.now()) {
		return RefreshReport{}, false, nil
	}
	report, err := r.refreshLocked(ctx)
	if err != nil {
		return report, false, err
	}
	return report, true, nil
}
