package gologger

import (
	"context"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-openfinance/core"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForWorker resolves the sync worker loggers then returns equivalent
// go-job adapters for queue worker construction.
func ResolveForWorker(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}

// SyncEventHook logs account sync job lifecycle events with the account and
// sync type pulled from the message parameters.
type SyncEventHook struct {
	logger glog.Logger
}

func NewSyncEventHook(provider glog.LoggerProvider, logger glog.Logger) *SyncEventHook {
	_, resolved := Resolve("openfinance.sync", provider, logger)
	return &SyncEventHook{logger: resolved}
}

func (h *SyncEventHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	h.log(ctx).Info("sync job started", h.fields(event)...)
}

func (h *SyncEventHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	args := append(h.fields(event), "duration_ms", event.Duration.Milliseconds())
	h.log(ctx).Info("sync job succeeded", args...)
}

func (h *SyncEventHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	args := h.fields(event)
	if event.Err != nil {
		args = append(args, "error", event.Err.Error())
	}
	h.log(ctx).Error("sync job failed", args...)
}

func (h *SyncEventHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	args := append(h.fields(event), "delay_ms", event.Delay.Milliseconds())
	if event.Err != nil {
		args = append(args, "error", event.Err.Error())
	}
	h.log(ctx).Warn("sync job retrying", args...)
}

func (h *SyncEventHook) log(ctx context.Context) glog.Logger {
	if h == nil || h.logger == nil {
		return glog.Nop()
	}
	return h.logger.WithContext(ctx)
}

func (h *SyncEventHook) fields(event core.JobWorkerEvent) []any {
	args := []any{"attempt", event.Attempt}
	if event.Message == nil {
		return args
	}
	args = append(args, "job_id", event.Message.JobID)
	if accountID, ok := event.Message.Parameters["account_id"].(string); ok && accountID != "" {
		args = append(args, "account_id", accountID)
	}
	if syncType, ok := event.Message.Parameters["sync_type"].(string); ok && syncType != "" {
		args = append(args, "sync_type", syncType)
	}
	return args
}

var _ core.JobWorkerHook = (*SyncEventHook)(nil)
