package stepgraph

import (
	"context"
	"log/slog"
)

// SlogObserver implements Observer using Go's structured logging (log/slog).
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	observer := stepgraph.NewSlogObserver(logger, slog.LevelInfo)
//	op := stepgraph.NewOperationPlan(stepgraph.WithObserver(observer))
type SlogObserver struct {
	logger   *slog.Logger
	minLevel slog.Level
}

// NewSlogObserver creates an observer that logs to the given slog.Logger.
// Only events at or above minLevel will be logged.
func NewSlogObserver(logger *slog.Logger, minLevel slog.Level) *SlogObserver {
	return &SlogObserver{
		logger:   logger,
		minLevel: minLevel,
	}
}

func (o *SlogObserver) OnCompileStart(ctx context.Context, event *CompileStartEvent) {
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "plan compile started",
			slog.Int("steps", event.Steps),
			slog.Int("roots", event.Roots),
		)
	}
}

func (o *SlogObserver) OnCompileEnd(ctx context.Context, event *CompileEndEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelError {
			o.logger.ErrorContext(ctx, "plan compile failed",
				slog.Int("optimize_passes", event.OptimizePasses),
				slog.Duration("duration", event.Duration),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelInfo {
		o.logger.InfoContext(ctx, "plan compiled",
			slog.Int("steps", event.Steps),
			slog.Int("replaced", event.Replaced),
			slog.Int("optimize_passes", event.OptimizePasses),
			slog.Duration("duration", event.Duration),
		)
	}
}

func (o *SlogObserver) OnStepReplaced(ctx context.Context, event *StepReplacedEvent) {
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "step replaced",
			slog.Int("old_step_id", int(event.OldStepID)),
			slog.String("old_step_name", event.OldStepName),
			slog.Int("new_step_id", int(event.NewStepID)),
			slog.String("new_step_name", event.NewStepName),
			slog.String("reason", string(event.Reason)),
		)
	}
}

func (o *SlogObserver) OnPassStart(ctx context.Context, event *PassStartEvent) {
	if o.minLevel <= slog.LevelInfo {
		o.logger.InfoContext(ctx, "batch pass started",
			slog.String("pass_id", event.PassID),
			slog.Int("batch_size", event.BatchSize),
			slog.Int("roots", event.Roots),
		)
	}
}

func (o *SlogObserver) OnPassEnd(ctx context.Context, event *PassEndEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelError {
			o.logger.ErrorContext(ctx, "batch pass failed",
				slog.String("pass_id", event.PassID),
				slog.Int("batch_size", event.BatchSize),
				slog.Duration("duration", event.Duration),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelInfo {
		o.logger.InfoContext(ctx, "batch pass completed",
			slog.String("pass_id", event.PassID),
			slog.Int("batch_size", event.BatchSize),
			slog.Duration("duration", event.Duration),
		)
	}
}

func (o *SlogObserver) OnStepStart(ctx context.Context, event *StepStartEvent) {
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "step execution started",
			slog.String("pass_id", event.PassID),
			slog.String("step_name", event.StepName),
			slog.String("step_kind", event.StepKind),
			slog.Int("count", event.Count),
			slog.Bool("unbatched", event.Unbatched),
		)
	}
}

func (o *SlogObserver) OnStepEnd(ctx context.Context, event *StepEndEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelWarn {
			o.logger.WarnContext(ctx, "step execution failed",
				slog.String("pass_id", event.PassID),
				slog.String("step_name", event.StepName),
				slog.String("step_kind", event.StepKind),
				slog.Duration("duration", event.Duration),
				slog.Bool("panicked", event.Panicked),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "step execution completed",
			slog.String("pass_id", event.PassID),
			slog.String("step_name", event.StepName),
			slog.String("step_kind", event.StepKind),
			slog.Int("count", event.Count),
			slog.Int("error_values", event.ErrorValues),
			slog.Duration("duration", event.Duration),
		)
	}
}

func (o *SlogObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent) {
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "cache check",
			slog.String("pass_id", event.PassID),
			slog.String("step_name", event.StepName),
			slog.String("resource", event.Resource),
			slog.Bool("hit", event.Hit),
			slog.Duration("latency", event.Latency),
		)
	}
}

func (o *SlogObserver) OnCacheStore(ctx context.Context, event *CacheStoreEvent) {
	if event.Error != nil && o.minLevel <= slog.LevelWarn {
		o.logger.WarnContext(ctx, "cache store failed",
			slog.String("pass_id", event.PassID),
			slog.String("step_name", event.StepName),
			slog.String("resource", event.Resource),
			slog.String("error", event.Error.Error()),
		)
	}
}

func (o *SlogObserver) OnRetry(ctx context.Context, event *RetryEvent) {
	if o.minLevel <= slog.LevelWarn {
		o.logger.WarnContext(ctx, "fetch retry",
			slog.String("pass_id", event.PassID),
			slog.String("step_name", event.StepName),
			slog.String("resource", event.Resource),
			slog.Int("attempt", event.Attempt),
			slog.Duration("delay", event.Delay),
			slog.String("error", event.Error.Error()),
		)
	}
}
