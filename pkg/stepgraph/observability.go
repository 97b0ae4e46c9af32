package stepgraph

import (
	"context"
	"time"
)

// Observer is the interface for observing compile and execution events.
// Implementations can emit metrics, logs, or traces to their observability backend.
//
// All Observer methods are called synchronously, and step events arrive from
// concurrent goroutines, so implementations must be safe for concurrent use
// and should be fast and non-blocking.
type Observer interface {
	// OnCompileStart is called when Compile begins.
	OnCompileStart(ctx context.Context, event *CompileStartEvent)

	// OnCompileEnd is called when Compile completes (success or failure).
	OnCompileEnd(ctx context.Context, event *CompileEndEvent)

	// OnStepReplaced is called when deduplication or optimization replaces a step.
	OnStepReplaced(ctx context.Context, event *StepReplacedEvent)

	// OnPassStart is called when a batch pass begins.
	OnPassStart(ctx context.Context, event *PassStartEvent)

	// OnPassEnd is called when a batch pass completes.
	OnPassEnd(ctx context.Context, event *PassEndEvent)

	// OnStepStart is called when a step begins execution.
	OnStepStart(ctx context.Context, event *StepStartEvent)

	// OnStepEnd is called when a step completes (success or failure).
	OnStepEnd(ctx context.Context, event *StepEndEvent)

	// OnCacheCheck is called when a fetch consults its result store.
	OnCacheCheck(ctx context.Context, event *CacheCheckEvent)

	// OnCacheStore is called when a fetch writes its rows to its result store.
	OnCacheStore(ctx context.Context, event *CacheStoreEvent)

	// OnRetry is called when a fetch is retried after failure.
	OnRetry(ctx context.Context, event *RetryEvent)
}

// CompileStartEvent is emitted when Compile begins.
type CompileStartEvent struct {
	Steps     int // Registered steps
	Roots     int
	StartTime time.Time
}

// CompileEndEvent is emitted when Compile completes.
type CompileEndEvent struct {
	Steps          int // Live steps after compile
	Replaced       int // Steps removed by deduplication or optimization
	OptimizePasses int
	Duration       time.Duration
	Error          error // nil if successful
}

// StepReplacedEvent is emitted for every step rewired away during compile.
type StepReplacedEvent struct {
	OldStepID   StepID
	OldStepName string
	NewStepID   StepID
	NewStepName string
	Reason      ReplaceReason
}

// PassStartEvent is emitted when a batch pass begins.
type PassStartEvent struct {
	PassID    string
	BatchSize int
	Roots     int
	StartTime time.Time
}

// PassEndEvent is emitted when a batch pass completes.
type PassEndEvent struct {
	PassID    string
	BatchSize int
	Duration  time.Duration
	Error     error // first fatal root error, nil if every root succeeded
}

// StepStartEvent is emitted when a step begins execution.
type StepStartEvent struct {
	PassID    string
	StepID    StepID
	StepName  string
	StepKind  string
	Count     int  // Indices handed to the step after error compaction
	Unbatched bool // true if the per-index fast path is used
	StartTime time.Time
}

// StepEndEvent is emitted when a step completes execution.
type StepEndEvent struct {
	PassID      string
	StepID      StepID
	StepName    string
	StepKind    string
	Count       int
	Unbatched   bool
	ErrorValues int // Indices that carry an error marker in the result
	Duration    time.Duration
	Error       error // nil if successful
	Panicked    bool  // true if step panicked
}

// CacheCheckEvent is emitted when checking a result store.
type CacheCheckEvent struct {
	PassID   string
	StepName string
	Resource string
	Hit      bool          // true if cache hit, false if miss
	Latency  time.Duration // Time spent checking cache
	Error    error         // nil if check was successful
}

// CacheStoreEvent is emitted after writing to a result store.
type CacheStoreEvent struct {
	PassID   string
	StepName string
	Resource string
	Latency  time.Duration
	Error    error // nil if the write succeeded
}

// RetryEvent is emitted when a fetch is retried after failure.
type RetryEvent struct {
	PassID   string
	StepName string
	Resource string
	Attempt  int           // The attempt number that failed (before retry)
	Error    error         // The error that triggered the retry
	Delay    time.Duration // How long we're waiting before retry
}

// NoOpObserver is a no-op implementation of Observer.
// Useful as a base for partial implementations.
type NoOpObserver struct{}

func (NoOpObserver) OnCompileStart(ctx context.Context, event *CompileStartEvent) {}
func (NoOpObserver) OnCompileEnd(ctx context.Context, event *CompileEndEvent)     {}
func (NoOpObserver) OnStepReplaced(ctx context.Context, event *StepReplacedEvent) {}
func (NoOpObserver) OnPassStart(ctx context.Context, event *PassStartEvent)       {}
func (NoOpObserver) OnPassEnd(ctx context.Context, event *PassEndEvent)           {}
func (NoOpObserver) OnStepStart(ctx context.Context, event *StepStartEvent)       {}
func (NoOpObserver) OnStepEnd(ctx context.Context, event *StepEndEvent)           {}
func (NoOpObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent)     {}
func (NoOpObserver) OnCacheStore(ctx context.Context, event *CacheStoreEvent) {}
func (NoOpObserver) OnRetry(ctx context.Context, event *RetryEvent)               {}

// MultiObserver combines multiple observers into one.
// Events are sent to all observers in order.
type MultiObserver struct {
	Observers []Observer
}

func (m *MultiObserver) OnCompileStart(ctx context.Context, event *CompileStartEvent) {
	for _, obs := range m.Observers {
		obs.OnCompileStart(ctx, event)
	}
}

func (m *MultiObserver) OnCompileEnd(ctx context.Context, event *CompileEndEvent) {
	for _, obs := range m.Observers {
		obs.OnCompileEnd(ctx, event)
	}
}

func (m *MultiObserver) OnStepReplaced(ctx context.Context, event *StepReplacedEvent) {
	for _, obs := range m.Observers {
		obs.OnStepReplaced(ctx, event)
	}
}

func (m *MultiObserver) OnPassStart(ctx context.Context, event *PassStartEvent) {
	for _, obs := range m.Observers {
		obs.OnPassStart(ctx, event)
	}
}

func (m *MultiObserver) OnPassEnd(ctx context.Context, event *PassEndEvent) {
	for _, obs := range m.Observers {
		obs.OnPassEnd(ctx, event)
	}
}

func (m *MultiObserver) OnStepStart(ctx context.Context, event *StepStartEvent) {
	for _, obs := range m.Observers {
		obs.OnStepStart(ctx, event)
	}
}

func (m *MultiObserver) OnStepEnd(ctx context.Context, event *StepEndEvent) {
	for _, obs := range m.Observers {
		obs.OnStepEnd(ctx, event)
	}
}

func (m *MultiObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent) {
	for _, obs := range m.Observers {
		obs.OnCacheCheck(ctx, event)
	}
}

func (m *MultiObserver) OnCacheStore(ctx context.Context, event *CacheStoreEvent) {
	for _, obs := range m.Observers {
		obs.OnCacheStore(ctx, event)
	}
}

func (m *MultiObserver) OnRetry(ctx context.Context, event *RetryEvent) {
	for _, obs := range m.Observers {
		obs.OnRetry(ctx, event)
	}
}
