package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds the number of unprocessed records.
const DefaultQueueSize = 64

// Strategy attempts to recover from a failure. Returning nil means
// recovered; returning an error wrapping ErrAbort stops the failing
// operation; any other error lets the next attempt or strategy run.
type Strategy interface {
	Recover(ctx context.Context, rec ErrorRecord) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, rec ErrorRecord) error

// Recover calls f.
func (f StrategyFunc) Recover(ctx context.Context, rec ErrorRecord) error {
	return f(ctx, rec)
}

// Registration binds a strategy to an error type.
type Registration struct {
	Type       reflect.Type
	Name       string
	Priority   int
	Strategy   Strategy
	MaxRetry   int
	RetryDelay time.Duration

	order int
	match func(error) bool
}

// Option configures a Registration.
type Option func(*Registration)

// WithMaxRetry sets how many extra attempts the strategy gets.
func WithMaxRetry(n int) Option {
	return func(r *Registration) {
		r.MaxRetry = max(n, 0)
	}
}

// WithRetryDelay sets the wait between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Registration) {
		r.RetryDelay = max(d, 0)
	}
}

// Options configure a Manager.
type Options struct {
	// QueueSize bounds pending records. Zero uses DefaultQueueSize.
	QueueSize int

	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Statistics is a snapshot of manager counters.
type Statistics struct {
	Handled     uint64
	Recovered   uint64
	Unrecovered uint64
	Aborted     uint64
	Dropped     uint64
	Cleared     uint64

	// ByStrategy counts recoveries per strategy name.
	ByStrategy map[string]uint64

	Queued     int
	Recovering bool
}

// Manager queues failures and runs matching strategies on a single
// consumer goroutine.
type Manager struct {
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *Pending
	done   chan struct{}

	mu         sync.Mutex
	regs       []*Registration
	nextOrder  int
	closed     bool
	recovering bool
	stats      Statistics
}

// NewManager creates a manager and starts its consumer.
func NewManager(opts Options) *Manager {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = defaultSleeper
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		clock:  clock,
		sleep:  sleep,
		logger: logger.With("component", "recovery"),
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan *Pending, size),
		done:   make(chan struct{}),
		stats:  Statistics{ByStrategy: make(map[string]uint64)},
	}
	go m.consume()
	return m
}

// Register binds strategy to every error assignable to T. Lower priority
// values run first; equal priorities run in registration order.
func Register[T error](m *Manager, name string, priority int, strategy Strategy, opts ...Option) error {
	if strategy == nil {
		return ErrNilStrategy
	}
	reg := &Registration{
		Type:     reflect.TypeFor[T](),
		Name:     name,
		Priority: priority,
		Strategy: strategy,
		match: func(err error) bool {
			var target T
			return errors.As(err, &target)
		},
	}
	for _, opt := range opts {
		opt(reg)
	}
	return m.add(reg)
}

// Unregister removes every registration made for exactly T and returns
// how many were removed.
func Unregister[T error](m *Manager) int {
	t := reflect.TypeFor[T]()
	return m.remove(func(r *Registration) bool { return r.Type == t })
}

// UnregisterName removes the registration called name.
func (m *Manager) UnregisterName(name string) bool {
	return m.remove(func(r *Registration) bool { return r.Name == name }) > 0
}

func (m *Manager) add(reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regs {
		if r.Name == reg.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, reg.Name)
		}
	}
	reg.order = m.nextOrder
	m.nextOrder++
	m.regs = append(m.regs, reg)
	m.logger.Debug("strategy registered", "strategy", reg.Name, "type", reg.Type.String(), "priority", reg.Priority)
	return nil
}

func (m *Manager) remove(pred func(*Registration) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.regs)
	m.regs = slices.DeleteFunc(m.regs, pred)
	return before - len(m.regs)
}

// Registrations returns a snapshot in execution order.
func (m *Manager) Registrations() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Registration, 0, len(m.regs))
	for _, r := range sortedRegistrations(m.regs) {
		out = append(out, *r)
	}
	return out
}

// HandleException queues err for recovery without blocking. It returns
// false when the queue is full or the manager is closed.
func (m *Manager) HandleException(err error, context map[string]string) (*Pending, bool) {
	if err == nil {
		return nil, false
	}
	rec := ErrorRecord{
		ID:        uuid.New().String(),
		Err:       err,
		Type:      fmt.Sprintf("%T", err),
		Context:   cloneContext(context),
		Timestamp: m.clock(),
	}
	pd := newPending(rec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.stats.Dropped++
		return nil, false
	}
	select {
	case m.queue <- pd:
		m.stats.Handled++
		return pd, true
	default:
		m.stats.Dropped++
		m.logger.Warn("recovery queue full, dropping failure", "record_id", rec.ID, "type", rec.Type, "error", err)
		return nil, false
	}
}

// Report implements capture.ErrorReporter.
func (m *Manager) Report(err error, context map[string]string) {
	m.HandleException(err, context)
}

// TryRecover runs the strategies matching rec synchronously.
func (m *Manager) TryRecover(ctx context.Context, rec ErrorRecord) Result {
	m.mu.Lock()
	var handlers []*Registration
	for _, r := range m.regs {
		if r.match(rec.Err) {
			handlers = append(handlers, r)
		}
	}
	m.mu.Unlock()
	handlers = sortedRegistrations(handlers)

	logger := m.logger.With("record_id", rec.ID, "type", rec.Type)
	res := Result{Record: rec}
	var lastErr error

handlers:
	for _, reg := range handlers {
		for attempt := 0; attempt <= reg.MaxRetry; attempt++ {
			if attempt > 0 {
				if err := m.sleep(ctx, reg.RetryDelay); err != nil {
					lastErr = err
					break handlers
				}
			}
			res.Attempts++
			err := invoke(ctx, reg, rec)
			switch {
			case err == nil:
				res.Outcome = OutcomeRecovered
				res.Strategy = reg.Name
				m.count(res)
				logger.Info("failure recovered", "strategy", reg.Name, "attempts", res.Attempts)
				return res
			case errors.Is(err, ErrAbort):
				res.Outcome = OutcomeAborted
				res.Strategy = reg.Name
				res.Err = err
				m.count(res)
				logger.Warn("recovery aborted", "strategy", reg.Name, "error", rec.Err)
				return res
			}
			lastErr = err
			logger.Debug("recovery attempt failed", "strategy", reg.Name, "attempt", attempt+1, "error", err)
		}
	}

	res.Outcome = OutcomeUnrecovered
	if lastErr != nil {
		res.Err = fmt.Errorf("%w: %w (last strategy error: %w)", ErrRecoveryExhausted, rec.Err, lastErr)
	} else {
		res.Err = fmt.Errorf("%w: %w", ErrRecoveryExhausted, rec.Err)
	}
	m.count(res)
	logger.Error("failure not recovered", "handlers", len(handlers), "attempts", res.Attempts, "error", rec.Err, "context", rec.Context)
	return res
}

func invoke(ctx context.Context, reg *Registration, rec ErrorRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StrategyPanicError{Strategy: reg.Name, Value: r}
		}
	}()
	return reg.Strategy.Recover(ctx, rec)
}

func (m *Manager) count(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch res.Outcome {
	case OutcomeRecovered:
		m.stats.Recovered++
		m.stats.ByStrategy[res.Strategy]++
	case OutcomeUnrecovered:
		m.stats.Unrecovered++
	case OutcomeAborted:
		m.stats.Aborted++
	case OutcomeCleared:
		m.stats.Cleared++
	}
}

func (m *Manager) consume() {
	defer close(m.done)
	for pd := range m.queue {
		m.setRecovering(true)
		res := m.TryRecover(m.ctx, pd.record)
		m.setRecovering(false)
		pd.resolve(res)
	}
}

func (m *Manager) setRecovering(v bool) {
	m.mu.Lock()
	m.recovering = v
	m.mu.Unlock()
}

// GetStatistics returns a snapshot of the counters.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ByStrategy = make(map[string]uint64, len(m.stats.ByStrategy))
	for k, v := range m.stats.ByStrategy {
		s.ByStrategy[k] = v
	}
	s.Queued = len(m.queue)
	s.Recovering = m.recovering
	return s
}

// ClearQueue discards records not yet processed. Their pending results
// resolve as OutcomeCleared. It returns the number discarded.
func (m *Manager) ClearQueue() int {
	n := 0
	for {
		select {
		case pd, ok := <-m.queue:
			if !ok {
				return n
			}
			res := Result{Record: pd.record, Outcome: OutcomeCleared, Err: ErrCleared}
			m.count(res)
			pd.resolve(res)
			n++
		default:
			return n
		}
	}
}

// Close rejects new records, clears the queue, cancels running strategies
// and waits for the consumer to exit or ctx to end. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	if n := m.ClearQueue(); n > 0 {
		m.logger.Info("cleared pending failures on close", "count", n)
	}
	m.cancel()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortedRegistrations(regs []*Registration) []*Registration {
	out := slices.Clone(regs)
	slices.SortStableFunc(out, func(a, b *Registration) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return a.order - b.order
	})
	return out
}

func defaultSleeper(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
