// Package recovery routes runtime failures to registered strategies.
//
// Strategies are registered against an error type with Register. A
// failure submitted through HandleException is queued and processed by a
// single background consumer, which runs every strategy whose type
// matches the failure (per errors.As, so interface registrations match
// all implementers) in ascending priority order until one succeeds.
//
// Submitting never blocks. The returned Pending resolves to a Result
// whose Outcome tells the caller whether to continue or abort.
//
//	m := recovery.NewManager(recovery.Options{Logger: logger})
//	recovery.Register[*macro.InjectionError](m, "retry", 10, recovery.RetryOperation(),
//		recovery.WithMaxRetry(2), recovery.WithRetryDelay(50*time.Millisecond))
//	pending, ok := m.HandleException(err, map[string]string{"sequence": "login"})
package recovery
