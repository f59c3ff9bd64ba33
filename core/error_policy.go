package core

import "go.uber.org/multierr"

// Scheduler is the narrow interface the error/termination policy (§4.6, §7)
// drives: it owns tearing down the transport and purging connection state
// once the core decides a connection is no longer viable. The scheduler
// itself — socket polling, retry backoff — is out of scope (§1 non-goal).
type Scheduler interface {
	Disconnect(addr ConnAddr, cause error)
}

// ErrorPolicy classifies connection-level failures and decides whether they
// are fatal to the whole connection or scoped to a single stream, then
// drives the Scheduler accordingly. Multiple independent causes observed
// for the same connection within one tick are aggregated with multierr
// rather than chained with fmt.Errorf, since neither is "the cause" of the
// other.
type ErrorPolicy struct {
	scheduler Scheduler
	pending   map[ConnAddr]error
	metrics   *Metrics
}

// NewErrorPolicy wires the policy to the scheduler it drives. metrics may be
// nil in tests that don't care about observability.
func NewErrorPolicy(scheduler Scheduler, metrics *Metrics) *ErrorPolicy {
	return &ErrorPolicy{scheduler: scheduler, pending: make(map[ConnAddr]error), metrics: metrics}
}

// Observe records a connection-level error. Stream-level errors
// (StreamReset) are counted in metrics but never queued for teardown — the
// stream table already removed the one stream and the session continues.
func (p *ErrorPolicy) Observe(addr ConnAddr, err *ConnError) {
	if err == nil {
		return
	}
	if p.metrics != nil {
		p.metrics.ObserveConnError(err.Kind)
	}
	if err.Kind == ErrStreamReset {
		return
	}
	p.pending[addr] = multierr.Append(p.pending[addr], err)
}

// Flush hands every connection with an aggregated fatal error to the
// scheduler for teardown, then clears the aggregation for that connection.
func (p *ErrorPolicy) Flush() {
	for addr, err := range p.pending {
		p.scheduler.Disconnect(addr, err)
		delete(p.pending, addr)
	}
}

// classifyTermination maps a session Termination into the taxonomy of §7:
// parse errors and session errors are both fatal to the session, but are
// reported distinctly for logging.
func classifyTermination(t *Termination) (fatal bool, reason string) {
	if t == nil {
		return false, ""
	}
	if t.ParseErr != nil {
		return true, t.ParseErr.Error()
	}
	if t.Result.OK {
		return true, "graceful goaway"
	}
	return true, "session error: " + t.Result.Code.String()
}
