package clearnode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
)

const DefaultRequestTimeout = 30 * time.Second

// fifoKinds are responses the server may send without echoing our id.
// They are matched to the oldest pending call of the same kind, which is
// only correct while callers do not overlap two such calls.
var fifoKinds = map[Method]bool{
	MethodTransfer: true,
}

type callResult struct {
	params json.RawMessage
	err    error
}

// Call is one pending request. Exactly one result is ever delivered.
type Call struct {
	Kind Method
	ID   uint64

	correlator *Correlator
	result     chan callResult
	startedAt  time.Time
}

// Wait blocks until the call is resolved, rejected, timed out or ctx ends.
// A cancelled ctx removes the pending entry.
func (call *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-call.result:
		return res.params, res.err
	case <-ctx.Done():
		if call.correlator.cancel(call) {
			return nil, ctx.Err()
		}
		// lost the race against a delivery already under way
		res := <-call.result
		return res.params, res.err
	}
}

type pendingEntry struct {
	call  *Call
	timer *time.Timer
}

type pendingTable struct {
	entries map[uint64]*pendingEntry
	order   []uint64
}

func (t *pendingTable) remove(id uint64) *pendingEntry {
	entry, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	for i, queued := range t.order {
		if queued == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}

// Correlator keeps one table of pending calls per operation kind
type Correlator struct {
	mu      sync.Mutex
	tables  map[Method]*pendingTable
	timeout time.Duration
	metrics performance.Metrics
	logger  logging.ApplicationLogger
}

func NewCorrelator(timeout time.Duration, metrics performance.Metrics, logger logging.ApplicationLogger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Correlator{
		tables:  make(map[Method]*pendingTable),
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *Correlator) tableLocked(kind Method) *pendingTable {
	t, ok := c.tables[kind]
	if !ok {
		t = &pendingTable{entries: make(map[uint64]*pendingEntry)}
		c.tables[kind] = t
	}
	return t
}

// Register creates a pending entry and arms its timeout
func (c *Correlator) Register(kind Method, id uint64) (*Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tableLocked(kind)
	if _, exists := t.entries[id]; exists {
		return nil, fmt.Errorf("%s request %d: %w", kind, id, ErrDuplicateRequest)
	}

	call := &Call{
		Kind:       kind,
		ID:         id,
		correlator: c,
		result:     make(chan callResult, 1),
		startedAt:  time.Now(),
	}
	entry := &pendingEntry{call: call}
	entry.timer = time.AfterFunc(c.timeout, func() { c.expire(call) })

	t.entries[id] = entry
	t.order = append(t.order, id)
	c.reportLocked(kind)
	return call, nil
}

// Resolve delivers params to the call with id, or for id-less kinds to the
// oldest pending call. It reports whether a call was matched.
func (c *Correlator) Resolve(kind Method, id uint64, params json.RawMessage) bool {
	c.mu.Lock()
	t := c.tableLocked(kind)
	entry := t.remove(id)
	if entry == nil && fifoKinds[kind] && len(t.order) > 0 {
		entry = t.remove(t.order[0])
	}
	if entry != nil {
		c.reportLocked(kind)
	}
	c.mu.Unlock()

	if entry == nil {
		return false
	}

	if c.metrics != nil {
		c.metrics.ObserveCallLatency(string(kind), time.Since(entry.call.startedAt))
	}
	entry.call.result <- callResult{params: params}
	return true
}

// Reject fails a single pending call
func (c *Correlator) Reject(kind Method, id uint64, err error) bool {
	c.mu.Lock()
	entry := c.tableLocked(kind).remove(id)
	if entry != nil {
		c.reportLocked(kind)
	}
	c.mu.Unlock()

	if entry == nil {
		return false
	}
	c.fail(entry.call, err, "rejected")
	return true
}

// RejectAll fails every pending call in every table and returns how many
// were rejected
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	var calls []*Call
	for kind, t := range c.tables {
		for _, id := range t.order {
			entry := t.entries[id]
			if entry.timer != nil {
				entry.timer.Stop()
			}
			calls = append(calls, entry.call)
		}
		c.tables[kind] = &pendingTable{entries: make(map[uint64]*pendingEntry)}
		c.reportLocked(kind)
	}
	c.mu.Unlock()

	for _, call := range calls {
		c.fail(call, err, "mass_reject")
	}
	if len(calls) > 0 {
		c.logger.Warn("Rejected %d pending calls: %v", len(calls), err)
	}
	return len(calls)
}

// Pending returns the number of live entries per kind
func (c *Correlator) Pending() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make(map[string]int, len(c.tables))
	for kind, t := range c.tables {
		pending[string(kind)] = len(t.entries)
	}
	return pending
}

func (c *Correlator) expire(call *Call) {
	c.mu.Lock()
	t := c.tableLocked(call.Kind)
	entry, ok := t.entries[call.ID]
	if !ok || entry.call != call {
		c.mu.Unlock()
		return
	}
	t.remove(call.ID)
	c.reportLocked(call.Kind)
	c.mu.Unlock()

	c.logger.Warn("%s request %d timed out after %v", call.Kind, call.ID, c.timeout)
	c.fail(call, fmt.Errorf("%s request %d: %w", call.Kind, call.ID, ErrTimeout), "timeout")
}

func (c *Correlator) cancel(call *Call) bool {
	c.mu.Lock()
	t := c.tableLocked(call.Kind)
	entry, ok := t.entries[call.ID]
	if !ok || entry.call != call {
		c.mu.Unlock()
		return false
	}
	t.remove(call.ID)
	c.reportLocked(call.Kind)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.IncrementCallFailure(string(call.Kind), "cancelled")
	}
	return true
}

func (c *Correlator) fail(call *Call, err error, reason string) {
	if c.metrics != nil {
		c.metrics.IncrementCallFailure(string(call.Kind), reason)
	}
	call.result <- callResult{err: err}
}

func (c *Correlator) reportLocked(kind Method) {
	if c.metrics != nil {
		c.metrics.SetPendingCalls(string(kind), len(c.tables[kind].entries))
	}
}
