package channel

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	"protorpc/controller"
)

// pendingCall is a call accepted into the correlation table and not yet
// completed.
type pendingCall struct {
	id        uint64
	ctrl      *controller.Controller
	done      func(proto.Message)
	prototype proto.Message
	started   time.Time
	timer     *time.Timer   // guarded by pendingTable.mu
	taken     chan struct{} // closed once the call leaves the table
}

// pendingTable correlates call ids with pending calls.
//
// Take is the only way a call leaves the table, and it returns each call at
// most once. Whoever gets the call out of the table (response, timeout or
// close) is the one that completes it; everybody else sees nil.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[uint64]*pendingCall
	closed bool

	// onExpire runs in the timer goroutine for a call whose timeout won.
	onExpire func(*pendingCall)
}

func newPendingTable(onExpire func(*pendingCall)) *pendingTable {
	return &pendingTable{
		calls:    make(map[uint64]*pendingCall),
		onExpire: onExpire,
	}
}

// Put adds p and arms its timeout. It returns false once the table is closed.
func (t *pendingTable) Put(p *pendingCall, timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	p.taken = make(chan struct{})
	t.calls[p.id] = p
	if timeout > 0 {
		id := p.id
		p.timer = time.AfterFunc(timeout, func() {
			if expired := t.Take(id); expired != nil {
				t.onExpire(expired)
			}
		})
	}
	return true
}

// Take removes and returns the call with the given id, stopping its timer.
// It returns nil if the id is unknown or was already taken.
func (t *pendingTable) Take(id uint64) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.taken)
	return p
}

// Close refuses further Puts and takes every remaining call, in id order.
func (t *pendingTable) Close() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	drained := make([]*pendingCall, 0, len(t.calls))
	for id, p := range t.calls {
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.taken)
		drained = append(drained, p)
		delete(t.calls, id)
	}
	slices.SortFunc(drained, func(a, b *pendingCall) int { return cmp.Compare(a.id, b.id) })
	return drained
}

func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
