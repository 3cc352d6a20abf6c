package cafeds

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// latch is a one-shot event with an attached payload: clear arms it, set
// fires it exactly once, wait blocks for either the fire or a timeout.
// Mirrors the reference implementation's threading.Event-plus-data-slot
// pattern (answer_event/coordinator_event, coordinator_msg) the way the
// design notes describe it: clear, arm, wait-with-timeout, read.
type latch struct {
	mu   sync.Mutex
	ch   chan interface{}
}

func newLatch() *latch {
	return &latch{ch: make(chan interface{}, 1)}
}

// clear arms the latch for a fresh wait, discarding any stale payload.
func (l *latch) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ch = make(chan interface{}, 1)
}

// set fires the latch with payload. While a payload is pending (set but
// not yet read by wait), later sets are dropped rather than blocking; a
// pending payload is discarded by clear.
func (l *latch) set(payload interface{}) {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()

	select {
	case ch <- payload:
	default:
	}
}

// wait blocks until set or timeout, returning the payload and whether it
// fired in time.
func (l *latch) wait(timeout time.Duration) (interface{}, bool) {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()

	select {
	case payload := <-ch:
		return payload, true
	case <-time.After(timeout):
		return nil, false
	}
}

// electionState is the Bully-election machinery shared across UDP
// listener goroutines and the election procedure itself: the answer and
// coordinator latches a candidate waits on, plus the single-flight guard
// that collapses concurrent election triggers into one run with a
// cooldown against immediate re-triggering.
type electionState struct {
	answer      *latch
	coordinator *latch

	sf singleflight.Group

	mu       sync.Mutex
	lastDone time.Time
}

func newElectionState() *electionState {
	return &electionState{
		answer:      newLatch(),
		coordinator: newLatch(),
	}
}

// electionCooldown is the minimum gap the design notes require between
// the end of one election and the start of another triggered by routine
// churn (a peer flapping, a stale LEADER_ALIVE), so a single noisy moment
// doesn't cause a storm of re-elections.
const electionCooldown = 2 * time.Second

// coordinatorPayload carries a COORDINATOR announcement's fields into the
// waiting election goroutine via the coordinator latch.
type coordinatorPayload struct {
	leaderID      int
	leaderIP      string
	leaderTCPPort int
	epoch         int
	lastSeq       int
}

// isBetterLeader implements the ranking spec.md's election section
// defines: higher epoch wins outright; within the same epoch, higher node
// id wins; a tie-break prefers a non-loopback-advertised leader over a
// loopback one (a single-host demo artifact, not a real distinction); and
// failing all of that, the candidate with more delivered history wins, so
// a restarted leader with stale history never supersedes one that kept
// running.
func isBetterLeader(newEpoch, newID int, newIsLoopback bool, newLastSeq int,
	curEpoch, curID int, curIsLoopback bool, curLastSeq int) bool {

	if newEpoch != curEpoch {
		return newEpoch > curEpoch
	}
	if newID != curID {
		return newID > curID
	}
	if curIsLoopback != newIsLoopback {
		return curIsLoopback && !newIsLoopback
	}
	return newLastSeq > curLastSeq
}
