package infra

import (
	"fmt"
	"sync"
	"time"

	"github.com/osdi23p228/fabric-protos-go/peer"
)

// TimeKeeper holds the timestamps of one phase's transaction, in
// nanoseconds since the epoch
type TimeKeeper struct {
	Txid          string
	ProposedTime  int64
	EndorsedTime  int64
	BroadcastTime int64
	ObservedTime  int64
}

// TimeKeepers records the timeline of a run and the matching event log
// lines. A nil *TimeKeepers records nothing.
type TimeKeepers struct {
	lock   sync.Mutex
	phases map[Phase]*TimeKeeper
	events []string
}

func NewTimeKeepers() *TimeKeepers {
	return &TimeKeepers{
		phases: make(map[Phase]*TimeKeeper),
	}
}

func (tks *TimeKeepers) get(phase Phase, txid string) *TimeKeeper {
	tk, ok := tks.phases[phase]
	if !ok {
		tk = &TimeKeeper{Txid: txid}
		tks.phases[phase] = tk
	}
	return tk
}

func (tks *TimeKeepers) logf(format string, args ...interface{}) {
	tks.events = append(tks.events, fmt.Sprintf(format, args...))
}

func (tks *TimeKeepers) keepProposedTime(phase Phase, txid string, targets int) {
	if tks == nil {
		return
	}
	tks.lock.Lock()
	defer tks.lock.Unlock()

	proposedTime := time.Now().UnixNano()
	tks.logf("%-10s %d %-6s %s %d", "Proposed", proposedTime, phase, txid, targets)
	tks.get(phase, txid).ProposedTime = proposedTime
}

func (tks *TimeKeepers) keepEndorsement(phase Phase, txid, address string, status Status) {
	if tks == nil {
		return
	}
	tks.lock.Lock()
	defer tks.lock.Unlock()

	tks.logf("%-10s %d %-6s %s %s %s", "Response", time.Now().UnixNano(), phase, txid, address, status)
}

func (tks *TimeKeepers) keepEndorsedTime(phase Phase, txid string) {
	if tks == nil {
		return
	}
	tks.lock.Lock()
	defer tks.lock.Unlock()

	endorsedTime := time.Now().UnixNano()
	tks.logf("%-10s %d %-6s %s", "Endorsed", endorsedTime, phase, txid)
	tks.get(phase, txid).EndorsedTime = endorsedTime
}

func (tks *TimeKeepers) keepBroadcastTime(phase Phase, txid, address string) {
	if tks == nil {
		return
	}
	tks.lock.Lock()
	defer tks.lock.Unlock()

	broadcastTime := time.Now().UnixNano()
	tks.logf("%-10s %d %-6s %s %s", "Broadcast", broadcastTime, phase, txid, address)
	tks.get(phase, txid).BroadcastTime = broadcastTime
}

func (tks *TimeKeepers) keepObservedTime(phase Phase, txid string, code peer.TxValidationCode) {
	if tks == nil {
		return
	}
	tks.lock.Lock()
	defer tks.lock.Unlock()

	observedTime := time.Now().UnixNano()
	tks.logf("%-10s %d %-6s %s %s", "Observed", observedTime, phase, txid, code)
	tks.get(phase, txid).ObservedTime = observedTime
}

// Get returns a copy of the phase's timeline
func (tks *TimeKeepers) Get(phase Phase) (TimeKeeper, bool) {
	if tks == nil {
		return TimeKeeper{}, false
	}
	tks.lock.Lock()
	defer tks.lock.Unlock()

	tk, ok := tks.phases[phase]
	if !ok {
		return TimeKeeper{}, false
	}
	return *tk, true
}

// Events returns the event log lines recorded so far
func (tks *TimeKeepers) Events() []string {
	if tks == nil {
		return nil
	}
	tks.lock.Lock()
	defer tks.lock.Unlock()

	events := make([]string, len(tks.events))
	copy(events, tks.events)
	return events
}

func latency(from, to int64) time.Duration {
	if from == 0 || to < from {
		return 0
	}
	return time.Duration(to - from)
}

// EndorseLatency is the time from sending the proposal to the last response
func (tk TimeKeeper) EndorseLatency() time.Duration {
	return latency(tk.ProposedTime, tk.EndorsedTime)
}

// OrderCommitLatency is the time from broadcasting to observing the commit
func (tk TimeKeeper) OrderCommitLatency() time.Duration {
	return latency(tk.BroadcastTime, tk.ObservedTime)
}

// TotalLatency spans the whole phase; read-only phases end at endorsement
func (tk TimeKeeper) TotalLatency() time.Duration {
	if tk.ObservedTime == 0 {
		return tk.EndorseLatency()
	}
	return latency(tk.ProposedTime, tk.ObservedTime)
}
