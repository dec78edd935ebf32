package exec

import (
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/blockstm-go/blockstm/util/txnwaiter"
)

// TaskKind distinguishes the two kinds of work the scheduler hands out.
type TaskKind int

const (
	TaskExecute TaskKind = iota
	TaskValidate
)

// Task is one unit of work assigned to a worker thread.
type Task struct {
	Kind    TaskKind
	Version Version
}

// DependencyOutcome is the result of a blocking dependency wait.
type DependencyOutcome int

const (
	// DependencyResolved: the blocking transaction's current incarnation
	// finished executing; the caller may retry its read.
	DependencyResolved DependencyOutcome = iota
	// DependencyHalted: the engine was halted while waiting.
	DependencyHalted
	// DependencyBackoff: blocking would have parked the last runnable
	// worker, starving the dependency of the thread that must re-execute
	// it. The caller must treat the read as a speculative failure
	// instead of waiting.
	DependencyBackoff
)

const (
	statusPendingExecution = iota
	statusExecuting
	statusExecuted
	statusAborting
)

type txnState struct {
	sync.Mutex
	status      int
	incarnation Incarnation
	validating  bool
	committed   bool
}

// Scheduler coordinates the worker threads of one batch: it assigns
// execution and validation tasks (lowest-index validation first),
// tracks per-transaction state and incarnation, drives abort and
// retry, parks threads blocked on dependencies, and detects both
// termination and global halt.
type Scheduler struct {
	blockSize   int
	concurrency int

	doneMarker atomic.Bool
	halted     atomic.Bool

	executionIndex  atomic.Int32
	validationIndex atomic.Int32
	numActiveTasks  atomic.Int32
	decreaseCount   atomic.Int32
	numWaiting      atomic.Int32
	commitCursor    atomic.Int32

	states  []*txnState
	waiters *txnwaiter.Manager

	haltMu     sync.Mutex
	haltReason string
}

// NewScheduler creates a scheduler for blockSize transactions executed
// by concurrency workers.
func NewScheduler(blockSize, concurrency int) *Scheduler {
	states := make([]*txnState, blockSize)
	for i := range states {
		states[i] = &txnState{}
	}
	return &Scheduler{
		blockSize:   blockSize,
		concurrency: concurrency,
		states:      states,
		waiters:     txnwaiter.NewManager(),
	}
}

// Done reports whether every transaction is committed or the engine is
// halted.
func (s *Scheduler) Done() bool {
	return s.doneMarker.Load() || s.halted.Load()
}

// Halted reports whether a global halt was signalled.
func (s *Scheduler) Halted() bool {
	return s.halted.Load()
}

// HaltReason returns the diagnostic recorded by the first Halt call.
func (s *Scheduler) HaltReason() string {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	return s.haltReason
}

// Halt signals an unrecoverable condition. All blocked waiters are
// released promptly with a halted outcome; the first reason recorded
// wins.
func (s *Scheduler) Halt(reason string) {
	if s.halted.CompareAndSwap(false, true) {
		s.haltMu.Lock()
		s.haltReason = reason
		s.haltMu.Unlock()
		log.Warnf("scheduler: halting parallel execution: %s", reason)
	}
	s.waiters.WakeUpAll()
}

// NextTask hands out work: the lowest-indexed pending validation if one
// is behind the execution frontier, otherwise the lowest-indexed
// pending execution. A nil task with Done() false means the worker
// should retry shortly.
func (s *Scheduler) NextTask() *Task {
	if s.halted.Load() {
		return nil
	}
	if s.validationIndex.Load() < s.executionIndex.Load() {
		if version := s.nextVersionToValidate(); version != nil {
			return &Task{Kind: TaskValidate, Version: *version}
		}
	} else {
		if version := s.nextVersionToExecute(); version != nil {
			return &Task{Kind: TaskExecute, Version: *version}
		}
	}
	return nil
}

// WaitForDependency blocks the calling worker until depIdx's current
// incarnation finishes executing, or the engine halts. The waiter is
// registered before the predicate is re-checked under depIdx's state
// lock, so a wake between check and sleep cannot be missed. When every
// other worker is already parked the call refuses to block and returns
// DependencyBackoff.
func (s *Scheduler) WaitForDependency(txnIdx, depIdx TxnIndex) DependencyOutcome {
	if s.halted.Load() {
		return DependencyHalted
	}
	if int(s.numWaiting.Inc()) >= s.concurrency {
		s.numWaiting.Dec()
		log.Debugf("scheduler: txn %d not parking on txn %d, no runnable worker would remain", txnIdx, depIdx)
		return DependencyBackoff
	}

	w := s.waiters.NewWaiter(int(depIdx))
	st := s.states[depIdx]
	st.Lock()
	executed := st.status == statusExecuted
	st.Unlock()
	if executed {
		s.waiters.Cancel(w)
		s.numWaiting.Dec()
		if s.halted.Load() {
			return DependencyHalted
		}
		return DependencyResolved
	}

	res := w.Wait()
	s.numWaiting.Dec()
	if res.Halted {
		return DependencyHalted
	}
	return DependencyResolved
}

// FinishExecution transitions txnIdx from Executing to Executed, wakes
// its dependency waiters, and schedules validation: when the write-set
// key set changed, the validation cursor is rewound so that this and
// every higher transaction get revalidated; otherwise the validation
// task for this transaction is handed straight back to the caller.
func (s *Scheduler) FinishExecution(version Version, changedKeys bool) (*Task, error) {
	st := s.states[version.TxnIdx]
	st.Lock()
	if st.status != statusExecuting {
		st.Unlock()
		return nil, errors.Annotatef(ErrInvariant, "finish_execution: txn %d is not executing", version.TxnIdx)
	}
	st.status = statusExecuted
	// The validating slot is claimed atomically with the transition, so
	// a concurrent cursor claim can never assign a second validator for
	// this index while the direct task is outstanding.
	direct := !changedKeys && s.validationIndex.Load() > int32(version.TxnIdx)
	if direct {
		st.validating = true
	}
	st.Unlock()

	s.waiters.WakeUp(int(version.TxnIdx))

	if direct {
		return &Task{Kind: TaskValidate, Version: version}, nil
	}
	if changedKeys && s.validationIndex.Load() > int32(version.TxnIdx) {
		s.decreaseValidationIndex(version.TxnIdx)
	}
	s.numActiveTasks.Dec()
	return nil, nil
}

// TryValidationAbort claims the right to abort version. Only one
// validator can win per incarnation; the winner must convert the
// transaction's writes to estimates before calling FinishValidation.
func (s *Scheduler) TryValidationAbort(version Version) bool {
	st := s.states[version.TxnIdx]
	st.Lock()
	defer st.Unlock()
	if st.incarnation == version.Incarnation && st.status == statusExecuted {
		st.status = statusAborting
		return true
	}
	return false
}

// FinishValidation completes a validation task. A version whose
// incarnation is no longer current is stale and has no effect on the
// transaction's state. On success the transaction is committed (subject
// to later rewinds). On abort the incarnation is bumped, the
// transaction goes back to pending execution, higher transactions are
// rescheduled for validation, and when possible the re-execution task
// is handed straight back to the caller.
func (s *Scheduler) FinishValidation(version Version, aborted bool) *Task {
	st := s.states[version.TxnIdx]
	st.Lock()
	if st.incarnation != version.Incarnation {
		st.Unlock()
		s.numActiveTasks.Dec()
		return nil
	}
	st.validating = false
	if !aborted && st.status == statusExecuted {
		st.committed = true
	}
	st.Unlock()

	if aborted {
		s.setReadyStatus(version.TxnIdx)
		s.decreaseValidationIndex(version.TxnIdx + 1)
		if s.executionIndex.Load() > int32(version.TxnIdx) {
			if v := s.tryIncarnation(version.TxnIdx); v != nil {
				return &Task{Kind: TaskExecute, Version: *v}
			}
			// tryIncarnation released the active task slot already.
			return nil
		}
	} else {
		s.tryAdvanceCommitCursor()
	}
	s.numActiveTasks.Dec()
	return nil
}

// CommittedPrefix returns the monotone lowest-uncommitted cursor: every
// transaction below it has passed validation.
func (s *Scheduler) CommittedPrefix() TxnIndex {
	return TxnIndex(s.commitCursor.Load())
}

func (s *Scheduler) setReadyStatus(txnIdx TxnIndex) {
	st := s.states[txnIdx]
	st.Lock()
	st.incarnation++
	st.status = statusPendingExecution
	st.committed = false
	st.Unlock()
}

func (s *Scheduler) tryIncarnation(txnIdx TxnIndex) *Version {
	if int(txnIdx) < s.blockSize {
		st := s.states[txnIdx]
		st.Lock()
		if st.status == statusPendingExecution {
			st.status = statusExecuting
			version := Version{TxnIdx: txnIdx, Incarnation: st.incarnation}
			st.Unlock()
			return &version
		}
		st.Unlock()
	}
	s.numActiveTasks.Dec()
	return nil
}

func (s *Scheduler) nextVersionToExecute() *Version {
	if s.executionIndex.Load() >= int32(s.blockSize) {
		s.checkDone()
		return nil
	}
	s.numActiveTasks.Inc()
	idx := s.executionIndex.Inc() - 1
	if idx >= int32(s.blockSize) {
		s.numActiveTasks.Dec()
		return nil
	}
	return s.tryIncarnation(TxnIndex(idx))
}

func (s *Scheduler) nextVersionToValidate() *Version {
	if s.validationIndex.Load() >= int32(s.blockSize) {
		s.checkDone()
		return nil
	}
	s.numActiveTasks.Inc()
	idx := s.validationIndex.Inc() - 1
	if idx < int32(s.blockSize) {
		st := s.states[idx]
		st.Lock()
		if st.status == statusExecuted && !st.validating {
			st.validating = true
			version := Version{TxnIdx: TxnIndex(idx), Incarnation: st.incarnation}
			st.Unlock()
			return &version
		}
		busy := st.status == statusExecuted && st.validating
		st.Unlock()
		if busy {
			// Someone is validating this index right now; push the cursor
			// back so the index is revisited once they finish, in case a
			// rewind happened after their validation began.
			s.decreaseValidationIndex(TxnIndex(idx))
		}
	}
	s.numActiveTasks.Dec()
	return nil
}

func (s *Scheduler) decreaseValidationIndex(txnIdx TxnIndex) {
	target := int32(txnIdx)
	for {
		cur := s.validationIndex.Load()
		if cur <= target || s.validationIndex.CompareAndSwap(cur, target) {
			break
		}
	}
	s.decreaseCount.Inc()
}

func (s *Scheduler) tryAdvanceCommitCursor() {
	for {
		cur := s.commitCursor.Load()
		if int(cur) >= s.blockSize {
			return
		}
		st := s.states[cur]
		st.Lock()
		committed := st.committed
		st.Unlock()
		if !committed || !s.commitCursor.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// checkDone sets the done marker once both cursors are past the end, no
// task is in flight, and no rewind happened while we looked.
func (s *Scheduler) checkDone() {
	observed := s.decreaseCount.Load()
	if s.executionIndex.Load() >= int32(s.blockSize) &&
		s.validationIndex.Load() >= int32(s.blockSize) &&
		s.numActiveTasks.Load() == 0 &&
		observed == s.decreaseCount.Load() {
		s.tryAdvanceCommitCursor()
		s.doneMarker.Store(true)
	}
}
