package exec

import (
	"runtime"
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/blockstm-go/blockstm/storage"
)

// TransactionExecutor is the external execution engine: given a read
// view for one transaction, it interprets the transaction's logic and
// returns its execution status with the intended write set. The core
// never looks inside transaction semantics.
//
// Implementations must perform every state read through the view and
// return any view error unchanged.
type TransactionExecutor interface {
	Execute(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error)
}

// Options configure a BlockExecutor.
type Options struct {
	// Concurrency is the worker thread count; 0 means GOMAXPROCS.
	Concurrency int
	// Shards is the versioned store shard count; 0 means the default.
	Shards int
	// ModuleKeyPrefix marks the declared-exempt ("module path") key
	// space subject to the batch-wide read/write intersection check.
	// Empty disables the check.
	ModuleKeyPrefix string
}

// TransactionResult is the committed outcome of one transaction, in
// batch order. Transactions skipped because an earlier transaction
// signalled SkipRest carry a nil write set.
type TransactionResult struct {
	Status   StatusKind
	WriteSet map[StorageKey]StorageValue
}

// BlockOutput is the result of a completed parallel batch.
type BlockOutput struct {
	// Results holds one entry per transaction, in the input order.
	Results []TransactionResult
	// State is the key-ordered post-batch state of every touched key.
	State []KeyValue
}

// BlockExecutor runs one batch of ordered transactions in parallel with
// results equivalent to strict sequential execution. It is single-use:
// one instance executes one batch.
type BlockExecutor struct {
	concurrency int
	blockSize   int
	vm          TransactionExecutor
	data        *VersionedData
	sched       *Scheduler
	ledger      *TxnInputOutput
	backend     storage.Backend
}

// NewBlockExecutor creates an executor for a batch of blockSize
// transactions, reading base state from backend and interpreting
// transactions through vm.
func NewBlockExecutor(vm TransactionExecutor, backend storage.Backend, blockSize int, opts Options) *BlockExecutor {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &BlockExecutor{
		concurrency: concurrency,
		blockSize:   blockSize,
		vm:          vm,
		data:        NewVersionedData(blockSize, opts.Shards),
		sched:       NewScheduler(blockSize, concurrency),
		ledger:      NewTxnInputOutput(blockSize, opts.ModuleKeyPrefix),
		backend:     backend,
	}
}

// ExecuteBlock runs the batch to completion and drains the committed
// outputs in input order. On any unrecoverable condition it returns an
// error wrapping ErrSequentialFallback with a diagnostic; the caller
// must then re-run the whole batch sequentially through the external
// engine. No partial result is ever returned.
func (e *BlockExecutor) ExecuteBlock() (*BlockOutput, error) {
	var wg sync.WaitGroup
	for i := 0; i < e.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.runWorker(worker)
		}(i)
	}
	wg.Wait()

	if e.sched.Halted() {
		return nil, errors.Annotatef(ErrSequentialFallback, "%s", e.sched.HaltReason())
	}
	return e.drain()
}

// runWorker is the worker loop: it keeps asking the scheduler for work
// and chains returned follow-up tasks until the batch is done or
// halted. Any error escalates to a global halt.
func (e *BlockExecutor) runWorker(worker int) {
	var task *Task
	for {
		if task != nil {
			var err error
			switch task.Kind {
			case TaskExecute:
				task, err = e.tryExecute(task.Version)
			case TaskValidate:
				task, err = e.tryValidate(task.Version)
			}
			if err != nil {
				log.Errorf("worker %d: %v", worker, err)
				e.sched.Halt(err.Error())
				task = nil
			}
		}
		if task == nil {
			task = e.sched.NextTask()
		}
		if task == nil {
			if e.sched.Done() {
				return
			}
			runtime.Gosched()
		}
	}
}

func (e *BlockExecutor) tryExecute(version Version) (*Task, error) {
	view := newExecutionView(version.TxnIdx, e.data, e.sched, e.backend)
	status, err := e.vm.Execute(view, version.TxnIdx)
	switch {
	case err == nil:
		if status.Kind != StatusAbort && status.Output == nil {
			return nil, errors.Annotatef(ErrInvariant, "txn %d: non-abort status without output", version.TxnIdx)
		}
	case errors.Cause(err) == ErrHalted:
		return nil, nil
	case errors.Cause(err) == ErrSpeculative:
		// An expected casualty of optimistic interleaving: record the
		// attempt as effect-free, validation will fail it and retry.
		log.Debugf("txn %d incarnation %d: speculative abort: %v", version.TxnIdx, version.Incarnation, err)
		status = NewAbort()
	default:
		return nil, err
	}
	if view.reads.IncorrectUse() {
		return nil, errors.Annotatef(ErrInvariant, "txn %d: captured-reads contract violated", version.TxnIdx)
	}

	changedKeys, err := e.data.ApplyWriteSet(version, status.writeSet())
	if err != nil {
		return nil, err
	}
	if !e.ledger.Record(version.TxnIdx, view.reads, status) {
		return nil, errors.Annotatef(ErrSequentialFallback,
			"module-path read/write intersection detected at txn %d", version.TxnIdx)
	}
	return e.sched.FinishExecution(version, changedKeys)
}

func (e *BlockExecutor) tryValidate(version Version) (*Task, error) {
	reads := e.ledger.ReadSet(version.TxnIdx)
	valid := reads != nil && reads.Validate(e.data, version.TxnIdx)
	aborted := !valid && e.sched.TryValidationAbort(version)
	if aborted {
		if err := e.data.ConvertWritesToEstimates(version.TxnIdx); err != nil {
			return nil, err
		}
	}
	return e.sched.FinishValidation(version, aborted), nil
}

// drain consumes the committed outputs in order. The first SkipRest
// seals the batch: later Success outputs are converted to SkipRest in
// the ledger and their writes are excluded from the final state.
func (e *BlockExecutor) drain() (*BlockOutput, error) {
	results := make([]TransactionResult, 0, e.blockSize)
	skipping := false
	limit := TxnIndex(e.blockSize)
	for idx := TxnIndex(0); int(idx) < e.blockSize; idx++ {
		if skipping {
			out := e.ledger.Output(idx)
			if out != nil && out.Status().Kind == StatusSuccess {
				if err := e.ledger.UpdateToSkipRest(idx); err != nil {
					return nil, errors.Annotatef(ErrSequentialFallback, "drain: %v", err)
				}
			}
		}
		status, err := e.ledger.TakeOutput(idx)
		if err != nil {
			return nil, errors.Annotatef(ErrSequentialFallback, "drain: %v", err)
		}
		switch {
		case status.Kind == StatusAbort:
			results = append(results, TransactionResult{Status: StatusAbort})
		case skipping:
			results = append(results, TransactionResult{Status: StatusSkipRest})
		default:
			results = append(results, TransactionResult{Status: status.Kind, WriteSet: status.writeSet()})
		}
		if !skipping && status.Kind == StatusSkipRest {
			skipping = true
			limit = idx + 1
		}
	}
	log.Debugf("parallel batch of %d transactions committed, %d committed prefix", e.blockSize, e.sched.CommittedPrefix())
	return &BlockOutput{Results: results, State: e.data.Snapshot(limit)}, nil
}
