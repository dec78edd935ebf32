package exec

import (
	"github.com/pingcap/errors"

	"github.com/blockstm-go/blockstm/storage"
)

// ExecutionView is one worker thread's view into the state for a single
// transaction execution attempt. Reads resolve, in order, from the
// attempt's own captured reads, then from the versioned store, then
// from the base-state backend (provisioning the base value on first
// touch). A read that lands on an estimate blocks on the writing
// transaction via the scheduler.
//
// The external execution engine performs all its reads through a view
// and must propagate any error unchanged: ErrHalted and ErrSpeculative
// end the attempt, anything else is fatal to the batch.
type ExecutionView struct {
	txnIdx  TxnIndex
	data    *VersionedData
	sched   *Scheduler
	backend storage.Backend
	reads   *CapturedReads
}

func newExecutionView(txnIdx TxnIndex, data *VersionedData, sched *Scheduler, backend storage.Backend) *ExecutionView {
	return &ExecutionView{
		txnIdx:  txnIdx,
		data:    data,
		sched:   sched,
		backend: backend,
		reads:   NewCapturedReads(),
	}
}

// TxnIndex returns the index of the transaction this view serves.
func (v *ExecutionView) TxnIndex() TxnIndex {
	return v.txnIdx
}

// Get returns the value of key as observed by this transaction, or nil
// when the key is absent.
func (v *ExecutionView) Get(key StorageKey) (StorageValue, error) {
	if r, ok := v.reads.GetByKind(key, KindValue); ok {
		return r.Value, nil
	}
	res, err := v.resolve(key)
	if err != nil {
		return nil, err
	}
	if cerr := v.reads.CaptureRead(key, VersionedRead(res.Version, res.Value)); cerr != nil {
		return nil, cerr
	}
	return res.Value, nil
}

// Exists reports whether key holds a value as observed by this
// transaction.
func (v *ExecutionView) Exists(key StorageKey) (bool, error) {
	if r, ok := v.reads.GetByKind(key, KindExists); ok {
		return r.Exists, nil
	}
	res, err := v.resolve(key)
	if err != nil {
		return false, err
	}
	exists := res.Value != nil
	if cerr := v.reads.CaptureRead(key, ExistsRead(exists)); cerr != nil {
		return false, cerr
	}
	return exists, nil
}

// resolve fetches key from the versioned store, waiting out
// dependencies and provisioning the base value as needed.
func (v *ExecutionView) resolve(key StorageKey) (ReadResult, error) {
	for {
		res := v.data.Fetch(key, v.txnIdx)
		switch res.Status {
		case ReadOK:
			return res, nil
		case ReadDependency:
			switch v.sched.WaitForDependency(v.txnIdx, res.Dep) {
			case DependencyHalted:
				return ReadResult{}, errors.Trace(ErrHalted)
			case DependencyBackoff:
				v.reads.MarkFailure()
				return ReadResult{}, errors.Annotatef(ErrSpeculative,
					"txn %d blocked on txn %d with no runnable worker left", v.txnIdx, res.Dep)
			}
			// Resolved: the blocking incarnation finished, retry.
		case ReadUninitialized:
			value, err := v.backend.Get(key)
			if err != nil {
				return ReadResult{}, errors.Annotatef(err, "base value for key %q", key)
			}
			if perr := v.data.ProvideBaseValue(key, value); perr != nil {
				return ReadResult{}, perr
			}
		}
	}
}
