package exec

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pingcap/errors"
)

// TxnOutput is an immutable snapshot of one execution attempt's
// outcome, as recorded in the ledger.
type TxnOutput struct {
	status ExecutionStatus
}

// Status returns the recorded execution status.
func (o *TxnOutput) Status() ExecutionStatus {
	return o.status
}

// TxnInputOutput is the transaction ledger: a fixed-size, index-
// addressed store of the last recorded (read set, output) pair per
// transaction. Each slot is an independently and atomically replaceable
// snapshot, so a re-execution can record fresh results while earlier
// readers keep the snapshot they already obtained.
//
// The ledger also owns the module-path intersection check: when a key
// under the configured module prefix is both read and written anywhere
// in the batch, parallel execution cannot be trusted and the batch must
// fall back to sequential execution. The check follows the flags
// principle: a recording first publishes its own side, then tests the
// opposite set, so an intersection is never missed by two racing
// recordings.
type TxnInputOutput struct {
	inputs  []atomic.Pointer[CapturedReads]
	outputs []atomic.Pointer[TxnOutput]

	modulePrefix   string
	mu             sync.Mutex
	moduleReads    map[StorageKey]struct{}
	moduleWrites   map[StorageKey]struct{}
	moduleConflict atomic.Bool
}

// NewTxnInputOutput creates a ledger for numTxns transactions. An empty
// modulePrefix disables the intersection check.
func NewTxnInputOutput(numTxns int, modulePrefix string) *TxnInputOutput {
	return &TxnInputOutput{
		inputs:       make([]atomic.Pointer[CapturedReads], numTxns),
		outputs:      make([]atomic.Pointer[TxnOutput], numTxns),
		modulePrefix: modulePrefix,
		moduleReads:  make(map[StorageKey]struct{}),
		moduleWrites: make(map[StorageKey]struct{}),
	}
}

// Record replaces both slots for txnIdx with fresh snapshots. It
// returns false when a module-path read/write intersection was
// detected, in which case the caller must halt and fall back to
// sequential execution.
func (t *TxnInputOutput) Record(txnIdx TxnIndex, input *CapturedReads, status ExecutionStatus) bool {
	t.inputs[txnIdx].Store(input)
	t.outputs[txnIdx].Store(&TxnOutput{status: status})

	if t.modulePrefix == "" {
		return true
	}
	var readKeys, writeKeys []StorageKey
	for _, key := range input.Keys() {
		if strings.HasPrefix(key, t.modulePrefix) {
			readKeys = append(readKeys, key)
		}
	}
	for key := range status.writeSet() {
		if strings.HasPrefix(key, t.modulePrefix) {
			writeKeys = append(writeKeys, key)
		}
	}
	if len(readKeys) == 0 && len(writeKeys) == 0 {
		return true
	}

	conflict := false
	t.mu.Lock()
	for _, key := range readKeys {
		t.moduleReads[key] = struct{}{}
	}
	for _, key := range writeKeys {
		t.moduleWrites[key] = struct{}{}
	}
	for _, key := range readKeys {
		if _, ok := t.moduleWrites[key]; ok {
			conflict = true
		}
	}
	for _, key := range writeKeys {
		if _, ok := t.moduleReads[key]; ok {
			conflict = true
		}
	}
	t.mu.Unlock()

	if conflict {
		t.moduleConflict.Store(true)
		return false
	}
	return true
}

// ReadSet returns the current read-set snapshot for txnIdx, or nil if
// the transaction was never executed.
func (t *TxnInputOutput) ReadSet(txnIdx TxnIndex) *CapturedReads {
	return t.inputs[txnIdx].Load()
}

// Output returns the current output snapshot for txnIdx, or nil if the
// transaction was never executed.
func (t *TxnInputOutput) Output(txnIdx TxnIndex) *TxnOutput {
	return t.outputs[txnIdx].Load()
}

// BlockSkipsRestAt reports whether the current output of txnIdx is
// SkipRest.
func (t *TxnInputOutput) BlockSkipsRestAt(txnIdx TxnIndex) bool {
	out := t.outputs[txnIdx].Load()
	return out != nil && out.status.Kind == StatusSkipRest
}

// UpdateToSkipRest converts a Success output in place into SkipRest.
// Any other current output is an invariant violation.
func (t *TxnInputOutput) UpdateToSkipRest(txnIdx TxnIndex) error {
	out := t.outputs[txnIdx].Load()
	if out == nil || out.status.Kind != StatusSuccess {
		return errors.Annotatef(ErrInvariant, "update_to_skip_rest: txn %d output is not Success", txnIdx)
	}
	t.outputs[txnIdx].Store(&TxnOutput{status: ExecutionStatus{Kind: StatusSkipRest, Output: out.status.Output}})
	return nil
}

// ModifiedKeys returns the keys of txnIdx's current write set, or nil
// when the output is absent or Abort.
func (t *TxnInputOutput) ModifiedKeys(txnIdx TxnIndex) []StorageKey {
	out := t.outputs[txnIdx].Load()
	if out == nil || out.status.Kind == StatusAbort {
		return nil
	}
	ws := out.status.writeSet()
	keys := make([]StorageKey, 0, len(ws))
	for key := range ws {
		keys = append(keys, key)
	}
	return keys
}

// TakeOutput consumes and removes the output slot for txnIdx. It may
// only be called once per index, after all validators of the index have
// finished; a second take is an invariant violation.
func (t *TxnInputOutput) TakeOutput(txnIdx TxnIndex) (ExecutionStatus, error) {
	out := t.outputs[txnIdx].Swap(nil)
	if out == nil {
		return ExecutionStatus{}, errors.Annotatef(ErrInvariant,
			"take_output: txn %d output already taken or never recorded", txnIdx)
	}
	return out.status, nil
}

// ModuleConflictDetected reports whether any module-path read/write
// intersection was observed over the whole batch.
func (t *TxnInputOutput) ModuleConflictDetected() bool {
	return t.moduleConflict.Load()
}
