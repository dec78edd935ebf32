package exec

import (
	"github.com/pingcap/errors"
)

// TxnIndex is the 0-based position of a transaction in the batch. The
// total order of indices is the sequential execution order the engine
// must reproduce.
type TxnIndex int

// Incarnation counts the re-execution attempts of one transaction. It
// starts at 0 and strictly increases every time a failed validation
// forces a re-execution.
type Incarnation int

// StorageKey is a raw storage key. StorageValue is a raw value; a nil
// StorageValue means the key is absent. Values handed to the engine are
// treated as immutable and may be shared across worker threads.
type (
	StorageKey   = string
	StorageValue = []byte
)

// Version identifies the exact write a read observed: either a
// (transaction index, incarnation) pair, or the base (pre-batch)
// storage state.
type Version struct {
	TxnIdx      TxnIndex
	Incarnation Incarnation
	Base        bool
}

// BaseVersion is the sentinel version for the pre-batch storage state.
func BaseVersion() Version {
	return Version{Base: true}
}

// shiftedIndex maps a transaction index into the version chain key
// space. Slot 0 is reserved for the base value so that it sorts before
// every transaction write.
func shiftedIndex(idx TxnIndex) int {
	return int(idx) + 1
}

// ReadStatus classifies the outcome of a VersionedData fetch.
type ReadStatus int

const (
	// ReadOK means a committed-looking value was found.
	ReadOK ReadStatus = iota
	// ReadDependency means the nearest prior write is an estimate; the
	// caller must wait for the blocking transaction before retrying.
	ReadDependency
	// ReadUninitialized means no entry exists at or below the reading
	// index; the caller must provision the base value first.
	ReadUninitialized
)

// ReadResult is the outcome of fetching a key from VersionedData on
// behalf of a transaction. Dep is only meaningful for ReadDependency.
type ReadResult struct {
	Status  ReadStatus
	Version Version
	Value   StorageValue
	Dep     TxnIndex
}

// KeyValue is one entry of a key-ordered state snapshot.
type KeyValue struct {
	Key   StorageKey
	Value StorageValue
}

// StatusKind tags the outcome of a transaction execution.
type StatusKind int

const (
	// StatusSuccess is a normal execution with a write set.
	StatusSuccess StatusKind = iota
	// StatusSkipRest carries a write set and signals that no
	// transaction after this one may be applied.
	StatusSkipRest
	// StatusAbort is an execution without effects.
	StatusAbort
)

// TransactionOutput is the effect a transaction intends to apply: a
// mapping from every touched key to the value written there. A nil
// value in the write set deletes the key.
type TransactionOutput struct {
	WriteSet map[StorageKey]StorageValue
}

// ExecutionStatus is what the external execution engine returns for one
// transaction. Output is nil iff Kind is StatusAbort.
type ExecutionStatus struct {
	Kind   StatusKind
	Output *TransactionOutput
}

// NewSuccess wraps a write set in a successful execution status.
func NewSuccess(ws map[StorageKey]StorageValue) ExecutionStatus {
	return ExecutionStatus{Kind: StatusSuccess, Output: &TransactionOutput{WriteSet: ws}}
}

// NewSkipRest wraps a write set in a skip-rest execution status.
func NewSkipRest(ws map[StorageKey]StorageValue) ExecutionStatus {
	return ExecutionStatus{Kind: StatusSkipRest, Output: &TransactionOutput{WriteSet: ws}}
}

// NewAbort returns an execution status without effects.
func NewAbort() ExecutionStatus {
	return ExecutionStatus{Kind: StatusAbort}
}

func (s ExecutionStatus) writeSet() map[StorageKey]StorageValue {
	if s.Output == nil {
		return nil
	}
	return s.Output.WriteSet
}

var (
	// ErrInvariant marks a programming-contract violation by a caller of
	// the engine's internals. It is fatal to the batch: the engine halts
	// and signals a sequential fallback.
	ErrInvariant = errors.New("mvcc invariant violation")

	// ErrSpeculative marks an observed read inconsistency attributable
	// to optimistic interleaving. It is recovered internally by bumping
	// the incarnation and re-executing the transaction.
	ErrSpeculative = errors.New("speculative read inconsistency")

	// ErrHalted is returned from blocking operations once the engine has
	// been halted.
	ErrHalted = errors.New("execution halted")

	// ErrSequentialFallback is the batch-level signal that parallel
	// execution could not complete and the caller must re-run the whole
	// batch sequentially through the external engine.
	ErrSequentialFallback = errors.New("parallel execution aborted, sequential fallback required")
)
