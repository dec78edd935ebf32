package exec

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/blockstm-go/blockstm/storage"
)

type vmFunc func(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error)

func (f vmFunc) Execute(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error) {
	return f(view, txnIdx)
}

func encodeUint(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func TestExecuteBlockIndependent(t *testing.T) {
	backend := storage.NewMemBackend()
	n := 8
	vm := vmFunc(func(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error) {
		key := fmt.Sprintf("k%d", txnIdx)
		return NewSuccess(map[StorageKey]StorageValue{key: encodeUint(uint64(txnIdx))}), nil
	})

	out, err := NewBlockExecutor(vm, backend, n, Options{Concurrency: 4}).ExecuteBlock()
	require.NoError(t, err)
	require.Len(t, out.Results, n)
	for i, res := range out.Results {
		require.Equal(t, StatusSuccess, res.Status)
		require.Len(t, res.WriteSet, 1)
		require.Equal(t, uint64(i), decodeUint(res.WriteSet[fmt.Sprintf("k%d", i)]))
	}
	require.Len(t, out.State, n)
}

func TestExecuteBlockDependencyChain(t *testing.T) {
	// Every transaction increments the same counter; the result must be
	// the strict sequential one regardless of interleaving.
	backend := storage.NewMemBackend()
	backend.Put("ctr", encodeUint(0))
	n := 50
	vm := vmFunc(func(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error) {
		cur, err := view.Get("ctr")
		if err != nil {
			return ExecutionStatus{}, err
		}
		return NewSuccess(map[StorageKey]StorageValue{"ctr": encodeUint(decodeUint(cur) + 1)}), nil
	})

	for _, concurrency := range []int{1, 2, 8} {
		out, err := NewBlockExecutor(vm, backend, n, Options{Concurrency: concurrency}).ExecuteBlock()
		require.NoError(t, err)
		require.Len(t, out.Results, n)
		for i, res := range out.Results {
			require.Equal(t, uint64(i+1), decodeUint(res.WriteSet["ctr"]))
		}
		require.Equal(t, []KeyValue{{Key: "ctr", Value: encodeUint(uint64(n))}}, out.State)
	}
}

func TestSpeculativeBaseReadInvalidatedByCommit(t *testing.T) {
	// txn2 reads k before the writes of txn0 (k=1) and txn1 (k=2) land:
	// its captured base read must fail validation, and the re-execution
	// must observe txn1's value.
	backend := storage.NewMemBackend()
	backend.Put("k", encodeUint(0))
	vd := NewVersionedData(3, 4)
	sched := NewScheduler(3, 2)

	view2 := newExecutionView(2, vd, sched, backend)
	val, err := view2.Get("k")
	require.NoError(t, err)
	require.Equal(t, uint64(0), decodeUint(val))

	_, err = vd.ApplyWriteSet(Version{TxnIdx: 0}, map[StorageKey]StorageValue{"k": encodeUint(1)})
	require.NoError(t, err)
	_, err = vd.ApplyWriteSet(Version{TxnIdx: 1}, map[StorageKey]StorageValue{"k": encodeUint(2)})
	require.NoError(t, err)

	require.False(t, view2.reads.Validate(vd, 2))

	fresh := newExecutionView(2, vd, sched, backend)
	val, err = fresh.Get("k")
	require.NoError(t, err)
	require.Equal(t, uint64(2), decodeUint(val))
	require.True(t, fresh.reads.Validate(vd, 2))
}

func TestExecuteBlockReadWriteChain(t *testing.T) {
	// txn0 writes k=1, txn1 reads k and writes k+1, txn2 records the k
	// it observed. Whatever txn2 read speculatively, its committed
	// output must reflect txn1's write.
	backend := storage.NewMemBackend()
	backend.Put("k", encodeUint(0))
	vm := vmFunc(func(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error) {
		switch txnIdx {
		case 0:
			return NewSuccess(map[StorageKey]StorageValue{"k": encodeUint(1)}), nil
		case 1:
			cur, err := view.Get("k")
			if err != nil {
				return ExecutionStatus{}, err
			}
			return NewSuccess(map[StorageKey]StorageValue{"k": encodeUint(decodeUint(cur) + 1)}), nil
		default:
			cur, err := view.Get("k")
			if err != nil {
				return ExecutionStatus{}, err
			}
			return NewSuccess(map[StorageKey]StorageValue{"observed": cur}), nil
		}
	})

	for _, concurrency := range []int{1, 2, 3} {
		out, err := NewBlockExecutor(vm, backend, 3, Options{Concurrency: concurrency}).ExecuteBlock()
		require.NoError(t, err, "concurrency %d", concurrency)
		for i, res := range out.Results {
			require.Equal(t, StatusSuccess, res.Status, "concurrency %d txn %d", concurrency, i)
		}
		require.Equal(t, uint64(1), decodeUint(out.Results[0].WriteSet["k"]))
		require.Equal(t, uint64(2), decodeUint(out.Results[1].WriteSet["k"]))
		require.Equal(t, uint64(2), decodeUint(out.Results[2].WriteSet["observed"]))
		require.Equal(t, []KeyValue{
			{Key: "k", Value: encodeUint(2)},
			{Key: "observed", Value: encodeUint(2)},
		}, out.State)
	}
}

func TestExecuteBlockSkipRest(t *testing.T) {
	backend := storage.NewMemBackend()
	n := 6
	skipAt := TxnIndex(2)
	vm := vmFunc(func(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error) {
		ws := map[StorageKey]StorageValue{fmt.Sprintf("k%d", txnIdx): []byte("v")}
		if txnIdx == skipAt {
			return NewSkipRest(ws), nil
		}
		return NewSuccess(ws), nil
	})

	out, err := NewBlockExecutor(vm, backend, n, Options{Concurrency: 4}).ExecuteBlock()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, out.Results[0].Status)
	require.Equal(t, StatusSuccess, out.Results[1].Status)
	require.Equal(t, StatusSkipRest, out.Results[2].Status)
	require.NotNil(t, out.Results[2].WriteSet)
	for i := 3; i < n; i++ {
		require.Equal(t, StatusSkipRest, out.Results[i].Status)
		require.Nil(t, out.Results[i].WriteSet)
	}

	// The skipping transaction's own writes are applied; later ones not.
	require.Equal(t, []KeyValue{
		{Key: "k0", Value: []byte("v")},
		{Key: "k1", Value: []byte("v")},
		{Key: "k2", Value: []byte("v")},
	}, out.State)
}

func TestExecuteBlockAbort(t *testing.T) {
	backend := storage.NewMemBackend()
	n := 4
	vm := vmFunc(func(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error) {
		if txnIdx == 1 {
			return NewAbort(), nil
		}
		return NewSuccess(map[StorageKey]StorageValue{fmt.Sprintf("k%d", txnIdx): []byte("v")}), nil
	})

	out, err := NewBlockExecutor(vm, backend, n, Options{Concurrency: 2}).ExecuteBlock()
	require.NoError(t, err)
	require.Equal(t, StatusAbort, out.Results[1].Status)
	require.Nil(t, out.Results[1].WriteSet)
	require.Len(t, out.State, 3)
}

func TestExecuteBlockEmpty(t *testing.T) {
	out, err := NewBlockExecutor(vmFunc(nil), storage.NewMemBackend(), 0, Options{Concurrency: 2}).ExecuteBlock()
	require.NoError(t, err)
	require.Empty(t, out.Results)
	require.Empty(t, out.State)
}

func TestExecuteBlockVMError(t *testing.T) {
	vm := vmFunc(func(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error) {
		if txnIdx == 2 {
			return ExecutionStatus{}, errors.New("engine blew up")
		}
		return NewSuccess(map[StorageKey]StorageValue{"k": []byte("v")}), nil
	})

	_, err := NewBlockExecutor(vm, storage.NewMemBackend(), 4, Options{Concurrency: 2}).ExecuteBlock()
	require.Error(t, err)
	require.Equal(t, ErrSequentialFallback, errors.Cause(err))
}

func TestExecuteBlockModuleConflict(t *testing.T) {
	backend := storage.NewMemBackend()
	backend.Put("mod/code", []byte("bytecode"))
	vm := vmFunc(func(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error) {
		if txnIdx == 0 {
			if _, err := view.Get("mod/code"); err != nil {
				return ExecutionStatus{}, err
			}
			return NewSuccess(map[StorageKey]StorageValue{"plain": []byte("v")}), nil
		}
		return NewSuccess(map[StorageKey]StorageValue{"mod/code": []byte("patched")}), nil
	})

	_, err := NewBlockExecutor(vm, backend, 2, Options{Concurrency: 2, ModuleKeyPrefix: "mod/"}).ExecuteBlock()
	require.Error(t, err)
	require.Equal(t, ErrSequentialFallback, errors.Cause(err))
}

type refTransfer struct {
	from, to string
	amount   uint64
}

func TestExecuteBlockRandomizedEquivalence(t *testing.T) {
	const (
		numTxns     = 300
		numAccounts = 16
		balance     = 500
	)
	rng := rand.New(rand.NewSource(42))
	acct := func(i int) string { return fmt.Sprintf("acct%02d", i) }

	txns := make([]refTransfer, numTxns)
	for i := range txns {
		txns[i] = refTransfer{
			from:   acct(rng.Intn(numAccounts)),
			to:     acct(rng.Intn(numAccounts)),
			amount: uint64(rng.Intn(200)),
		}
	}

	backend := storage.NewMemBackend()
	for i := 0; i < numAccounts; i++ {
		backend.Put(acct(i), encodeUint(balance))
	}

	// Reference: strict in-order execution over a plain overlay.
	refState := make(map[string]uint64)
	refStatus := make([]StatusKind, numTxns)
	get := func(key string) uint64 {
		if v, ok := refState[key]; ok {
			return v
		}
		v, _ := backend.Get(key)
		return decodeUint(v)
	}
	for i, tr := range txns {
		from, to := get(tr.from), get(tr.to)
		if from < tr.amount {
			refStatus[i] = StatusAbort
			continue
		}
		refState[tr.from] = from - tr.amount
		refState[tr.to] = to + tr.amount
		refStatus[i] = StatusSuccess
	}

	vm := vmFunc(func(view *ExecutionView, txnIdx TxnIndex) (ExecutionStatus, error) {
		tr := txns[txnIdx]
		fromVal, err := view.Get(tr.from)
		if err != nil {
			return ExecutionStatus{}, err
		}
		toVal, err := view.Get(tr.to)
		if err != nil {
			return ExecutionStatus{}, err
		}
		from, to := decodeUint(fromVal), decodeUint(toVal)
		if from < tr.amount {
			return NewAbort(), nil
		}
		return NewSuccess(map[StorageKey]StorageValue{
			tr.from: encodeUint(from - tr.amount),
			tr.to:   encodeUint(to + tr.amount),
		}), nil
	})

	for _, concurrency := range []int{1, 2, 4, 8} {
		out, err := NewBlockExecutor(vm, backend, numTxns, Options{Concurrency: concurrency}).ExecuteBlock()
		require.NoError(t, err, "concurrency %d", concurrency)
		require.Len(t, out.Results, numTxns)
		for i, res := range out.Results {
			require.Equal(t, refStatus[i], res.Status, "concurrency %d txn %d", concurrency, i)
		}
		for _, kv := range out.State {
			want, ok := refState[kv.Key]
			if !ok {
				// Provisioned but never overwritten: still the base value.
				want = balance
			}
			require.Equal(t, want, decodeUint(kv.Value), "concurrency %d key %s", concurrency, kv.Key)
		}
	}
}

func TestViewCapturesAndDowncasts(t *testing.T) {
	backend := storage.NewMemBackend()
	backend.Put("k", []byte("v"))
	vd := NewVersionedData(4, 4)
	sched := NewScheduler(4, 2)

	view := newExecutionView(2, vd, sched, backend)
	val, err := view.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), []byte(val))

	// The existence answer is served from the captured value read.
	exists, err := view.Exists("k")
	require.NoError(t, err)
	require.True(t, exists)
	require.False(t, view.reads.IncorrectUse())

	// Absent keys read as nil and capture as non-existent.
	val, err = view.Get("missing")
	require.NoError(t, err)
	require.Nil(t, val)
	exists, err = view.Exists("missing")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestViewSeesLowerWrites(t *testing.T) {
	backend := storage.NewMemBackend()
	backend.Put("k", []byte("base"))
	vd := NewVersionedData(4, 4)
	sched := NewScheduler(4, 2)
	require.NoError(t, vd.Write("k", 1, 0, []byte("w1")))

	val, err := newExecutionView(3, vd, sched, backend).Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("w1"), []byte(val))

	// A view below the write still resolves the base value.
	val, err = newExecutionView(1, vd, sched, backend).Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("base"), []byte(val))
}

func TestViewDependencyBackoff(t *testing.T) {
	backend := storage.NewMemBackend()
	vd := NewVersionedData(4, 4)
	// One worker: parking on the estimate is impossible, the read must
	// fail speculatively instead of deadlocking.
	sched := NewScheduler(4, 1)
	require.NoError(t, vd.Write("k", 1, 0, []byte("w1")))
	require.NoError(t, vd.MarkEstimate("k", 1))

	view := newExecutionView(3, vd, sched, backend)
	_, err := view.Get("k")
	require.Equal(t, ErrSpeculative, errors.Cause(err))
	require.True(t, view.reads.SpeculativeFailure())
}

func TestViewHalted(t *testing.T) {
	backend := storage.NewMemBackend()
	vd := NewVersionedData(4, 4)
	sched := NewScheduler(4, 2)
	require.NoError(t, vd.Write("k", 1, 0, []byte("w1")))
	require.NoError(t, vd.MarkEstimate("k", 1))
	sched.Halt("test halt")

	_, err := newExecutionView(3, vd, sched, backend).Get("k")
	require.Equal(t, ErrHalted, errors.Cause(err))
}
