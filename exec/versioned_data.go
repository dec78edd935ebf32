package exec

import (
	"sync"
	"sync/atomic"

	"github.com/dgryski/go-farm"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/btree"
	"github.com/pingcap/errors"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 64

// chainEntry is one write in a version chain. An estimate entry is a
// stale placeholder left by an invalidated incarnation and must never
// be served to readers as a value.
type chainEntry struct {
	incarnation Incarnation
	value       StorageValue
	estimate    bool
}

// versionedChain is the ordered sequence of writes for one key, keyed
// by shifted transaction index (0 is the base slot).
type versionedChain struct {
	mu sync.RWMutex
	tm *treemap.Map
}

func newVersionedChain() *versionedChain {
	return &versionedChain{tm: treemap.NewWithIntComparator()}
}

type vdShard struct {
	mu     sync.RWMutex
	chains map[StorageKey]*versionedChain
}

// VersionedData is the concurrent multi-version store shared by all
// worker threads. Keys are sharded by hash; each key holds a version
// chain totally ordered by shifted transaction index. It also tracks,
// per transaction, the key set written by the last recorded incarnation
// so re-executions can diff their write sets.
type VersionedData struct {
	shards      []*vdShard
	shardMask   uint64
	lastWritten []atomic.Pointer[[]StorageKey]
}

// NewVersionedData creates a store for a batch of blockSize
// transactions. nShards is rounded up to a power of two; pass 0 for the
// default.
func NewVersionedData(blockSize, nShards int) *VersionedData {
	if nShards <= 0 {
		nShards = DefaultShards
	}
	n := 1
	for n < nShards {
		n <<= 1
	}
	shards := make([]*vdShard, n)
	for i := range shards {
		shards[i] = &vdShard{chains: make(map[StorageKey]*versionedChain)}
	}
	return &VersionedData{
		shards:      shards,
		shardMask:   uint64(n - 1),
		lastWritten: make([]atomic.Pointer[[]StorageKey], blockSize),
	}
}

func (vd *VersionedData) shardFor(key StorageKey) *vdShard {
	return vd.shards[farm.Fingerprint64([]byte(key))&vd.shardMask]
}

// getChain returns the version chain for key, creating it when create
// is set. Returns nil when absent and create is false.
func (vd *VersionedData) getChain(key StorageKey, create bool) *versionedChain {
	s := vd.shardFor(key)
	s.mu.RLock()
	c := s.chains[key]
	s.mu.RUnlock()
	if c != nil || !create {
		return c
	}
	s.mu.Lock()
	c = s.chains[key]
	if c == nil {
		c = newVersionedChain()
		s.chains[key] = c
	}
	s.mu.Unlock()
	return c
}

// Write inserts or replaces the entry at (key, txnIdx). Incarnations of
// a re-executed transaction must strictly increase; an existing entry
// with an incarnation >= the new one is an invariant violation.
func (vd *VersionedData) Write(key StorageKey, txnIdx TxnIndex, incarnation Incarnation, value StorageValue) error {
	c := vd.getChain(key, true)
	si := shiftedIndex(txnIdx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.tm.Get(si); ok {
		e := v.(*chainEntry)
		if e.incarnation >= incarnation {
			return errors.Annotatef(ErrInvariant,
				"write of key %q by txn %d: existing incarnation %d >= %d", key, txnIdx, e.incarnation, incarnation)
		}
		e.incarnation = incarnation
		e.value = value
		e.estimate = false
		return nil
	}
	c.tm.Put(si, &chainEntry{incarnation: incarnation, value: value})
	return nil
}

// MarkEstimate flips the entry at (key, txnIdx) to an estimate. The
// entry must exist; the caller only invokes this for keys the
// transaction is known to have written.
func (vd *VersionedData) MarkEstimate(key StorageKey, txnIdx TxnIndex) error {
	c := vd.getChain(key, false)
	if c == nil {
		return errors.Annotatef(ErrInvariant, "mark_estimate: no chain for key %q", key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.tm.Get(shiftedIndex(txnIdx))
	if !ok {
		return errors.Annotatef(ErrInvariant, "mark_estimate: no entry for key %q txn %d", key, txnIdx)
	}
	v.(*chainEntry).estimate = true
	return nil
}

// Delete removes the entry at (key, txnIdx) entirely. Used when a
// re-execution's new write set no longer touches the key.
func (vd *VersionedData) Delete(key StorageKey, txnIdx TxnIndex) error {
	c := vd.getChain(key, false)
	if c == nil {
		return errors.Annotatef(ErrInvariant, "delete: no chain for key %q", key)
	}
	si := shiftedIndex(txnIdx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tm.Get(si); !ok {
		return errors.Annotatef(ErrInvariant, "delete: no entry for key %q txn %d", key, txnIdx)
	}
	c.tm.Remove(si)
	return nil
}

// ProvideBaseValue installs the pre-batch value of key in the base
// slot. Idempotent: a second provision asserts the stored value length
// is unchanged, defending against double-initialization with divergent
// data.
func (vd *VersionedData) ProvideBaseValue(key StorageKey, value StorageValue) error {
	c := vd.getChain(key, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.tm.Get(0); ok {
		e := v.(*chainEntry)
		if len(e.value) != len(value) {
			return errors.Annotatef(ErrInvariant,
				"base value for key %q provided twice with different lengths (%d != %d)", key, len(e.value), len(value))
		}
		return nil
	}
	c.tm.Put(0, &chainEntry{value: value})
	return nil
}

// Fetch returns the write of the highest-indexed transaction below
// txnIdx, the blocking writer if that entry is an estimate, or
// ReadUninitialized when nothing at or below txnIdx exists.
func (vd *VersionedData) Fetch(key StorageKey, txnIdx TxnIndex) ReadResult {
	c := vd.getChain(key, false)
	if c == nil {
		return ReadResult{Status: ReadUninitialized}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	// Entries with shifted index <= int(txnIdx) belong to the base slot
	// or to transactions with index < txnIdx.
	fk, fv := c.tm.Floor(int(txnIdx))
	if fk == nil || fv == nil {
		return ReadResult{Status: ReadUninitialized}
	}
	si := fk.(int)
	e := fv.(*chainEntry)
	if e.estimate {
		return ReadResult{Status: ReadDependency, Dep: TxnIndex(si - 1)}
	}
	version := BaseVersion()
	if si > 0 {
		version = Version{TxnIdx: TxnIndex(si - 1), Incarnation: e.incarnation}
	}
	return ReadResult{Status: ReadOK, Version: version, Value: e.value}
}

// ApplyWriteSet records a (re-)execution's writes: every key in ws is
// written at the transaction's version, and keys written by the
// previous incarnation but absent from ws are deleted. The returned
// flag reports whether the key set changed at all, which forces
// revalidation of higher-indexed transactions.
func (vd *VersionedData) ApplyWriteSet(version Version, ws map[StorageKey]StorageValue) (changedKeys bool, err error) {
	for key, value := range ws {
		if werr := vd.Write(key, version.TxnIdx, version.Incarnation, value); werr != nil {
			return false, werr
		}
	}

	prev := vd.lastWritten[version.TxnIdx].Load()
	if prev == nil {
		changedKeys = len(ws) > 0
	} else {
		prevSet := make(map[StorageKey]struct{}, len(*prev))
		for _, key := range *prev {
			prevSet[key] = struct{}{}
		}
		for key := range ws {
			if _, ok := prevSet[key]; !ok {
				changedKeys = true
				break
			}
		}
		for _, key := range *prev {
			if _, ok := ws[key]; !ok {
				changedKeys = true
				if derr := vd.Delete(key, version.TxnIdx); derr != nil {
					return false, derr
				}
			}
		}
	}

	keys := make([]StorageKey, 0, len(ws))
	for key := range ws {
		keys = append(keys, key)
	}
	vd.lastWritten[version.TxnIdx].Store(&keys)
	return changedKeys, nil
}

// ConvertWritesToEstimates marks every key written by txnIdx's last
// recorded incarnation as an estimate, so readers observe an explicit
// dependency instead of a stale value.
func (vd *VersionedData) ConvertWritesToEstimates(txnIdx TxnIndex) error {
	keys := vd.lastWritten[txnIdx].Load()
	if keys == nil {
		return nil
	}
	for _, key := range *keys {
		if err := vd.MarkEstimate(key, txnIdx); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the state visible to a reader at limit (i.e. after
// all transactions with index < limit), in key order. Keys whose
// nearest entry is unresolved are skipped; after a completed batch none
// are.
func (vd *VersionedData) Snapshot(limit TxnIndex) []KeyValue {
	tree := btree.NewG[KeyValue](32, func(a, b KeyValue) bool { return a.Key < b.Key })
	for _, s := range vd.shards {
		s.mu.RLock()
		keys := make([]StorageKey, 0, len(s.chains))
		for key := range s.chains {
			keys = append(keys, key)
		}
		s.mu.RUnlock()
		for _, key := range keys {
			if r := vd.Fetch(key, limit); r.Status == ReadOK {
				tree.ReplaceOrInsert(KeyValue{Key: key, Value: r.Value})
			}
		}
	}
	out := make([]KeyValue, 0, tree.Len())
	tree.Ascend(func(kv KeyValue) bool {
		out = append(out, kv)
		return true
	})
	return out
}
