package exec

import (
	"github.com/pingcap/errors"
)

// ReadKind is the granularity of information a read captured. Kinds are
// totally ordered: a Value read subsumes an Exists read.
type ReadKind int

const (
	KindExists ReadKind = iota
	KindValue
)

// DataRead is the state one read extracted: either a full versioned
// value, or an existence check. The kind decides which fields are
// meaningful.
type DataRead struct {
	Kind    ReadKind
	Version Version
	Value   StorageValue
	Exists  bool
}

// VersionedRead captures a full value read together with the version it
// was served from.
func VersionedRead(version Version, value StorageValue) DataRead {
	return DataRead{Kind: KindValue, Version: version, Value: value, Exists: value != nil}
}

// ExistsRead captures an existence-only read.
func ExistsRead(exists bool) DataRead {
	return DataRead{Kind: KindExists, Exists: exists}
}

type readComparison int

const (
	// comparisonContains: the receiver has >= kind and is consistent.
	comparisonContains readComparison = iota
	// comparisonInconsistent: the receiver has >= kind but disagrees.
	comparisonInconsistent
	// comparisonInsufficient: the receiver's kind is too low to judge.
	comparisonInsufficient
)

// Downcast derives a read of a lower-or-equal kind from the receiver.
// Only Value -> Exists is derivable; no other direction is defined.
func (r DataRead) Downcast(kind ReadKind) (DataRead, bool) {
	if r.Kind == kind {
		return r, true
	}
	if r.Kind > kind && kind == KindExists {
		return ExistsRead(r.Exists), true
	}
	return DataRead{}, false
}

func (r DataRead) equalSameKind(other DataRead) bool {
	switch r.Kind {
	case KindValue:
		// Version equality supersedes value comparison: the same version
		// implies the same value, and versions are cheap to compare.
		return r.Version == other.Version
	default:
		return r.Exists == other.Exists
	}
}

// contains reports whether r holds at least as much information as
// other and agrees with it.
func (r DataRead) contains(other DataRead) readComparison {
	if r.Kind < other.Kind {
		return comparisonInsufficient
	}
	down, _ := r.Downcast(other.Kind)
	if down.equalSameKind(other) {
		return comparisonContains
	}
	return comparisonInconsistent
}

// CapturedReads is the read set of one transaction execution attempt.
// It records the most informative read observed per key and validates
// those reads against the versioned store later. A new attempt always
// starts from a fresh CapturedReads; snapshots are never mutated after
// being recorded in the ledger.
//
// The intended use is that every read is first resolved from the
// captured set (GetByKind) and only captured after a miss. That
// enforces the invariant that CaptureRead is never called with a kind
// <= the already-captured kind for the key.
type CapturedReads struct {
	reads map[StorageKey]DataRead

	// speculativeFailure is an observed cross-read inconsistency,
	// expected under optimistic interleaving; the attempt's output must
	// be discarded and the transaction re-executed.
	speculativeFailure bool
	// incorrectUse is a violation of the capture contract by the caller:
	// a defect, surfaced as fatal and leading to sequential fallback.
	incorrectUse bool
}

// NewCapturedReads returns an empty read set.
func NewCapturedReads() *CapturedReads {
	return &CapturedReads{reads: make(map[StorageKey]DataRead)}
}

// CaptureRead incorporates a fresh read for key. A read whose kind is
// <= the captured one is incorrect use (the caller should have reused
// the richer read). A richer but inconsistent read is a speculative
// failure. Both cases return an error and set the matching flag.
func (cr *CapturedReads) CaptureRead(key StorageKey, read DataRead) error {
	existing, ok := cr.reads[key]
	if !ok {
		cr.reads[key] = read
		return nil
	}
	if read.Kind <= existing.Kind {
		cr.incorrectUse = true
		return errors.Annotatef(ErrInvariant,
			"captured read for key %q has kind %d, new read kind %d is not richer", key, existing.Kind, read.Kind)
	}
	if read.contains(existing) != comparisonContains {
		cr.speculativeFailure = true
		return errors.Annotatef(ErrSpeculative, "read of key %q inconsistent with earlier read", key)
	}
	cr.reads[key] = read
	return nil
}

// GetByKind returns the captured read for key downcast to kind, if the
// captured kind is rich enough.
func (cr *CapturedReads) GetByKind(key StorageKey, kind ReadKind) (DataRead, bool) {
	r, ok := cr.reads[key]
	if !ok {
		return DataRead{}, false
	}
	return r.Downcast(kind)
}

// MarkFailure records a speculative failure observed outside the
// capture path (e.g. a blocked dependency that could not be waited on).
func (cr *CapturedReads) MarkFailure() {
	cr.speculativeFailure = true
}

// SpeculativeFailure reports whether this attempt observed an
// inconsistency attributable to speculation.
func (cr *CapturedReads) SpeculativeFailure() bool {
	return cr.speculativeFailure
}

// IncorrectUse reports whether the capture contract was violated.
func (cr *CapturedReads) IncorrectUse() bool {
	return cr.incorrectUse
}

// Keys returns the captured key set.
func (cr *CapturedReads) Keys() []StorageKey {
	keys := make([]StorageKey, 0, len(cr.reads))
	for key := range cr.reads {
		keys = append(keys, key)
	}
	return keys
}

// Validate re-fetches every captured key from data at txnIdx and checks
// that the fresh result still contains the captured information. An
// attempt that already observed a speculative failure is invalid
// without any fetching. Dependency and uninitialized outcomes
// invalidate as well.
func (cr *CapturedReads) Validate(data *VersionedData, txnIdx TxnIndex) bool {
	if cr.speculativeFailure {
		return false
	}
	for key, read := range cr.reads {
		res := data.Fetch(key, txnIdx)
		if res.Status != ReadOK {
			return false
		}
		if VersionedRead(res.Version, res.Value).contains(read) != comparisonContains {
			return false
		}
	}
	return true
}
