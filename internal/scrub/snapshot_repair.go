package scrub

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// decodeSnapset decodes a head object's SnapsetAttr into the set of snap ids
// its clones are expected to have a snap-mapper entry for. The on-disk shape
// of this attribute is owned by this module (it is not part of the
// comparator/digest algorithm, which is out of scope), so it is simply a
// CBOR-encoded []uint64.
func decodeSnapset(attr []byte) (map[uint64]struct{}, error) {
	if len(attr) == 0 {
		return nil, nil
	}
	var ids []uint64
	if err := cbor.Unmarshal(attr, &ids); err != nil {
		return nil, fmt.Errorf("scrub: decode snapset attribute: %w", err)
	}
	out := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func snapSetsEqual(a, b map[uint64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// snapFix is one queued snap-mapper repair action: either a missing entry
// to insert or a stale entry to rewrite.
type snapFix struct {
	hobj  scrubapi.ObjectKey
	clone scrubapi.ObjectKey
	apply func(scrubapi.SnapMapper) error
	log   string
}

// computeSnapFixes walks every head in m whose key lies in the chunk,
// decodes its snapset, and compares the expected clone set against the
// snap-mapper's recorded view. It never touches the snap-mapper itself --
// each returned fix is applied by the caller.
func computeSnapFixes(m *scrubapi.ScrubMap, mapper scrubapi.SnapMapper, chunkStart, chunkEnd scrubapi.ObjectKey) ([]snapFix, error) {
	var fixes []snapFix

	for hobj, meta := range m.Objects {
		if !hobj.IsHead() {
			continue
		}
		if !(chunkStart.LessOrEqual(hobj) && hobj.Less(chunkEnd)) {
			continue
		}
		expected, err := decodeSnapset(meta.SnapsetAttr)
		if err != nil {
			return nil, err
		}
		for snapID := range expected {
			clone := scrubapi.ObjectKey{Namespace: hobj.Namespace, Name: hobj.Name, Snap: scrubapi.SnapID(snapID)}
			if !(chunkStart.LessOrEqual(clone) && clone.Less(chunkEnd)) {
				continue
			}
			recorded, err := mapper.GetSnaps(clone)
			switch {
			case errors.Is(err, scrubapi.ErrNotFound):
				fixes = append(fixes, snapFix{
					hobj: hobj, clone: clone,
					apply: func(sm scrubapi.SnapMapper) error { return sm.AddOID(clone, expected) },
					log:   fmt.Sprintf("%s: missing snap-mapper entry, inserting", clone),
				})
			case err != nil:
				return nil, fmt.Errorf("scrub: snap-mapper lookup for %s: %w", clone, err)
			case !snapSetsEqual(recorded, expected):
				fixes = append(fixes, snapFix{
					hobj: hobj, clone: clone,
					apply: func(sm scrubapi.SnapMapper) error {
						if err := sm.RemoveOID(clone); err != nil && !errors.Is(err, scrubapi.ErrNotFound) {
							return err
						}
						return sm.AddOID(clone, expected)
					},
					log: fmt.Sprintf("%s: snap-mapper entry differs, rewriting", clone),
				})
			}
		}
	}
	return fixes, nil
}

// snapRepairYield tracks queued-but-not-yet-applied snap fixes for the
// current chunk, translating what would otherwise be a synchronous
// condition-variable wait into a yield-and-resume: the replica's BuildMap
// and the primary's WaitDigestUpdates entry queue every fix through
// PgHost.ApplySnapMapperFix and enter a yield state; once
// every fix's done callback has fired, Ready() becomes true and the
// machine posts evApplied, since later comparisons need to read the
// repaired mapping. The callback may fire synchronously (before the state
// is ever checked) or asynchronously, and either ordering must leave
// Ready() correct.
type snapRepairYield struct {
	outstanding int
	failed      error
}

func newSnapRepairYield() *snapRepairYield {
	return &snapRepairYield{}
}

// Queue hands every fix to host, via apply, incrementing outstanding before
// the call so a synchronous done-callback cannot observe outstanding==0
// prematurely. onReady is invoked (possibly from inside this call, possibly
// much later from whatever goroutine PgHost completes the fix on) the moment
// every queued fix has applied; the caller uses it to re-post the event that
// lets the machine notice the yield ended, since nothing else will prompt it
// once Queue itself has returned with fixes still outstanding.
func (y *snapRepairYield) Queue(host scrubapi.PgHost, fixes []snapFix, clog scrubapi.ClusterLog, onReady func()) {
	for _, fix := range fixes {
		fix := fix
		y.outstanding++
		clog.Info(fix.log)
		host.ApplySnapMapperFix(fix.clone, fix.apply, func(err error) {
			if err != nil && y.failed == nil {
				y.failed = err
			}
			y.outstanding--
			if y.outstanding <= 0 {
				onReady()
			}
		})
	}
}

// Ready reports whether every queued fix has applied.
func (y *snapRepairYield) Ready() bool {
	return y.outstanding <= 0
}

func (y *snapRepairYield) Err() error {
	return y.failed
}
