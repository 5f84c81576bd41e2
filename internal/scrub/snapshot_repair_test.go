package scrub

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

type fakeSnapMapper struct {
	snaps map[scrubapi.ObjectKey]map[uint64]struct{}
}

func newFakeSnapMapper() *fakeSnapMapper {
	return &fakeSnapMapper{snaps: make(map[scrubapi.ObjectKey]map[uint64]struct{})}
}

func (m *fakeSnapMapper) GetSnaps(obj scrubapi.ObjectKey) (map[uint64]struct{}, error) {
	snaps, ok := m.snaps[obj]
	if !ok {
		return nil, scrubapi.ErrNotFound
	}
	return snaps, nil
}

func (m *fakeSnapMapper) RemoveOID(obj scrubapi.ObjectKey) error {
	delete(m.snaps, obj)
	return nil
}

func (m *fakeSnapMapper) AddOID(obj scrubapi.ObjectKey, snaps map[uint64]struct{}) error {
	m.snaps[obj] = snaps
	return nil
}

func encodeSnapset(t *testing.T, ids []uint64) []byte {
	t.Helper()
	b, err := cbor.Marshal(ids)
	require.NoError(t, err)
	return b
}

func TestComputeSnapFixesInsertsMissingEntry(t *testing.T) {
	head := scrubapi.ObjectKey{Namespace: "ns", Name: "obj", Snap: scrubapi.SnapHead}
	m := scrubapi.NewScrubMap()
	m.Objects[head] = scrubapi.ObjectMetadata{SnapsetAttr: encodeSnapset(t, []uint64{1})}

	mapper := newFakeSnapMapper()
	fixes, err := computeSnapFixes(m, mapper, scrubapi.StartObjectKey, scrubapi.MaxObjectKey)
	require.NoError(t, err)
	require.Len(t, fixes, 1)

	require.NoError(t, fixes[0].apply(mapper))
	snaps, err := mapper.GetSnaps(scrubapi.ObjectKey{Namespace: "ns", Name: "obj", Snap: 1})
	require.NoError(t, err)
	require.Contains(t, snaps, uint64(1))
}

func TestComputeSnapFixesRewritesDivergentEntry(t *testing.T) {
	head := scrubapi.ObjectKey{Namespace: "ns", Name: "obj", Snap: scrubapi.SnapHead}
	clone := scrubapi.ObjectKey{Namespace: "ns", Name: "obj", Snap: 1}
	m := scrubapi.NewScrubMap()
	m.Objects[head] = scrubapi.ObjectMetadata{SnapsetAttr: encodeSnapset(t, []uint64{1})}

	mapper := newFakeSnapMapper()
	mapper.snaps[clone] = map[uint64]struct{}{99: {}} // recorded set differs from expected

	fixes, err := computeSnapFixes(m, mapper, scrubapi.StartObjectKey, scrubapi.MaxObjectKey)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	require.NoError(t, fixes[0].apply(mapper))

	snaps, err := mapper.GetSnaps(clone)
	require.NoError(t, err)
	require.Equal(t, map[uint64]struct{}{1: {}}, snaps)
}

func TestComputeSnapFixesNoneWhenConsistent(t *testing.T) {
	head := scrubapi.ObjectKey{Namespace: "ns", Name: "obj", Snap: scrubapi.SnapHead}
	clone := scrubapi.ObjectKey{Namespace: "ns", Name: "obj", Snap: 1}
	m := scrubapi.NewScrubMap()
	m.Objects[head] = scrubapi.ObjectMetadata{SnapsetAttr: encodeSnapset(t, []uint64{1})}

	mapper := newFakeSnapMapper()
	mapper.snaps[clone] = map[uint64]struct{}{1: {}}

	fixes, err := computeSnapFixes(m, mapper, scrubapi.StartObjectKey, scrubapi.MaxObjectKey)
	require.NoError(t, err)
	require.Empty(t, fixes, "a clone already matching its expected snapset needs no fix")
}

func TestComputeSnapFixesIgnoresObjectsOutsideChunk(t *testing.T) {
	head := scrubapi.ObjectKey{Namespace: "ns", Name: "obj", Snap: scrubapi.SnapHead}
	m := scrubapi.NewScrubMap()
	m.Objects[head] = scrubapi.ObjectMetadata{SnapsetAttr: encodeSnapset(t, []uint64{1})}

	mapper := newFakeSnapMapper()
	fixes, err := computeSnapFixes(m, mapper, scrubapi.MaxObjectKey, scrubapi.MaxObjectKey)
	require.NoError(t, err)
	require.Empty(t, fixes, "an empty chunk range selects nothing")
}

type fakeClog struct{}

func (fakeClog) Debug(string) {}
func (fakeClog) Info(string)  {}
func (fakeClog) Warn(string)  {}
func (fakeClog) Error(string) {}

func TestSnapRepairYieldSynchronousCompletion(t *testing.T) {
	mapper := newFakeSnapMapper()
	host := &syncApplyHost{mapper: mapper}

	y := newSnapRepairYield()
	ready := false
	y.Queue(host, []snapFix{{
		clone: scrubapi.ObjectKey{Name: "a"},
		apply: func(sm scrubapi.SnapMapper) error { return nil },
		log:   "fix a",
	}}, fakeClog{}, func() { ready = true })

	require.True(t, y.Ready(), "a synchronously-completed fix leaves the yield immediately ready")
	require.True(t, ready, "onReady must fire even when every callback completes before Queue returns")
	require.NoError(t, y.Err())
}

func TestSnapRepairYieldWaitsForAllOutstanding(t *testing.T) {
	host := &deferredApplyHost{}
	y := newSnapRepairYield()
	readyCount := 0

	y.Queue(host, []snapFix{
		{clone: scrubapi.ObjectKey{Name: "a"}, apply: func(scrubapi.SnapMapper) error { return nil }},
		{clone: scrubapi.ObjectKey{Name: "b"}, apply: func(scrubapi.SnapMapper) error { return nil }},
	}, fakeClog{}, func() { readyCount++ })

	require.False(t, y.Ready(), "two fixes outstanding, neither has completed")
	require.Len(t, host.pending, 2)

	host.pending[0](nil)
	require.False(t, y.Ready(), "one of two completing does not yet make the yield ready")
	require.Equal(t, 0, readyCount)

	host.pending[1](errors.New("boom"))
	require.True(t, y.Ready(), "the yield is ready once every outstanding fix has completed")
	require.Equal(t, 1, readyCount, "onReady fires exactly once")
	require.EqualError(t, y.Err(), "boom", "the first error encountered is retained")
}

// syncApplyHost invokes ApplySnapMapperFix's done callback before returning.
type syncApplyHost struct {
	minimalPgHost
	mapper scrubapi.SnapMapper
}

func (h *syncApplyHost) ApplySnapMapperFix(hobj scrubapi.ObjectKey, fn func(scrubapi.SnapMapper) error, done func(error)) {
	done(fn(h.mapper))
}

// deferredApplyHost records every done callback instead of invoking it, so
// the test can drive completion order explicitly.
type deferredApplyHost struct {
	minimalPgHost
	pending []func(error)
}

func (h *deferredApplyHost) ApplySnapMapperFix(hobj scrubapi.ObjectKey, fn func(scrubapi.SnapMapper) error, done func(error)) {
	h.pending = append(h.pending, done)
}
