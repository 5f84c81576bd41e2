package scrub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

func objKey(name string) scrubapi.ObjectKey {
	return scrubapi.ObjectKey{Namespace: "ns", Name: name, Snap: scrubapi.SnapHead}
}

type chunkSelectHost struct {
	minimalPgHost
	backend   *fakeBackend
	available bool
}

func (h *chunkSelectHost) Backend() scrubapi.Backend { return h.backend }
func (h *chunkSelectHost) RangeAvailableForScrub(scrubapi.ObjectKey, scrubapi.ObjectKey) bool {
	return h.available
}

func TestSelectChunkStopsAtConfiguredMax(t *testing.T) {
	backend := &fakeBackend{}
	for i := 0; i < 10; i++ {
		backend.objects = append(backend.objects, fakeObject{key: objKey(string(rune('a' + i)))})
	}
	host := &chunkSelectHost{backend: backend, available: true}
	cfg := scrubapi.Config{ChunkMin: 2, ChunkMax: 3}

	end, ok, err := selectChunk(context.Background(), host, scrubapi.StartObjectKey, cfg, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, end.Less(objKey("e")), "the chunk ends right after the first object past the ChunkMax batch")
}

func TestSelectChunkUnavailableRangeIsNotOK(t *testing.T) {
	backend := &fakeBackend{objects: []fakeObject{{key: objKey("a")}}}
	host := &chunkSelectHost{backend: backend, available: false}
	cfg := scrubapi.Config{ChunkMin: 1, ChunkMax: 5}

	_, ok, err := selectChunk(context.Background(), host, scrubapi.StartObjectKey, cfg, 1)
	require.NoError(t, err)
	require.False(t, ok, "a range the host reports as unavailable must be abandoned, not retried with a smaller chunk")
}

func TestSelectChunkDivisorShrinksBounds(t *testing.T) {
	backend := &fakeBackend{}
	for i := 0; i < 20; i++ {
		backend.objects = append(backend.objects, fakeObject{key: objKey(string(rune('a' + i%26)) + string(rune('0'+i/26)))})
	}
	host := &chunkSelectHost{backend: backend, available: true}
	cfg := scrubapi.Config{ChunkMin: 10, ChunkMax: 20}

	_, _, err := selectChunk(context.Background(), host, scrubapi.StartObjectKey, cfg, 1)
	require.NoError(t, err)

	// A divisor of 4 should floor at min=3 (10/4=2, clamped up to 3) rather
	// than at 0 or a negative bound.
	end, ok, err := selectChunk(context.Background(), host, scrubapi.StartObjectKey, cfg, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, end.IsMax())
}

func TestWriteBlockedByScrubOutsideChunkNeverBlocks(t *testing.T) {
	p := newPreemptionState(0)
	blocked := writeBlockedByScrub(objKey("z"), objKey("a"), objKey("m"), p)
	require.False(t, blocked, "a write outside [start,end) is never blocked")
}

func TestWriteBlockedByScrubPreemptsInsteadOfBlockingWhenAllowed(t *testing.T) {
	p := newPreemptionState(3)
	p.reset(true)
	blocked := writeBlockedByScrub(objKey("c"), objKey("a"), objKey("m"), p)
	require.False(t, blocked, "a preemptible session yields to the write rather than blocking it")
	require.True(t, p.isPreempted())
}

func TestWriteBlockedByScrubBlocksWhenNotPreemptible(t *testing.T) {
	p := newPreemptionState(0)
	p.reset(false)
	blocked := writeBlockedByScrub(objKey("c"), objKey("a"), objKey("m"), p)
	require.True(t, blocked, "a non-preemptible session blocks a write that falls inside the chunk")
}
