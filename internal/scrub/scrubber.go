// Package scrub implements the per-PG scrub coordinator: the session state
// machine, reservation protocol, chunked range selection, preemption, and
// scheduler integration described by the surrounding documentation. PgHost,
// OsdServices, ScrubStore and Messenger remain external collaborators,
// consumed only through internal/scrub/api's interfaces.
package scrub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/channels"

	"github.com/ronen-fr/pgscrub/internal/common/logging"
	"github.com/ronen-fr/pgscrub/internal/common/tracing"
	"github.com/ronen-fr/pgscrub/internal/common/workerpool"
	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// StoreFactory creates a fresh ScrubStore for a new session.
type StoreFactory func(pgid string) scrubapi.ScrubStore

// Scrubber owns the whole scrub coordinator for one PG and mediates every
// interaction with PgHost/OsdServices. One Scrubber runs one event-loop
// goroutine for the lifetime of the PG, fed by Post from any goroutine via
// an unbounded channel, so no caller ever blocks handing it an event and
// nothing ever recurses into the dispatch loop.
type Scrubber struct {
	pgid string
	self scrubapi.ShardID
	host scrubapi.PgHost
	osd  scrubapi.OsdServices

	newStore      StoreFactory
	cfgTemplate   scrubapi.Config
	localCounter  *ScrubCounter
	remoteCounter *ScrubCounter
	pool          *workerpool.Pool
	logger        *logging.Logger

	m      *machine
	events *channels.InfiniteChannel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	sess *session
}

// NewScrubber constructs a Scrubber for one PG and starts its event loop.
// localCounter/remoteCounter are OSD-wide and shared across every PG's
// Scrubber on the same process.
func NewScrubber(
	pgid string,
	self scrubapi.ShardID,
	host scrubapi.PgHost,
	osd scrubapi.OsdServices,
	newStore StoreFactory,
	cfg scrubapi.Config,
	localCounter, remoteCounter *ScrubCounter,
	pool *workerpool.Pool,
) *Scrubber {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &Scrubber{
		pgid:          pgid,
		self:          self,
		host:          host,
		osd:           osd,
		newStore:      newStore,
		cfgTemplate:   cfg,
		localCounter:  localCounter,
		remoteCounter: remoteCounter,
		pool:          pool,
		logger:        logging.GetLogger("scrub").With("pgid", pgid),
		m:             newMachine(),
		events:        channels.NewInfiniteChannel(),
		ctx:           ctx,
		cancel:        cancel,
	}
	sc.wg.Add(1)
	go sc.loop()
	return sc
}

// Stop tears down the event loop. Any in-flight session is abandoned as-is
// (callers that need an orderly wind-down should call Reset first).
func (sc *Scrubber) Stop() {
	sc.cancel()
	sc.wg.Wait()
}

// Post enqueues ev for processing on the event loop goroutine. It is safe
// to call from any goroutine, including from inside a PgHost/OsdServices
// callback: follow-up events are always enqueued, never dispatched by
// direct recursion.
func (sc *Scrubber) Post(ev event) {
	sc.events.In() <- ev
}

func (sc *Scrubber) loop() {
	defer sc.wg.Done()
	for {
		select {
		case raw, ok := <-sc.events.Out():
			if !ok {
				return
			}
			sc.dispatch(raw.(event))
		case <-sc.ctx.Done():
			return
		}
	}
}

// ---- session-lifetime operations ----

// StartScrub opens a Primary session. It fails if a session is already
// active.
func (sc *Scrubber) StartScrub(req scrubapi.StartScrubRequest) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.sess != nil && sc.sess.active {
		return fmt.Errorf("scrub: %s: session already active", sc.pgid)
	}

	epoch := sc.host.SameIntervalSince()
	s := newSession(rolePrimary, epoch, sc.cfgTemplate, sc.newStore(sc.pgid))
	s.isDeep = req.Deep
	s.markedMust = req.MustScrub
	s.autoRepair = req.NeedAuto
	s.repair = req.Repair
	s.allowPreemption = req.AllowPreemption
	s.priority = computeBasePriority(req.MustScrub, req.NeedAuto, sc.cfgTemplate, sc.host.DefaultScrubPriority())
	s.chunkStart = scrubapi.StartObjectKey
	s.maxEnd = scrubapi.StartObjectKey
	s.localRes = acquireLocalReservation(sc.localCounter)

	sc.sess = s
	sc.host.PublishStatsToOsd()
	sessionsActive.WithLabelValues("primary").Inc()

	sc.m.transitionTo(stateNotActive)
	sc.Post(newEvent(evStartScrub, epoch))
	return nil
}

// StartReplica opens a Replica session servicing msg. Silently dropped if
// msg is stale relative to the current interval.
func (sc *Scrubber) StartReplica(msg scrubapi.RepScrubRequest) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if msg.MapEpoch < sc.host.SameIntervalSince() {
		return
	}

	s := newSession(roleReplica, sc.host.SameIntervalSince(), sc.cfgTemplate, sc.newStore(sc.pgid))
	s.isDeep = msg.Deep
	s.allowPreemption = msg.AllowPreemption
	s.priority = msg.Priority
	s.chunkStart = msg.Start
	s.chunkEnd = msg.End
	s.replicaReq = msg
	s.remoteRes = acquireRemotePrimaryReservation(sc.remoteCounter)
	s.preemption.reset(msg.AllowPreemption)

	sc.sess = s
	sessionsActive.WithLabelValues("replica").Inc()

	sc.m.transitionTo(stateNotActive)
	sc.Post(newEvent(evStartReplica, s.epochStart))
}

// isEventRelevant reports whether an event queued under queuedEpoch still
// applies to the current session, dropping late events against a session
// that has moved on.
func (sc *Scrubber) isEventRelevant(queuedEpoch scrubapi.Epoch) bool {
	s := sc.sess
	if s == nil {
		return false
	}
	if !sc.host.IsPrimary() || !sc.host.IsActive() || !sc.host.IsClean() || !s.active {
		return false
	}
	if sc.host.SameIntervalSince() != s.epochStart {
		return false
	}
	if queuedEpoch != 0 && sc.host.HasResetSince(queuedEpoch) {
		return false
	}
	return true
}

func (sc *Scrubber) OnActivePushesChanged() {
	sc.Post(newEvent(evActivePushesUpd, sc.currentEpoch()))
}

func (sc *Scrubber) OnUpdatesApplied() {
	sc.Post(newEvent(evUpdatesApplied, sc.currentEpoch()))
}

func (sc *Scrubber) OnDigestUpdated() {
	sc.Post(newEvent(evDigestUpdate, sc.currentEpoch()))
}

func (sc *Scrubber) OnEpochChanged() {
	sc.mu.Lock()
	active := sc.sess != nil && sc.sess.active
	sc.mu.Unlock()
	if active {
		sc.Post(newEvent(evEpochChanged, sc.currentEpoch()))
	}
}

// SchedTick posts the per-role scheduler tick, honoring the stale-epoch
// check.
func (sc *Scrubber) SchedTick() {
	sc.mu.Lock()
	s := sc.sess
	sc.mu.Unlock()
	if s == nil || !s.active {
		return
	}
	// s.epochStart is written once at session creation and never mutated
	// again, so it is safe to read here from any goroutine other than the
	// event loop; it stands in for the epoch this tick was queued under.
	if sc.host.HasResetSince(s.epochStart) {
		return
	}
	if s.role == rolePrimary {
		sc.Post(newEvent(evSchedScrub, s.epochStart))
	} else {
		sc.Post(newEvent(evSchedReplica, s.epochStart))
	}
}

func (sc *Scrubber) currentEpoch() scrubapi.Epoch {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.sess == nil {
		return sc.host.SameIntervalSince()
	}
	return sc.sess.epochStart
}

// OnReplicaMap handles one inbound RepScrubMap.
func (sc *Scrubber) OnReplicaMap(msg scrubapi.RepScrubMap, decoded *scrubapi.ScrubMap) {
	sc.mu.Lock()
	s := sc.sess
	sc.mu.Unlock()
	if s == nil || s.role != rolePrimary || s.collector == nil {
		return
	}
	if s.collector.OnReplicaMap(msg, decoded, sc.host.SameIntervalSince(), s.preemption) {
		sc.osd.QueueScrubGotReplMaps(sc.host, sc.host.OpsBlockedByScrub())
		sc.Post(newEvent(evGotReplicas, s.epochStart))
	}
}

// OnReserveRequest/Grant/Reject/Release implement the reservation protocol's
// message handlers. Request is handled on the replica side (granting or
// rejecting a remote primary's ask); Grant/Reject/Release are handled on
// the primary side against its own replicaReservations round.
func (sc *Scrubber) OnReserveRequest(msg scrubapi.ScrubReserveMsg, send func(scrubapi.ShardID, scrubapi.ReserveOp)) {
	if sc.remoteCounter == nil {
		return
	}
	if sc.osd.IsRecoveryActive() && !sc.cfgTemplate.DuringRecovery {
		send(msg.From, scrubapi.ReserveReject)
		return
	}
	if acquireRemotePrimaryReservation(sc.remoteCounter).Held() {
		send(msg.From, scrubapi.ReserveGrant)
	} else {
		send(msg.From, scrubapi.ReserveReject)
	}
}

func (sc *Scrubber) OnReserveGrant(msg scrubapi.ScrubReserveMsg, from scrubapi.ShardID) {
	sc.mu.Lock()
	s := sc.sess
	sc.mu.Unlock()
	if s == nil || s.reservations == nil {
		return
	}
	s.reservations.OnGrant(from)
}

func (sc *Scrubber) OnReserveReject(msg scrubapi.ScrubReserveMsg, from scrubapi.ShardID) {
	sc.mu.Lock()
	s := sc.sess
	sc.mu.Unlock()
	if s == nil || s.reservations == nil {
		return
	}
	s.reservations.OnReject(from)
}

func (sc *Scrubber) OnReserveRelease(msg scrubapi.ScrubReserveMsg, from scrubapi.ShardID) {
	// A release received on the replica side simply frees the remote-primary
	// slot held on that primary's behalf; modeled by the caller dropping its
	// own remotePrimaryReservation, so there is nothing to do on this side
	// beyond bookkeeping already covered by session teardown.
}

// WriteBlockedByScrub is called by PgHost when a client write to soid is
// about to be applied, to find out whether the write must wait for the
// current chunk. A session that is not active never blocks a write.
func (sc *Scrubber) WriteBlockedByScrub(soid scrubapi.ObjectKey) bool {
	sc.mu.Lock()
	s := sc.sess
	sc.mu.Unlock()
	if s == nil || !s.active || s.chunkEnd == (scrubapi.ObjectKey{}) {
		return false
	}
	blocked := writeBlockedByScrub(soid, s.chunkStart, s.chunkEnd, s.preemption)
	if !blocked && s.preemption.isPreempted() {
		sc.host.RequeueOps()
	}
	return blocked
}

// Reset forces terminal cleanup of any active session. Idempotent.
func (sc *Scrubber) Reset(keepRepairState bool) {
	sc.Post(newEvent(evFullReset, sc.currentEpoch()))
}

// QueryState emits a structured dump of the session. Safe to call from any
// goroutine.
func (sc *Scrubber) QueryState(sink scrubapi.StatusSink) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s := sc.sess
	if s == nil {
		sink(scrubapi.Status{})
		return
	}
	var awaiting []scrubapi.ShardID
	if s.collector != nil {
		for sh := range s.collector.awaiting {
			awaiting = append(awaiting, sh)
		}
	}
	sink(scrubapi.Status{
		EpochStart:       s.epochStart,
		Active:           s.active,
		Start:            s.chunkStart,
		End:              s.chunkEnd,
		MaxEnd:           s.maxEnd,
		SubsetLastUpdate: s.subsetLastUpdate,
		Deep:             s.isDeep,
		AwaitingWhom:     awaiting,
	})
}

var errStaleEvent = errors.New("scrub: dropped stale event")

// dispatch is the flat (state x event) -> transition table, applied on the
// single event-loop goroutine so it never needs to be reentrant.
func (sc *Scrubber) dispatch(ev event) {
	sc.mu.Lock()
	s := sc.sess
	sc.mu.Unlock()
	if s == nil {
		return
	}

	// Shared by every state: an epoch change or a replica losing its
	// interval always drops straight back to NotActive.
	if ev.kind == evEpochChanged || (s.role == roleReplica && sc.host.HasResetSince(ev.queuedEpoch)) {
		sc.abortSession(s, false)
		return
	}
	if ev.kind == evFullReset {
		sc.abortSession(s, true)
		return
	}

	switch s.role {
	case rolePrimary:
		sc.dispatchPrimary(s, ev)
	case roleReplica:
		sc.dispatchReplica(s, ev)
	}
}

func (sc *Scrubber) dispatchPrimary(s *session, ev event) {
	st := sc.m.State()
	switch st {
	case stateNotActive:
		if ev.kind == evStartScrub || ev.kind == evAfterRecoveryScrub {
			sc.m.transitionTo(stateReservingReplicas)
			sc.beginReservingReplicas(s)
		}

	case stateReservingReplicas:
		switch ev.kind {
		case evRemotesReserved:
			sc.m.transitionTo(statePendingTimer)
			sc.enterPendingTimer(s)
		case evReservationFailure:
			sc.logger.Info("reservation rejected, abandoning session")
			sc.abortSession(s, false)
		}

	case statePendingTimer:
		if ev.kind == evInternalSchedScrub {
			sc.m.transitionTo(stateNewChunk)
			sc.enterNewChunk(s)
		}

	case stateNewChunk:
		switch ev.kind {
		case evUnblocked:
			sc.m.transitionTo(stateWaitPushes)
			sc.enterWaitPushes(s)
		case evSchedScrub:
			sc.m.transitionTo(statePendingTimer)
			sc.enterPendingTimer(s)
		}

	case stateWaitPushes:
		if ev.kind == evActivePushesUpd {
			sc.m.transitionTo(stateWaitLastUpdate)
			sc.enterWaitLastUpdate(s)
		}

	case stateWaitLastUpdate:
		if ev.kind == evUpdatesApplied {
			sc.m.transitionTo(stateBuildMap)
			sc.enterBuildMap(s)
		}

	case stateBuildMap:
		if ev.kind == evSchedScrub {
			sc.continueBuildMap(s)
		}

	case stateDrainReplMaps:
		if ev.kind == evGotReplicas && len(s.collector.awaiting) == 0 {
			sc.m.transitionTo(stateWaitDigestUpdates)
			sc.enterWaitDigestUpdates(s)
		}

	case stateWaitDigestUpdates:
		// evApplied arrives once a snap-mapper repair queued by this chunk
		// finishes asynchronously; evDigestUpdate is the normal path when no
		// repair was queued, or it was already done synchronously.
		if ev.kind == evDigestUpdate || ev.kind == evApplied {
			sc.finishChunkOrContinue(s)
		}
	}
}

func (sc *Scrubber) dispatchReplica(s *session, ev event) {
	st := sc.m.State()
	switch st {
	case stateNotActive:
		if ev.kind == evStartReplica {
			sc.m.transitionTo(stateReplicaIdle)
			sc.m.transitionTo(stateReplicaActiveBuildMap)
			sc.enterReplicaBuildMap(s)
		}

	case stateReplicaActiveBuildMap:
		switch ev.kind {
		case evSchedReplica:
			sc.continueReplicaBuildMap(s)
		case evApplied:
			sc.m.transitionTo(stateReplicaActiveSendMap)
			sc.sendReplicaMap(s)
		}

	case stateReplicaActiveSendMap, stateReplicaIdle:
		if ev.kind == evStartReplica {
			s.chunkStart, s.chunkEnd = s.replicaReq.Start, s.replicaReq.End
			sc.m.transitionTo(stateReplicaActiveBuildMap)
			sc.enterReplicaBuildMap(s)
		}
	}
}

// abortSession implements the universal EpochChanged/FullReset unwind:
// release every reservation, clear collector state, and return to
// NotActive. Idempotent.
func (sc *Scrubber) abortSession(s *session, full bool) {
	if s.chunkSpan != nil {
		s.chunkSpan.Finish()
		s.chunkSpan = nil
	}
	if s.reservations != nil {
		s.reservations.Destroy()
	}
	if s.localRes != nil {
		s.localRes.Release()
	}
	if s.remoteRes != nil {
		s.remoteRes.Release()
	}
	s.clearErrorSets()
	wasActive := s.active
	s.active = false
	sc.m.transitionTo(stateNotActive)
	if wasActive {
		sessionsActive.WithLabelValues(s.role.String()).Dec()
	}
	if !full {
		sc.logger.Debug("session unwound", "pgid", sc.pgid, "deep", s.isDeep)
	}
}

// ---- Primary path state-entry actions ----

func (sc *Scrubber) beginReservingReplicas(s *session) {
	acting := sc.host.ActingRecoveryBackfill()
	s.reservations = newReplicaReservations(
		sc.pgid, s.epochStart, acting, sc.self,
		func(peer scrubapi.ShardID, op scrubapi.ReserveOp) {
			_ = sc.osd.SendMessageOsdCluster(peer, scrubapi.ScrubReserveMsg{
				PgID: sc.pgid, MapEpoch: s.epochStart, From: sc.self, Op: op,
			}, s.epochStart)
		},
		func() {
			reservationOutcomeTotal.WithLabelValues(sc.pgid, "granted").Inc()
			sc.Post(newEvent(evRemotesReserved, s.epochStart))
		},
		func() {
			reservationOutcomeTotal.WithLabelValues(sc.pgid, "rejected").Inc()
			sc.Post(newEvent(evReservationFailure, s.epochStart))
		},
	)
	s.collector = newMapCollector(acting)
}

func (sc *Scrubber) enterPendingTimer(s *session) {
	scheduleSleep(sc.osd, s.markedMust, func() {
		sc.Post(newEvent(evInternalSchedScrub, s.epochStart))
	})
}

func (sc *Scrubber) enterNewChunk(s *session) {
	end, ok, err := selectChunk(sc.ctx, sc.host, s.chunkStart, s.cfg, s.preemption.divisor())
	if err != nil {
		sc.logger.Error("chunk selection failed", "err", err)
		sc.abortSession(s, false)
		return
	}
	if !ok {
		sc.Post(newEvent(evSchedScrub, s.epochStart))
		return
	}
	s.preemption.reset(s.allowPreemption)
	s.chunkEnd = end
	if s.maxEnd.Less(s.chunkEnd) {
		s.maxEnd = s.chunkEnd
	}
	s.chunkSpan, _ = tracing.StartChunkSpan(sc.ctx, sc.pgid, s.isDeep, s.repair)
	s.chunkStartedAt = nowStamp()
	chunksTotal.WithLabelValues(sc.pgid).Inc()

	prio := effectivePriority(s.priority, sc.host.OpsBlockedByScrub(), s.cfg)
	sc.osd.QueueScrubPushesUpdate(sc.host, prio)
	sc.Post(newEvent(evUnblocked, s.epochStart))
}

func (sc *Scrubber) enterWaitPushes(s *session) {
	// The wait itself is satisfied by an external ActivePushesUpd
	// notification once OsdServices reports the chunk's blocking writes
	// have settled; nothing to do eagerly here.
}

func (sc *Scrubber) enterWaitLastUpdate(s *session) {
	s.subsetLastUpdate = sc.host.SearchLogForUpdate(s.chunkStart, s.chunkEnd)
	if sc.host.LastUpdateApplied().AtLeast(s.subsetLastUpdate) {
		sc.Post(newEvent(evUpdatesApplied, s.epochStart))
	}
	// else: wait for the external UpdatesApplied notification.
}

func (sc *Scrubber) enterBuildMap(s *session) {
	s.localMap = scrubapi.NewScrubMap()
	s.localMap.Deep = s.isDeep
	s.scanPos = scrubapi.ScanPosition{}
	sc.continueBuildMap(s)
}

func (sc *Scrubber) continueBuildMap(s *session) {
	sc.pool.Submit(func() {
		err := sc.host.Backend().ScanChunk(sc.ctx, s.localMap, &s.scanPos, s.chunkStart, s.chunkEnd, s.isDeep)
		switch {
		case err == nil:
			sc.onLocalMapBuilt(s)
		case errors.Is(err, scrubapi.ErrInProgress):
			requeuePrimary(sc.osd, sc.host, s.priority)
			sc.Post(newEvent(evSchedScrub, s.epochStart))
		default:
			errorsTotal.WithLabelValues(sc.pgid, "shallow").Inc()
			sc.logger.Error("build map failed", "err", err)
			sc.Post(newEvent(evReservationFailure, s.epochStart))
		}
	})
}

func (sc *Scrubber) onLocalMapBuilt(s *session) {
	s.collector.CompleteLocal(sc.self, s.localMap)
	sc.m.transitionTo(stateDrainReplMaps)
	if len(s.collector.awaiting) == 0 {
		sc.osd.QueueScrubGotReplMaps(sc.host, sc.host.OpsBlockedByScrub())
		sc.Post(newEvent(evGotReplicas, s.epochStart))
	}
}

func (sc *Scrubber) enterWaitDigestUpdates(s *session) {
	maps := s.collector.allMaps(sc.self)
	outcome, err := compareMaps(sc.host.Backend(), maps, sc.host.ActingSet(), s.repair)
	if err != nil {
		sc.logger.Error("compare maps failed", "err", err)
		sc.abortSession(s, false)
		return
	}
	s.omapStats = outcome.omapStats
	if outcome.disagreements != nil {
		sc.logger.Warn("scrub disagreement", "pgid", sc.pgid, "detail", outcome.disagreements.Error())
	}
	mergeShardSet(&s.missing, outcome.result.Missing)
	mergeShardSet(&s.inconsistent, outcome.result.Inconsistent)
	mergeShardSet(&s.authoritative, outcome.result.Authoritative)
	s.shallowErrors += int64(outcome.result.ShallowErrDelta)
	s.deepErrors += int64(outcome.result.DeepErrDelta)

	if s.chunkSpan != nil {
		s.chunkSpan.Finish()
		s.chunkSpan = nil
	}
	if !s.chunkStartedAt.IsZero() {
		chunkDuration.WithLabelValues(sc.pgid).Observe(nowStamp().Sub(s.chunkStartedAt).Seconds())
		s.chunkStartedAt = time.Time{}
	}

	// The snap-mapper repair check runs on the cleaned, merged view --
	// the primary's own map with every disagreeing object replaced by its
	// authoritative shard's copy -- not the primary's raw pre-merge
	// BuildMap slice, since the whole point of comparing across shards is
	// to catch a head only a replica has.
	cleaned := mergedObjectsMap(maps, sc.self, s.authoritative)
	fixes, err := computeSnapFixes(cleaned, sc.host.SnapMapper(), s.chunkStart, s.chunkEnd)
	if err != nil {
		sc.logger.Error("snap-mapper comparison failed", "err", err)
	} else if len(fixes) > 0 {
		s.repairYield = newSnapRepairYield()
		s.repairYield.Queue(sc.host, fixes, sc.osd.Clog(), func() {
			sc.Post(newEvent(evApplied, s.epochStart))
		})
	}

	if s.repairYield != nil && !s.repairYield.Ready() {
		// Still waiting on queued snap-mapper fixes; the Applied
		// continuation (posted by snapRepairYield's done callbacks) will
		// re-enter this state's completion via evApplied once ready.
		return
	}
	sc.Post(newEvent(evDigestUpdate, s.epochStart))
}

func (sc *Scrubber) finishChunkOrContinue(s *session) {
	if s.repairYield != nil && !s.repairYield.Ready() {
		return
	}
	if s.chunkEnd.IsMax() {
		sc.scrubFinish(s)
		return
	}
	s.chunkStart = s.chunkEnd
	sc.m.transitionTo(statePendingTimer)
	sc.enterPendingTimer(s)
}

// ---- Replica path state-entry actions ----

func (sc *Scrubber) enterReplicaBuildMap(s *session) {
	s.localMap = scrubapi.NewScrubMap()
	s.localMap.Deep = s.isDeep
	s.scanPos = scrubapi.ScanPosition{}
	sc.continueReplicaBuildMap(s)
}

func (sc *Scrubber) continueReplicaBuildMap(s *session) {
	sc.pool.Submit(func() {
		err := sc.host.Backend().ScanChunk(sc.ctx, s.localMap, &s.scanPos, s.chunkStart, s.chunkEnd, s.isDeep)
		switch {
		case err == nil:
			sc.queueReplicaSnapFixes(s)
		case errors.Is(err, scrubapi.ErrInProgress):
			requeueReplica(sc.osd, sc.host, s.priority)
			sc.Post(newEvent(evSchedReplica, s.epochStart))
		default:
			sc.logger.Error("replica build map failed", "err", err)
			sc.abortSession(s, false)
		}
	})
}

// queueReplicaSnapFixes mirrors the primary's snap-mapper repair pass, but
// a replica never waits for a merged/authoritative view first: it checks
// its own freshly scanned chunk map directly, just like
// build_replica_map_chunk does on its own cleaned chunk map.
func (sc *Scrubber) queueReplicaSnapFixes(s *session) {
	fixes, err := computeSnapFixes(s.localMap, sc.host.SnapMapper(), s.chunkStart, s.chunkEnd)
	if err != nil {
		sc.logger.Error("replica snap-mapper comparison failed", "err", err)
	} else if len(fixes) > 0 {
		s.repairYield = newSnapRepairYield()
		s.repairYield.Queue(sc.host, fixes, sc.osd.Clog(), func() {
			sc.Post(newEvent(evApplied, s.epochStart))
		})
	}

	if s.repairYield == nil || s.repairYield.Ready() {
		sc.m.transitionTo(stateReplicaActiveSendMap)
		sc.sendReplicaMap(s)
	}
	// Otherwise dispatchReplica's stateReplicaActiveBuildMap case resumes
	// on evApplied, once every queued fix has applied.
}

func (sc *Scrubber) sendReplicaMap(s *session) {
	_ = sc.osd.SendMessageOsdCluster(sc.host.Primary(), scrubapi.RepScrubMap{
		PgID:      sc.pgid,
		MapEpoch:  s.epochStart,
		From:      sc.self,
		Preempted: s.preemption.isPreempted(),
	}, s.epochStart)
	chunksTotal.WithLabelValues(sc.pgid).Inc()
	sc.m.transitionTo(stateReplicaIdle)
}

// ---- scrubFinish: step-by-step session termination ----

func (sc *Scrubber) scrubFinish(s *session) {
	// 1. Auto-repair runaway protection: too many errors disables repair
	// rather than rewriting the whole acting set.
	if s.repair && s.autoRepair && len(s.authoritative) > s.cfg.AutoRepairMaxErrs {
		s.repair = false
	}

	// 2. Schedule an immediate deep re-scrub on completion if warranted.
	rearmDeep := s.deepScrubOnError && len(s.authoritative) > 0 && len(s.authoritative) <= s.cfg.AutoRepairMaxErrs

	// 3. Type-specific tally already folded into s.shallowErrors/s.deepErrors
	// as comparisons landed (no separate hook needed: this module does not
	// distinguish further sub-types of scrub beyond shallow/deep).

	// 4. Apply repairs.
	if s.repair {
		for hobj, goodShards := range s.authoritative {
			if missingShards, ok := s.missing[hobj]; ok {
				sc.host.RepairObject(hobj, goodShards, missingShards)
				s.fixedCount++
				repairsTotal.WithLabelValues(sc.pgid).Inc()
				continue
			}
			if missingShards, ok := s.inconsistent[hobj]; ok {
				sc.host.RepairObject(hobj, goodShards, missingShards)
				s.fixedCount++
				repairsTotal.WithLabelValues(sc.pgid).Inc()
			}
		}
	}

	// 5. Structured log line.
	total := s.errorCount()
	verb := "scrub"
	if s.repair {
		verb = "repair"
	}
	if total == 0 {
		sc.osd.Clog().Info(fmt.Sprintf("%s %s ok", sc.pgid, verb))
	} else if s.repair {
		sc.osd.Clog().Info(fmt.Sprintf("%s %s %d errors, %d fixed", sc.pgid, verb, total, s.fixedCount))
	} else {
		sc.osd.Clog().Info(fmt.Sprintf("%s %s %d errors", sc.pgid, verb, total))
		errorsTotal.WithLabelValues(sc.pgid, "shallow").Add(float64(s.shallowErrors))
		if s.deepErrors > 0 {
			errorsTotal.WithLabelValues(sc.pgid, "deep").Add(float64(s.deepErrors))
		}
	}

	// 6. Error-counter / repair-state bookkeeping. The peering "needs
	// recovery" signal only fires for repair-mode scrubs: a plain scrub
	// that merely counted errors has nothing for recovery to act on.
	hadError := s.repair && total > 0
	failedRepair := false
	switch {
	case s.repair && s.fixedCount == total:
		s.shallowErrors, s.deepErrors = 0, 0
	case hadError && s.fixedCount < total:
		if allHaveAuthoritative(s.missing, s.authoritative) && allHaveAuthoritative(s.inconsistent, s.authoritative) {
			// Records that a deep rescan could repair what remains; nothing
			// in this package reads the flag or schedules that rescan.
			s.checkRepair = true
		} else {
			failedRepair = true
		}
	}

	// 7. Update PG history.
	sc.host.UpdateStats(func(h *scrubapi.History, stats *scrubapi.Stats) {
		h.LastScrub = s.subsetLastUpdate
		h.LastScrubStamp = nowStamp()
		if s.isDeep {
			h.LastDeepScrub = s.subsetLastUpdate
			h.LastDeepScrubStamp = nowStamp()
		}
		if total == 0 {
			h.LastCleanScrubStamp = nowStamp()
		}
		stats.NumShallowScrubErrors = s.shallowErrors
		stats.NumDeepScrubErrors = s.deepErrors
		stats.NumScrubErrors = s.shallowErrors + s.deepErrors
		stats.NumLargeOmapObjects = s.omapStats.LargeOmapObjects
		stats.NumOmapBytes = s.omapStats.OmapBytes
		stats.NumOmapKeys = s.omapStats.OmapKeys
	})

	// 8. Peering event / repair state bit. PG_STATE_FAILED_REPAIR itself is
	// a PgHost-owned bit (pg container internals are out of scope); this
	// module only logs the condition that would set it.
	if hadError {
		sc.host.QueuePeeringEvent(scrubapi.DoRecoveryEvent)
	}
	if failedRepair {
		sc.osd.Clog().Error(fmt.Sprintf("%s: errors remain with no authoritative copy", sc.pgid))
	}

	// deepScrubOnError is deliberately reset here rather than preserved
	// across sessions: it is a one-shot flag for the session that set it.
	s.deepScrubOnError = false

	if err := s.store.Flush(); err != nil {
		sc.logger.Error("flush scrub store failed", "err", err)
	}
	s.store.Cleanup(func() {})

	sc.abortSession(s, false)
	sc.host.SnapTrimmerScrubComplete()

	// 9. Re-arm for an immediate deep rescrub if step 2 requested it.
	if rearmDeep {
		sc.logger.Info("re-arming for immediate deep rescrub", "pgid", sc.pgid)
		_ = sc.StartScrub(scrubapi.StartScrubRequest{Deep: true, NeedAuto: true})
	}
}

// mergeShardSet folds a chunk's per-object disagreement findings into the
// session's running set, which spans every chunk scrubbed so far: each
// chunk only ever compares its own objects, so scrubFinish would otherwise
// see just the last chunk's findings.
func mergeShardSet(dst *map[scrubapi.ObjectKey][]scrubapi.ShardID, src map[scrubapi.ObjectKey][]scrubapi.ShardID) {
	if len(src) == 0 {
		return
	}
	if *dst == nil {
		*dst = make(map[scrubapi.ObjectKey][]scrubapi.ShardID, len(src))
	}
	for hobj, shards := range src {
		(*dst)[hobj] = shards
	}
}

func allHaveAuthoritative(set map[scrubapi.ObjectKey][]scrubapi.ShardID, authoritative map[scrubapi.ObjectKey][]scrubapi.ShardID) bool {
	for hobj := range set {
		if len(authoritative[hobj]) == 0 {
			return false
		}
	}
	return true
}

// nowStamp is the one clock read this module performs; isolated behind a
// var so tests can stub it deterministically.
var nowStamp = func() time.Time { return time.Now() }
