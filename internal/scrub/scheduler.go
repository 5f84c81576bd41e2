package scrub

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// computeBasePriority picks a session's base priority: the configured
// requested-scrub priority when it was explicitly requested or needed for
// auto-repair, else the PG's own default.
func computeBasePriority(mustScrub, needAuto bool, cfg scrubapi.Config, pgDefault scrubapi.Priority) scrubapi.Priority {
	if mustScrub || needAuto {
		return cfg.RequestedPriority
	}
	return pgDefault
}

// effectivePriority applies the high-priority coercion used when enqueuing
// subsequent work: a highPriority request never sorts below
// cfg.ClientOpPriority.
func effectivePriority(base scrubapi.Priority, highPriority bool, cfg scrubapi.Config) scrubapi.Priority {
	if highPriority && base < cfg.ClientOpPriority {
		return cfg.ClientOpPriority
	}
	return base
}

// scheduleSleep arms the PendingTimer suspension point: a wall-clock sleep
// driven by an external timer rather than a blocking goroutine.
func scheduleSleep(osd scrubapi.OsdServices, markedMust bool, cb func()) {
	d := osd.ScrubSleepTime(markedMust)
	osd.AddEventAfter(d, cb)
}

// requeuePrimary and requeueReplica are the two requeue suspension points
// used when a BuildMap slice returns ErrInProgress.
func requeuePrimary(osd scrubapi.OsdServices, host scrubapi.PgHost, prio scrubapi.Priority) {
	osd.QueueForScrubResched(host, prio)
}

func requeueReplica(osd scrubapi.OsdServices, host scrubapi.PgHost, prio scrubapi.Priority) {
	osd.QueueForRepScrubResched(host, prio)
}

// retryingMessenger wraps a Messenger with bounded exponential backoff
// before surfacing a transient send failure. It is exercised only by this
// package's tests; the core coordinator never retries a send itself, it
// simply reports the error from OsdServices.SendMessageOsdCluster.
type retryingMessenger struct {
	inner   scrubapi.Messenger
	maxTry  uint64
	backoff func() backoff.BackOff
}

// newRetryingMessenger wraps inner with a 3-attempt bounded exponential
// backoff.
func newRetryingMessenger(inner scrubapi.Messenger) *retryingMessenger {
	return &retryingMessenger{
		inner:  inner,
		maxTry: 3,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxElapsedTime = time.Second
			return b
		},
	}
}

func (m *retryingMessenger) Send(peer scrubapi.ShardID, msg interface{}) error {
	// maxTry counts attempts; WithMaxRetries counts retries after the first.
	policy := backoff.WithMaxRetries(m.backoff(), m.maxTry-1)
	return backoff.Retry(func() error {
		return m.inner.Send(peer, msg)
	}, policy)
}

var _ scrubapi.Messenger = (*retryingMessenger)(nil)
