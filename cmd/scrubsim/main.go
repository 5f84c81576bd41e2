// Command scrubsim drives one PgHost/OsdServices pair through a full scrub
// session, end to end, as a runnable demonstration of the coordinator in
// internal/scrub. It is not a production OSD: the PgHost/OsdServices
// implementations here are in-memory stand-ins for a single-shard PG.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ronen-fr/pgscrub/internal/common/logging"
	"github.com/ronen-fr/pgscrub/internal/common/persistent"
	"github.com/ronen-fr/pgscrub/internal/common/tracing"
	"github.com/ronen-fr/pgscrub/internal/common/workerpool"
	"github.com/ronen-fr/pgscrub/internal/scrub"
	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

const (
	cfgPgID     = "pgid"
	cfgObjects  = "objects"
	cfgDeep     = "deep"
	cfgRepair   = "repair"
	cfgLogLevel = "log.level"
	cfgDataDir  = "data_dir"
)

func main() {
	root := &cobra.Command{
		Use:   "scrubsim",
		Short: "Runs one simulated PG scrub session to completion",
		RunE:  run,
	}
	root.Flags().String(cfgPgID, "1.0", "Identifier of the simulated PG")
	root.Flags().Int(cfgObjects, 40, "Number of objects to populate the simulated namespace with")
	root.Flags().Bool(cfgDeep, false, "Run a deep scrub instead of a shallow one")
	root.Flags().Bool(cfgRepair, true, "Apply repairs for any inconsistency found")
	root.Flags().String(cfgLogLevel, "info", "Minimum log level (debug, info, warn, error)")
	root.Flags().String(cfgDataDir, "", "Badger data directory for the scrub store (empty: in-memory)")
	scrubapi.RegisterFlags(root)
	for _, v := range []string{cfgPgID, cfgObjects, cfgDeep, cfgRepair, cfgLogLevel, cfgDataDir} {
		_ = viper.BindPFlag(v, root.Flags().Lookup(v))
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.SetLevel(viper.GetString(cfgLogLevel))
	logger := logging.GetLogger("scrubsim")

	closer, err := tracing.Init("scrubsim")
	if err != nil {
		return fmt.Errorf("scrubsim: init tracing: %w", err)
	}
	defer closer.Close()

	if err := scrub.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("scrubsim: register metrics: %w", err)
	}

	db, err := persistent.Open(viper.GetString(cfgDataDir))
	if err != nil {
		return fmt.Errorf("scrubsim: open store: %w", err)
	}
	defer db.Close()

	pgid := viper.GetString(cfgPgID)
	objects := makeObjects(viper.GetInt(cfgObjects))
	backend := newMemBackend(objects, 7)

	host := &memHost{
		pgid:       pgid,
		self:       1,
		backend:    backend,
		snapMapper: newMemSnapMapper(),
		epoch:      1,
	}
	cfg := scrubapi.ConfigFromViper()

	osd := &memOSD{host: host, sleep: time.Duration(cfg.SleepTime * float64(time.Second))}

	pool := workerpool.New("scrubsim", cfg.MaxActiveFetches)
	defer pool.Stop()

	localCounter := scrub.NewScrubCounter(4)
	remoteCounter := scrub.NewScrubCounter(4)

	storeFactory := func(pgid string) scrubapi.ScrubStore {
		return persistent.NewStore(db, pgid)
	}

	sc := scrub.NewScrubber(pgid, host.self, host, osd, storeFactory, cfg, localCounter, remoteCounter, pool)
	defer sc.Stop()
	osd.sc = sc

	done := make(chan struct{})
	finishWatcher := &finishSignal{ch: done}
	host.onFinish = finishWatcher.fire

	logger.Info("starting scrub", "pgid", pgid, "objects", len(objects), "deep", viper.GetBool(cfgDeep))

	if err := sc.StartScrub(scrubapi.StartScrubRequest{
		Deep:            viper.GetBool(cfgDeep),
		Repair:          viper.GetBool(cfgRepair),
		MustScrub:       true,
		AllowPreemption: true,
	}); err != nil {
		return fmt.Errorf("scrubsim: start scrub: %w", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Error("scrub did not complete within timeout")
	}

	sc.QueryState(func(status scrubapi.Status) {
		fmt.Printf("final status: active=%v start=%s end=%s maxEnd=%s\n",
			status.Active, status.Start, status.End, status.MaxEnd)
	})
	host.mu.Lock()
	fmt.Printf("history: lastScrub=%v lastScrubStamp=%s\n", host.history.LastScrub, host.history.LastScrubStamp)
	fmt.Printf("stats: shallowErrors=%d deepErrors=%d\n", host.stats.NumShallowScrubErrors, host.stats.NumDeepScrubErrors)
	host.mu.Unlock()
	return nil
}

// finishSignal fires its channel exactly once, so main can wait for
// scrubFinish without the demo host needing its own sync.Once import.
type finishSignal struct {
	ch   chan struct{}
	done bool
}

func (f *finishSignal) fire() {
	if f.done {
		return
	}
	f.done = true
	close(f.ch)
}

func makeObjects(n int) []memObject {
	objs := make([]memObject, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("obj-%04d", i)
		objs = append(objs, memObject{
			key: scrubapi.ObjectKey{Namespace: "", Name: name, Snap: scrubapi.SnapHead},
			meta: scrubapi.ObjectMetadata{
				Size:       int64(1024 + i),
				Digest:     []byte(fmt.Sprintf("digest-%d", i)),
				OmapDigest: []byte("omap-digest"),
			},
		})
	}
	return objs
}
