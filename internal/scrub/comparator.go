package scrub

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// comparisonOutcome is the design-level result of comparing a chunk's maps
// and deciding what (if anything) needs repair. The actual byte-level
// digest/metadata comparison is delegated to PgHost.Backend -- this is
// glue, not the comparator itself.
type comparisonOutcome struct {
	masterSet     []scrubapi.ObjectKey
	omapStats     scrubapi.OmapStats
	omapLog       string
	result        scrubapi.CompareResult
	disagreements error // aggregated via multierror, nil when nothing disagreed
}

// compareMaps builds the master set, runs the omap check, and (when more
// than one shard participated) runs the backend comparator. It never
// inspects object bytes itself.
func compareMaps(
	backend scrubapi.Backend,
	maps map[scrubapi.ShardID]*scrubapi.ScrubMap,
	actingSet []scrubapi.ShardID,
	repair bool,
) (comparisonOutcome, error) {
	masterSet := unionObjectKeys(maps)

	omapStats, omapLog, err := backend.OmapChecks(maps, masterSet)
	if err != nil {
		return comparisonOutcome{}, fmt.Errorf("scrub: omap check: %w", err)
	}

	outcome := comparisonOutcome{
		masterSet: masterSet,
		omapStats: omapStats,
		omapLog:   omapLog,
	}

	if len(actingSet) <= 1 {
		return outcome, nil
	}

	result, err := backend.CompareScrubmaps(maps, masterSet, repair, actingSet)
	if err != nil {
		return comparisonOutcome{}, fmt.Errorf("scrub: compare maps: %w", err)
	}
	outcome.result = result
	outcome.disagreements = aggregateDisagreements(result)
	return outcome, nil
}

// aggregateDisagreements rolls every shard-level disagreement that drove an
// authoritative decision into one error, so a single structured log call
// (and a single returned error) can enumerate every disagreeing shard.
func aggregateDisagreements(result scrubapi.CompareResult) error {
	var merr *multierror.Error
	for hobj, shards := range result.Missing {
		merr = multierror.Append(merr, fmt.Errorf("%s: missing on shards %v", hobj, shards))
	}
	for hobj, shards := range result.Inconsistent {
		merr = multierror.Append(merr, fmt.Errorf("%s: inconsistent on shards %v", hobj, shards))
	}
	return merr.ErrorOrNil()
}

// mergedObjectsMap builds the "cleaned" map snap-mapper repair checks
// against: the primary's own chunk map, with each object the comparator
// found a disagreement on replaced by the last listed authoritative
// shard's version -- the same cleaned_meta_map construction the primary
// runs every chunk, whether or not the acting set has more than one member.
func mergedObjectsMap(maps map[scrubapi.ShardID]*scrubapi.ScrubMap, self scrubapi.ShardID, authoritative map[scrubapi.ObjectKey][]scrubapi.ShardID) *scrubapi.ScrubMap {
	merged := scrubapi.NewScrubMap()
	if primary := maps[self]; primary != nil {
		for k, v := range primary.Objects {
			merged.Objects[k] = v
		}
	}
	for hobj, shards := range authoritative {
		if len(shards) == 0 {
			continue
		}
		good := shards[len(shards)-1]
		if m := maps[good]; m != nil {
			if meta, ok := m.Objects[hobj]; ok {
				merged.Objects[hobj] = meta
			}
		}
	}
	return merged
}

func unionObjectKeys(maps map[scrubapi.ShardID]*scrubapi.ScrubMap) []scrubapi.ObjectKey {
	seen := make(map[scrubapi.ObjectKey]struct{})
	for _, m := range maps {
		if m == nil {
			continue
		}
		for k := range m.Objects {
			seen[k] = struct{}{}
		}
	}
	out := make([]scrubapi.ObjectKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}
