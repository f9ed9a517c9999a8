// Package retention implements the pure snapshot eligibility and retention
// algorithms shared by every sync and prune cycle: which snapshot is ready to
// send next, what incremental parent to send it against, and which snapshots
// a bucketed retention policy says to drop.
package retention

import (
	"sort"
	"time"

	"github.com/blockvault/bvault/pkg/types"
)

// Snapshot is the minimal shape the retention algorithms need: an identity
// and a point in time. Dataset, container, and dedup snapshot records all
// project down to this.
type Snapshot struct {
	UUID     types.ID
	Datetime time.Time
}

// FindKind selects which candidate in the send-eligible window to return.
type FindKind int

const (
	Earliest FindKind = iota
	Latest
	LatestBefore
	EarliestBefore
)

// FindMode parameterizes FindReady. Before is only consulted for the
// *Before variants.
type FindMode struct {
	Kind   FindKind
	Before time.Time
}

// FindReady picks the next dataset snapshot eligible to send to a container,
// given both lists ordered by datetime ascending. Returns nil if none is
// eligible.
func FindReady(datasetList, containerList []Snapshot, mode FindMode) *Snapshot {
	if len(containerList) == 0 {
		if len(datasetList) == 0 {
			return nil
		}
		last := datasetList[len(datasetList)-1]
		return &last
	}

	lastC := containerList[len(containerList)-1].Datetime
	var toSend []Snapshot
	for _, s := range datasetList {
		if s.Datetime.After(lastC) {
			toSend = append(toSend, s)
		}
	}
	if len(toSend) == 0 {
		return nil
	}

	switch mode.Kind {
	case Earliest:
		return &toSend[0]
	case Latest:
		return &toSend[len(toSend)-1]
	case LatestBefore:
		var res *Snapshot
		for i := range toSend {
			if toSend[i].Datetime.Before(mode.Before) {
				s := toSend[i]
				res = &s
			}
		}
		return res
	case EarliestBefore:
		for i := range toSend {
			if toSend[i].Datetime.Before(mode.Before) {
				s := toSend[i]
				return &s
			}
		}
		return nil
	default:
		return nil
	}
}

// FindParent returns the dataset snapshot with the largest datetime strictly
// less than child's that is present in both lists (matched by UUID), or nil
// if no such snapshot exists (meaning a full send).
func FindParent(child Snapshot, datasetList, containerList []Snapshot) *Snapshot {
	inContainer := make(map[types.ID]bool, len(containerList))
	for _, c := range containerList {
		inContainer[c.UUID] = true
	}

	var best *Snapshot
	for i := range datasetList {
		d := datasetList[i]
		if !d.Datetime.Before(child.Datetime) {
			continue
		}
		if !inContainer[d.UUID] {
			continue
		}
		if best == nil || d.Datetime.After(best.Datetime) {
			s := d
			best = &s
		}
	}
	return best
}

// Result is the partition produced by EvaluateRetention. The three sets are
// disjoint and together cover the input.
type Result struct {
	Drop          []Snapshot
	KeepMinimum   []Snapshot
	KeepIntervals [][]Snapshot
}

type bucket struct {
	endTime time.Time
	keep    types.Keep
}

// EvaluateRetention buckets snapshots by age per rules.Intervals, keeping up
// to Keep.Count (or all, if Keep.All) of the newest snapshots in each
// bucket. A snapshot that its bucket rejects (full, or none covers it) is
// still retained as a KeepMinimum if its overall recency rank is within
// rules.NewestCount; otherwise it is dropped. The bucket cursor advances
// monotonically, newest snapshot first: each snapshot either lands in the
// bucket the cursor is already parked on (advancing it first if the
// snapshot is older than that bucket's end time) or falls through to the
// newest-count backstop.
func EvaluateRetention(snapshots []Snapshot, rules types.RetentionRuleset) Result {
	if len(snapshots) == 0 {
		return Result{}
	}

	sorted := make([]Snapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Datetime.After(sorted[j].Datetime)
	})

	var buckets []bucket
	endTime := sorted[0].Datetime
	for _, interval := range rules.Intervals {
		for r := 0; r < interval.Repeat; r++ {
			endTime = endTime.Add(-interval.Duration)
			buckets = append(buckets, bucket{endTime: endTime, keep: interval.Keep})
		}
	}

	keepIntervals := make([][]Snapshot, len(buckets))
	counts := make([]int, len(buckets))
	var keepMinimum, drop []Snapshot

	bucketIdx := 0
	for index, s := range sorted {
		for bucketIdx < len(buckets) && s.Datetime.Before(buckets[bucketIdx].endTime) {
			bucketIdx++
		}

		switch {
		case bucketIdx < len(buckets) && (buckets[bucketIdx].keep.All || counts[bucketIdx] < buckets[bucketIdx].keep.Count):
			keepIntervals[bucketIdx] = append(keepIntervals[bucketIdx], s)
			counts[bucketIdx]++
		case index < rules.NewestCount:
			keepMinimum = append(keepMinimum, s)
		default:
			drop = append(drop, s)
		}
	}

	return Result{Drop: drop, KeepMinimum: keepMinimum, KeepIntervals: keepIntervals}
}
