package history

import (
	"sort"
	"time"
)

// Aggregated is one entry of the aggregated-unique view: repeated
// invocations of the same command in the same folder collapsed into
// one record that keeps the most recent occurrence's timing plus use
// and failure counts.
type Aggregated struct {
	Command         string    `json:"command"`
	Folder          string    `json:"folder"`
	MostRecentTime  time.Time `json:"most_recent_time"`
	OccurrenceCount int       `json:"occurrence_count"`
	KnownExitCount  int       `json:"known_exit_count"`
	FailedExitCount int       `json:"failed_exit_count"`
}

// FailRatio returns the fraction of known exits that failed, or -1 when
// no exit statistics are known.
func (a Aggregated) FailRatio() float64 {
	if a.KnownExitCount == 0 {
		return -1
	}
	return float64(a.FailedExitCount) / float64(a.KnownExitCount)
}

// Scorer ranks aggregated entries. Higher scores sort first. The exact
// recency-decay and down-weighting of trivial frequent commands is an
// evolving heuristic, so it is pluggable rather than fixed.
type Scorer interface {
	Score(a Aggregated, now time.Time) float64
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(a Aggregated, now time.Time) float64

func (f ScorerFunc) Score(a Aggregated, now time.Time) float64 {
	return f(a, now)
}

// OccurrenceScorer is the default ranking: occurrence count, with a
// mild recency bonus so that among equally frequent commands the one
// used last wins.
func OccurrenceScorer() Scorer {
	return ScorerFunc(func(a Aggregated, now time.Time) float64 {
		age := now.Sub(a.MostRecentTime).Seconds()
		if age < 1 {
			age = 1
		}
		return float64(a.OccurrenceCount) + 1/age
	})
}

// Aggregate folds events into the aggregated-unique view keyed by
// content fingerprint, so identical command+folder pairs collapse
// across machines. Events must not be mutated concurrently. The result
// is ordered by scorer, best first.
func Aggregate(events []Event, scorer Scorer, now time.Time) []Aggregated {
	if scorer == nil {
		scorer = OccurrenceScorer()
	}

	byIdentity := make(map[Fingerprint]*Aggregated)
	order := make([]*Aggregated, 0)

	for _, e := range events {
		fp := e.Fingerprint()
		a := byIdentity[fp]
		if a == nil {
			a = &Aggregated{
				Command:        e.Command,
				Folder:         e.Folder,
				MostRecentTime: e.StartTime,
			}
			byIdentity[fp] = a
			order = append(order, a)
		}
		if !e.StartTime.Before(a.MostRecentTime) {
			a.MostRecentTime = e.StartTime
		}
		a.OccurrenceCount++
		if e.ExitCode != ExitUnknown {
			a.KnownExitCount++
			if e.ExitCode != 0 {
				a.FailedExitCount++
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return scorer.Score(*order[i], now) > scorer.Score(*order[j], now)
	})

	out := make([]Aggregated, len(order))
	for i, a := range order {
		out[i] = *a
	}
	return out
}
