// Package moderation decides which labels are currently in effect.
package moderation

import (
	"sort"
	"time"

	"example.com/labeler/internal/domain"
)

// Active reduces raw label events to the ones in effect at now.
//
// For each (src, uri, val) the event with the latest cts wins, with the
// higher seq breaking ties. The key drops out if the winner is a
// negation or has expired. Results are in ascending seq order.
func Active(rows []domain.Label, now time.Time) []domain.Label {
	type candidate struct {
		label domain.Label
		at    time.Time
	}
	latest := make(map[domain.Key]candidate, len(rows))
	for _, l := range rows {
		// Unparseable cts counts as the zero time, leaving seq to decide.
		at, _ := domain.ParseDatetime(l.Cts)
		cur, ok := latest[l.Key()]
		if !ok || at.After(cur.at) || (at.Equal(cur.at) && l.Seq > cur.label.Seq) {
			latest[l.Key()] = candidate{label: l, at: at}
		}
	}

	out := make([]domain.Label, 0, len(latest))
	for _, c := range latest {
		if c.label.Neg || expired(c.label, now) {
			continue
		}
		out = append(out, c.label)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func expired(l domain.Label, now time.Time) bool {
	if l.Exp == "" {
		return false
	}
	exp, err := domain.ParseDatetime(l.Exp)
	if err != nil {
		return false
	}
	return exp.Before(now)
}
