package mistakes

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Cluster groups records into patterns. Records are visited in time
// order; a record joins the latest pattern with its fingerprint when that
// pattern was last seen within the recency window, otherwise it opens a
// new one. The result is sorted by pattern key.
func Cluster(records []Record, now time.Time, cfg Config) []Pattern {
	sorted := append([]Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].MistakeID < sorted[j].MistakeID
	})

	var patterns []*Pattern
	latest := make(map[string]*Pattern) // fingerprint -> open pattern
	opened := make(map[string]int)      // fingerprint -> patterns opened

	for _, r := range sorted {
		p, ok := latest[r.ContextFingerprint]
		if !ok || r.Timestamp.Sub(p.LastSeenAt) > cfg.RecencyWindow {
			opened[r.ContextFingerprint]++
			p = &Pattern{
				PatternKey:  patternKey(r.ContextFingerprint, opened[r.ContextFingerprint]),
				UserID:      r.UserID,
				Language:    r.Language,
				ErrorKind:   r.ErrorKind,
				Fingerprint: r.ContextFingerprint,
				FirstSeenAt: r.Timestamp,
			}
			latest[r.ContextFingerprint] = p
			patterns = append(patterns, p)
		}
		p.MemberMistakeIDs = append(p.MemberMistakeIDs, r.MistakeID)
		p.LastSeenAt = r.Timestamp
	}

	out := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		p.Frequency = len(p.MemberMistakeIDs)
		p.RecentFrequency = recentMembers(p, sorted, now, cfg.RecencyWindow)
		p.Severity = Severity(p.Frequency, p.LastSeenAt, now, cfg.SeverityHalfLife)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternKey < out[j].PatternKey })
	return out
}

func patternKey(fingerprint string, n int) string {
	if n == 1 {
		return fingerprint
	}
	return fmt.Sprintf("%s.%d", fingerprint, n)
}

func recentMembers(p *Pattern, records []Record, now time.Time, window time.Duration) int {
	members := make(map[string]struct{}, len(p.MemberMistakeIDs))
	for _, id := range p.MemberMistakeIDs {
		members[id] = struct{}{}
	}
	cutoff := now.Add(-window)
	n := 0
	for _, r := range records {
		if _, ok := members[r.MistakeID]; ok && r.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Severity weights frequency by an exponential recency decay with the
// given half-life.
func Severity(frequency int, lastSeen, now time.Time, halfLife time.Duration) float64 {
	age := now.Sub(lastSeen)
	if age < 0 || halfLife <= 0 {
		age = 0
	}
	weight := 1.0
	if halfLife > 0 {
		weight = math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
	}
	return float64(frequency) * weight
}

// Reinforcement filters patterns needing reinforcement, ranked by
// severity descending then key.
func Reinforcement(patterns []Pattern, cfg Config) []Pattern {
	var out []Pattern
	for _, p := range patterns {
		if p.NeedsReinforcement(cfg) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].PatternKey < out[j].PatternKey
	})
	return out
}
