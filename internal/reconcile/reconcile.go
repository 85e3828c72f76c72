// Package reconcile merges freshly fetched messages into what a timeline
// already holds: content-aware deduplication, contiguity checks and the
// density estimates used to size fetch windows and label sentinels.
package reconcile

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/matheus3301/chatlog/internal/store"
)

// DefaultContiguity is how far apart two edge records may be and still be
// treated as touching.
const DefaultContiguity = time.Second

// DefaultTimeGap is the minimum distance between a requested range start and
// the oldest returned record for the range to count as under-covered.
const DefaultTimeGap = 600 * time.Second

// Key is the version key of a message: seq, time and talker.
func Key(m store.Message) string {
	return strconv.FormatInt(m.Seq, 10) + "|" + strconv.FormatInt(m.Timestamp().UnixMilli(), 10) + "|" + m.Talker
}

// SameInstance reports whether two records with the same key also agree on
// every content-level field.
func SameInstance(a, b store.Message) bool {
	return a.Sender == b.Sender &&
		a.Type == b.Type &&
		a.Content == b.Content &&
		contentsEqual(a.Contents, b.Contents)
}

func contentsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Decoded JSON and hand-built maps differ in number types.
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// Ambiguity is an incoming record whose key collides with an existing one
// while its content differs. Both versions are kept.
type Ambiguity struct {
	Existing store.Message
	Incoming store.Message
}

// Outcome is the result of Deduplicate.
type Outcome struct {
	Unique     []store.Message
	Duplicates int
	Ambiguous  []Ambiguity
}

// Deduplicate drops incoming records that are exact instances of an existing
// record (or of an earlier record in the same batch). A colliding key with
// different content is kept and reported as ambiguous.
func Deduplicate(existing, incoming []store.Message) Outcome {
	seen := make(map[string][]store.Message, len(existing)+len(incoming))
	for _, m := range existing {
		k := Key(m)
		seen[k] = append(seen[k], m)
	}

	var out Outcome
	for _, m := range incoming {
		k := Key(m)
		prior, collides := seen[k]
		if collides {
			dup := false
			for _, p := range prior {
				if SameInstance(p, m) {
					dup = true
					break
				}
			}
			if dup {
				out.Duplicates++
				continue
			}
			out.Ambiguous = append(out.Ambiguous, Ambiguity{Existing: prior[0], Incoming: m})
		}
		seen[k] = append(seen[k], m)
		out.Unique = append(out.Unique, m)
	}
	return out
}

// IsContiguous reports whether an older batch (oldest first) touches the
// existing real records (oldest first). The batch's newest record is its
// edge. It is contiguous when that edge is the existing oldest record, when
// the two are within threshold, or when the edge is present anywhere in
// existing.
func IsContiguous(batch, existing []store.Message, threshold time.Duration) bool {
	if len(batch) == 0 || len(existing) == 0 {
		return false
	}
	edge := batch[len(batch)-1]
	first := existing[0]
	if edge.Seq == first.Seq && edge.Timestamp().Equal(first.Timestamp()) {
		return true
	}
	diff := first.Timestamp().Sub(edge.Timestamp())
	if diff < 0 {
		diff = -diff
	}
	if diff <= threshold {
		return true
	}
	for _, m := range existing[1:] {
		if m.Seq == edge.Seq && m.Timestamp().Equal(edge.Timestamp()) {
			return true
		}
	}
	return false
}

// Density returns messages per day over the span of msgs (oldest first).
// Fewer than two messages yield 0. A span under 0.01 day is treated as very
// dense: 100 per message.
func Density(msgs []store.Message) float64 {
	if len(msgs) < 2 {
		return 0
	}
	span := msgs[len(msgs)-1].Timestamp().Sub(msgs[0].Timestamp())
	days := math.Abs(span.Hours() / 24)
	if days < 0.01 {
		return float64(len(msgs)) * 100
	}
	return float64(len(msgs)) / days
}

// EstimateCount labels a span with an expected message count. It is only
// ever shown to users.
func EstimateCount(span time.Duration, density float64) int {
	if density <= 0 || span <= 0 {
		return 0
	}
	n := math.Round(density * span.Hours() / 24)
	if n < 0 {
		return 0
	}
	return int(n)
}

// DetectTimeGap reports whether batch (oldest first) starts more than
// threshold after requestedStart. It returns the time of the oldest returned
// record, which is where the uncovered span ends.
func DetectTimeGap(requestedStart time.Time, batch []store.Message, threshold time.Duration) (time.Time, bool) {
	if len(batch) == 0 || requestedStart.IsZero() {
		return time.Time{}, false
	}
	oldest := batch[0].Timestamp()
	if oldest.Sub(requestedStart) > threshold {
		return oldest, true
	}
	return time.Time{}, false
}
