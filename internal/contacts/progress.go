package contacts

import (
	"math"
	"time"
)

// Phase names a stage of a refresh.
type Phase string

const (
	PhaseAPI  Phase = "api"
	PhaseDB   Phase = "db"
	PhaseDone Phase = "done"
)

// Progress is a point-in-time snapshot of a refresh. The API phase covers
// 0-80% and the database phase 80-100%.
type Progress struct {
	Loaded                 int           `json:"loaded" yaml:"loaded"`
	Total                  int           `json:"total" yaml:"total"`
	Percentage             float64       `json:"percentage" yaml:"percentage"`
	Phase                  Phase         `json:"phase" yaml:"phase"`
	CurrentBatch           int           `json:"currentBatch" yaml:"currentBatch"`
	TotalBatches           int           `json:"totalBatches" yaml:"totalBatches"`
	ItemsPerSecond         float64       `json:"itemsPerSecond" yaml:"itemsPerSecond"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining" yaml:"estimatedTimeRemaining"`
}

// tracker turns raw counters into Progress snapshots. baseline is the
// directory size before the refresh; zero means the total is unknown and is
// estimated from the pages seen so far.
type tracker struct {
	baseline int
	pageSize int
	started  time.Time
	now      func() time.Time
}

func newTracker(baseline, pageSize int, now func() time.Time) *tracker {
	return &tracker{baseline: baseline, pageSize: pageSize, started: now(), now: now}
}

func (t *tracker) elapsed() time.Duration {
	return t.now().Sub(t.started)
}

func (t *tracker) rate(n int) float64 {
	secs := t.elapsed().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(n) / secs
}

func (t *tracker) api(loaded, batch int, more bool) Progress {
	total := t.baseline
	capPct := apiWeight
	switch {
	case !more:
		total = loaded
	case total <= 0 || loaded >= total:
		total = int(math.Max(float64(loaded)*1.5, float64(loaded+t.pageSize)))
		capPct = apiWeight - 1
	}
	pct := 0.0
	if total > 0 {
		pct = math.Min(capPct, float64(loaded)/float64(total)*apiWeight)
	}

	p := Progress{
		Loaded:         loaded,
		Total:          total,
		Percentage:     pct,
		Phase:          PhaseAPI,
		CurrentBatch:   batch,
		TotalBatches:   max(batch, ceilDiv(total, t.pageSize)),
		ItemsPerSecond: t.rate(loaded),
	}
	if p.ItemsPerSecond > 0 && total > loaded {
		p.EstimatedTimeRemaining = time.Duration(float64(total-loaded) / p.ItemsPerSecond * float64(time.Second))
	}
	return p
}

func (t *tracker) db(total, chunk, chunks int) Progress {
	pct := apiWeight
	if chunks > 0 {
		pct += float64(chunk) / float64(chunks) * (100 - apiWeight)
	}
	return Progress{
		Loaded:         total,
		Total:          total,
		Percentage:     pct,
		Phase:          PhaseDB,
		CurrentBatch:   chunk,
		TotalBatches:   chunks,
		ItemsPerSecond: t.rate(total),
	}
}

func (t *tracker) done(total int) Progress {
	return Progress{
		Loaded:         total,
		Total:          total,
		Percentage:     100,
		Phase:          PhaseDone,
		CurrentBatch:   ceilDiv(total, t.pageSize),
		TotalBatches:   ceilDiv(total, t.pageSize),
		ItemsPerSecond: t.rate(total),
	}
}
