package store

import (
	"context"
	"testing"
	"time"
)

func TestAddCoverageFolds(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }
	span := func(a, b int) TimeRange { return TimeRange{Start: at(a), End: at(b)} }

	steps := []struct {
		add  TimeRange
		want []TimeRange
	}{
		{span(0, 1), []TimeRange{span(0, 1)}},
		{span(5, 6), []TimeRange{span(0, 1), span(5, 6)}},
		{TimeRange{}, []TimeRange{span(0, 1), span(5, 6)}},
		{span(4, 3), []TimeRange{span(0, 1), span(5, 6)}},
		// Touching spans join.
		{span(1, 2), []TimeRange{span(0, 2), span(5, 6)}},
		{span(2, 5), []TimeRange{span(0, 6)}},
		{span(3, 4), []TimeRange{span(0, 6)}},
	}
	for i, st := range steps {
		if err := db.AddCoverage(ctx, "t1", st.add); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		got, err := db.Coverage(ctx, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(st.want) {
			t.Fatalf("step %d: coverage = %v, want %v", i, got, st.want)
		}
		for j := range got {
			if !got[j].Start.Equal(st.want[j].Start) || !got[j].End.Equal(st.want[j].End) {
				t.Errorf("step %d: span %d = %v..%v, want %v..%v", i, j, got[j].Start, got[j].End, st.want[j].Start, st.want[j].End)
			}
		}
	}

	other, err := db.Coverage(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("coverage of another talker = %v, want none", other)
	}
}
