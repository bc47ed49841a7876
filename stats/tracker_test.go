package stats

import (
	"strings"
	"testing"
)

func TestSummaryIncludesCounters(t *testing.T) {
	tr := NewTracker()
	tr.PollCycles.Add(1234)
	tr.BatchesPublished.Add(1200)
	tr.BatchesConsumed.Add(1199)
	tr.StatesApplied.Add(1000000)

	got := tr.Summary(4321, 2)
	for _, want := range []string{"1,234", "1,200/1,199", "1,000,000", "regions 2", "4,321"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary %q missing %q", got, want)
		}
	}
}
