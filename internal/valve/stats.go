package valve

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Stats counts, per channel, the rows in which the valve was triggered
// (before padding) since the last reset.
type Stats struct {
	mu     sync.Mutex
	counts []uint64
	cycles uint64
	since  time.Time
}

// StatsSnapshot is a copy of the counters.
type StatsSnapshot struct {
	Counts []uint64  `json:"counts"`
	Cycles uint64    `json:"cycles"`
	Since  time.Time `json:"since"`
}

// NewStats returns zeroed counters for channels valves.
func NewStats(channels int, now time.Time) *Stats {
	return &Stats{counts: make([]uint64, channels), since: now}
}

// Observe adds one cycle of merged Rows x Channels on/off values.
func (s *Stats) Observe(merged []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.counts)
	for i, v := range merged {
		if v != 0 {
			s.counts[i%n]++
		}
	}
	s.cycles++
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Counts: append([]uint64(nil), s.counts...),
		Cycles: s.cycles,
		Since:  s.since,
	}
}

// Reset zeroes the counters.
func (s *Stats) Reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.counts {
		s.counts[i] = 0
	}
	s.cycles = 0
	s.since = now
}

// RenderChart writes an HTML bar chart of the activation counts.
func RenderChart(w io.Writer, snap StatsSnapshot) error {
	x := make([]string, len(snap.Counts))
	y := make([]opts.BarData, len(snap.Counts))
	for i, c := range snap.Counts {
		x[i] = strconv.Itoa(i + 1)
		y[i] = opts.BarData{Value: c}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Valve activations", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Valve activations",
			Subtitle: fmt.Sprintf("%d cycles since %s", snap.Cycles, snap.Since.Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "valve", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "rows triggered"}),
	)
	bar.SetXAxis(x).AddSeries("activations", y)
	return bar.Render(w)
}
