package commands

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/fleetwire/fleetwire/pkg/log"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// Stats aggregates a trace file.
type Stats struct {
	TotalEvents int
	ByLayer     map[log.Layer]int
	ByCategory  map[log.Category]int
	ByDirection map[log.Direction]int
	Connections int
	Hosts       map[string]*HostStats
	Errors      int
	Start, End  time.Time
}

// HostStats holds the dispatch-layer counters of one host.
type HostStats struct {
	Commands     int
	Answers      int
	Failed       int
	Late         int
	TotalLatency time.Duration
	timed        int
}

// MeanLatency returns the average latency of answers that carried one.
func (h *HostStats) MeanLatency() time.Duration {
	if h.timed == 0 {
		return 0
	}
	return h.TotalLatency / time.Duration(h.timed)
}

// Collect reads path and aggregates the events matching filter.
func Collect(path string, filter log.Filter) (*Stats, error) {
	stats := &Stats{
		ByLayer:     make(map[log.Layer]int),
		ByCategory:  make(map[log.Category]int),
		ByDirection: make(map[log.Direction]int),
		Hosts:       make(map[string]*HostStats),
	}
	conns := make(map[string]struct{})

	err := each(path, filter, func(event log.Event) error {
		stats.TotalEvents++
		stats.ByLayer[event.Layer]++
		stats.ByCategory[event.Category]++
		stats.ByDirection[event.Direction]++
		if event.ConnectionID != "" {
			conns[event.ConnectionID] = struct{}{}
		}
		if stats.Start.IsZero() || event.Timestamp.Before(stats.Start) {
			stats.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.End) {
			stats.End = event.Timestamp
		}
		if event.Error != nil {
			stats.Errors++
		}
		if event.Layer == log.LayerDispatch && event.Message != nil && event.HostID != "" {
			stats.host(event.HostID).count(event.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Connections = len(conns)
	return stats, nil
}

func (s *Stats) host(id string) *HostStats {
	h, ok := s.Hosts[id]
	if !ok {
		h = &HostStats{}
		s.Hosts[id] = h
	}
	return h
}

func (h *HostStats) count(msg *log.MessageEvent) {
	switch msg.Kind {
	case wire.KindCommand:
		h.Commands++
	case wire.KindAnswer:
		h.Answers++
		if msg.Success != nil && !*msg.Success {
			h.Failed++
		}
		if msg.Late {
			h.Late++
		}
		if msg.Latency != nil {
			h.TotalLatency += *msg.Latency
			h.timed++
		}
	}
}

// RunStats prints the aggregate of path to w.
func RunStats(path string, filter log.Filter, w io.Writer) error {
	stats, err := Collect(path, filter)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, s *Stats) {
	fmt.Fprintln(w, "=== fleetwire trace statistics ===")
	fmt.Fprintln(w)

	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", s.End.Sub(s.Start).Round(time.Second))
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Total Events: %d\n", s.TotalEvents)
	fmt.Fprintf(w, "Connections:  %d\n", s.Connections)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, l := range []log.Layer{log.LayerTransport, log.LayerDispatch} {
		if n := s.ByLayer[l]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", l.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, c := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if n := s.ByCategory[c]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", c.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, d := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if n := s.ByDirection[d]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", d.String()+":", n)
		}
	}

	if len(s.Hosts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Hosts: %d\n", len(s.Hosts))
		ids := make([]string, 0, len(s.Hosts))
		for id := range s.Hosts {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			h := s.Hosts[id]
			fmt.Fprintf(w, "  %s: %d commands, %d answers (%d failed, %d late), mean latency %s\n",
				id, h.Commands, h.Answers, h.Failed, h.Late, formatDuration(h.MeanLatency()))
		}
	}

	if s.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", s.Errors)
	}
}
