package app

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/executor"
	"github.com/vk/gridforge/internal/job"
)

// printSummary writes one line per execution followed by the totals.
func printSummary(w io.Writer, d *dag.DAG, s executor.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tSTATUS\tWORKER\tWALL\tMEMORY\tDETAIL")
	counts := map[executor.Status]int{}
	for _, e := range d.Executions() {
		if int(e.ID) >= len(s.Reports) {
			continue
		}
		r := s.Reports[e.ID]
		status := string(r.Status)
		if r.CacheHit {
			status = "cached"
		}
		counts[r.Status]++
		wall, mem, detail := "-", "-", r.Reason
		if res := r.Result; res != nil {
			wall = res.Resources.WallTime.Round(time.Millisecond).String()
			mem = humanize.IBytes(res.Resources.MemoryKiB * 1024)
			if detail == "" && res.Outcome != job.Success {
				detail = res.Reason()
			}
		}
		worker := r.Worker
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Description, status, worker, wall, mem, detail)
	}
	tw.Flush()

	outcome := "succeeded"
	switch {
	case s.Aborted:
		outcome = "aborted"
	case !s.Success:
		outcome = "failed"
	}
	fmt.Fprintf(w, "\nRun %s: %d succeeded, %d failed, %d skipped; %d dispatched, %d from cache.\n",
		outcome, counts[executor.StatusSuccess], counts[executor.StatusFailed], counts[executor.StatusSkipped],
		s.Dispatched, s.CacheHits)
	if s.DroppedEvents > 0 {
		fmt.Fprintf(w, "%d progress events were dropped.\n", s.DroppedEvents)
	}
}
