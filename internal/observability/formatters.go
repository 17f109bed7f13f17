// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/replicable-dev/researchpipe/internal/db"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 8
	// hashPreview is how many hex characters of an artifact hash to show
	hashPreview = 12
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func shortHash(hash string) string {
	if len(hash) <= hashPreview {
		return hash
	}
	return hash[:hashPreview]
}

// PrintStageResult outputs a one-box summary of a finished stage attempt.
func (p *Printer) PrintStageResult(stageID, cacheStatus, outcome, detail string, durationMs int64) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Cache:    %s\n", cacheStatus))
	sb.WriteString(fmt.Sprintf("Outcome:  %s\n", outcome))
	sb.WriteString(fmt.Sprintf("Duration: %dms", durationMs))
	if detail != "" {
		sb.WriteString(fmt.Sprintf("\n\n%s", detail))
	}
	p.printBox(fmt.Sprintf("STAGE %s", strings.ToUpper(stageID)), sb.String())
}

// PrintRun outputs a human-readable summary of a run record.
func (p *Printer) PrintRun(run *db.Run) {
	if run == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("Pipeline: %s\n", run.Pipeline))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", run.Status))
	if run.FailedStage != "" {
		sb.WriteString(fmt.Sprintf("Failed:   %s (%s)\n", run.FailedStage, run.FailureOutcome))
	}
	sb.WriteString(fmt.Sprintf("Started:  %s", run.CreatedAt.Format("2006-01-02 15:04:05")))
	if run.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("\nFinished: %s", run.CompletedAt.Format("2006-01-02 15:04:05")))
	}
	p.printBox("PIPELINE RUN", sb.String())
}

// PrintManifest outputs the provenance manifest of a run in append order.
func (p *Printer) PrintManifest(entries []db.ManifestEntry) {
	if len(entries) == 0 {
		fmt.Fprintf(p.out, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, "MANIFEST IS EMPTY")
		fmt.Fprintf(p.out, "└%s┘\n", strings.Repeat("─", boxWidth-2))
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Total entries: %d\n\n", len(entries)))

	count := min(len(entries), maxItemsToShow)
	for i := 0; i < count; i++ {
		e := entries[i]
		sb.WriteString(fmt.Sprintf("#%d  %s\n", e.Seq, e.StageID))
		sb.WriteString(fmt.Sprintf("    %s / %s", e.CacheStatus, e.Outcome))
		if e.OutputHash != "" {
			sb.WriteString(fmt.Sprintf("  → %s", shortHash(e.OutputHash)))
		}
		sb.WriteString("\n")
		if e.ModelID != "" {
			sb.WriteString(fmt.Sprintf("    Model: %s ($%.4f)\n", e.ModelID, e.Cost))
		}
		if i < count-1 {
			sb.WriteString("\n")
		}
	}
	if len(entries) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("\n... and %d more entries", len(entries)-maxItemsToShow))
	}

	p.printBox("PROVENANCE MANIFEST", sb.String())
}

// PrintCacheActivity summarizes hit/miss counts across a run's entries.
func (p *Printer) PrintCacheActivity(entries []db.ManifestEntry) {
	if len(entries) == 0 {
		return
	}
	hits, misses := 0, 0
	var cost float64
	var duration int64
	for _, e := range entries {
		switch e.CacheStatus {
		case db.CacheHit:
			hits++
		case db.CacheMiss:
			misses++
		}
		cost += e.Cost
		duration += e.DurationMs
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Hits:     %d\n", hits))
	sb.WriteString(fmt.Sprintf("Misses:   %d\n", misses))
	sb.WriteString(fmt.Sprintf("Cost:     $%.4f\n", cost))
	sb.WriteString(fmt.Sprintf("Duration: %dms", duration))
	p.printBox("CACHE ACTIVITY", sb.String())
}
