// Package report renders stored studies as Markdown.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sbenjam1n/studysync/internal/storage"
	"github.com/sbenjam1n/studysync/internal/trial"
)

// Exporter writes one Markdown file per study plus an index under dir.
type Exporter struct {
	st     storage.Storage
	dir    string
	logger *zap.Logger
}

// NewExporter creates a new exporter.
func NewExporter(st storage.Storage, dir string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{st: st, dir: dir, logger: logger}
}

// ExportAll regenerates the whole report directory and returns the files
// it wrote.
func (e *Exporter) ExportAll(ctx context.Context) ([]string, error) {
	if err := os.MkdirAll(filepath.Join(e.dir, "studies"), 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	summaries, err := e.st.GetAllStudySummaries(ctx)
	if err != nil {
		return nil, err
	}

	var index strings.Builder
	index.WriteString("# Studies\n\n")
	if len(summaries) == 0 {
		index.WriteString("_No studies._\n")
	}

	written := make([]string, 0, len(summaries)+1)
	for _, s := range summaries {
		trials, err := e.st.GetAllTrials(ctx, s.StudyID)
		if err != nil {
			return written, fmt.Errorf("study %s: %w", s.StudyName, err)
		}
		file := filepath.Join("studies", slug(s.StudyName)+".md")
		path := filepath.Join(e.dir, file)
		if err := os.WriteFile(path, []byte(Study(s, trials)), 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)

		best := "-"
		if s.BestTrial != nil && s.BestTrial.Value != nil {
			best = formatFloat(*s.BestTrial.Value)
		}
		fmt.Fprintf(&index, "- [%s](%s): %s, %d trials, best %s\n",
			s.StudyName, filepath.ToSlash(file), strings.ToLower(s.Direction.String()), s.NTrials, best)
	}

	indexPath := filepath.Join(e.dir, "index.md")
	if err := os.WriteFile(indexPath, []byte(index.String()), 0o644); err != nil {
		return written, fmt.Errorf("write %s: %w", indexPath, err)
	}
	written = append(written, indexPath)
	e.logger.Info("report exported", zap.String("dir", e.dir), zap.Int("studies", len(summaries)))
	return written, nil
}

// Study renders a single study.
func Study(s trial.StudySummary, trials []*trial.FrozenTrial) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.StudyName)
	fmt.Fprintf(&b, "**Direction**: %s\n\n", strings.ToLower(s.Direction.String()))

	counts := make(map[trial.State]int)
	for _, t := range trials {
		counts[t.State]++
	}
	b.WriteString("## Trials\n\n")
	for _, st := range []trial.State{trial.Complete, trial.Pruned, trial.Fail, trial.Running} {
		fmt.Fprintf(&b, "- %s: %d\n", strings.ToLower(st.String()), counts[st])
	}
	b.WriteString("\n")

	if len(s.UserAttrs) > 0 {
		b.WriteString("## Attributes\n\n")
		for _, k := range sortedKeys(s.UserAttrs) {
			fmt.Fprintf(&b, "- `%s`: %v\n", k, s.UserAttrs[k])
		}
		b.WriteString("\n")
	}

	best := trial.Best(trials, s.Direction)
	if best != nil {
		b.WriteString("## Best Trial\n\n")
		fmt.Fprintf(&b, "Trial %d, value %s\n\n", best.Number, formatFloat(*best.Value))
		for _, k := range sortedKeys(best.Params) {
			fmt.Fprintf(&b, "- `%s` = %v\n", k, best.Params[k])
		}
		b.WriteString("\n")
	}

	if len(trials) > 0 {
		b.WriteString("## History\n\n")
		b.WriteString("| # | State | Value | Last step | Note |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, t := range trials {
			value := "-"
			if t.Value != nil {
				value = formatFloat(*t.Value)
			}
			last := "-"
			if step, ok := t.LastStep(); ok {
				last = strconv.Itoa(step)
			}
			note := ""
			if reason, ok := t.SystemAttrs["fail_reason"].(string); ok {
				note = firstLine(reason)
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n", t.Number, t.State, value, last, escapeCell(note))
		}
	}
	return b.String()
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func slug(name string) string {
	s := strings.Trim(unsafeChars.ReplaceAllString(name, "-"), "-")
	if s == "" {
		return "study"
	}
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
