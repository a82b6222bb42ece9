package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/studysync/internal/study"
	"github.com/sbenjam1n/studysync/internal/trial"
)

func newTrialsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trials",
		Short: "List the trials of a study",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("study")
			asJSON, _ := cmd.Flags().GetBool("json")
			stateFilter, _ := cmd.Flags().GetString("state")

			var want *trial.State
			if stateFilter != "" {
				s, err := trial.ParseState(stateFilter)
				if err != nil {
					return err
				}
				want = &s
			}

			ctx := context.Background()
			st, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := study.Load(ctx, st, name, study.WithLogger(a.logger))
			if err != nil {
				return fmt.Errorf("load study %q: %w", name, err)
			}
			trials, err := s.Trials(ctx)
			if err != nil {
				return err
			}
			if want != nil {
				kept := trials[:0]
				for _, t := range trials {
					if t.State == *want {
						kept = append(kept, t)
					}
				}
				trials = kept
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				views := make([]trialJSON, len(trials))
				for i, t := range trials {
					views[i] = newTrialJSON(t)
				}
				return enc.Encode(views)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NUMBER\tSTATE\tVALUE\tSTEPS\tDATETIME_START\tDATETIME_COMPLETE\tPARAMS")
			for _, t := range trials {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
					t.Number, t.State, formatValue(t.Value), len(t.IntermediateValues),
					formatTime(t.DatetimeStart), formatTime(t.DatetimeComplete), formatParams(t.Params))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("study", "", "Study name")
	cmd.Flags().Bool("json", false, "Print trials as JSON")
	cmd.Flags().String("state", "", "Only show trials in this state")
	cmd.MarkFlagRequired("study")
	return cmd
}

func newBestTrialCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "best-trial",
		Short: "Show the best completed trial of a study",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("study")

			ctx := context.Background()
			st, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := study.Load(ctx, st, name, study.WithLogger(a.logger))
			if err != nil {
				return fmt.Errorf("load study %q: %w", name, err)
			}
			best, err := s.BestTrial(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Best trial of %s (%s):\n", s.Name(), s.Direction())
			fmt.Fprintf(out, "  number: %d\n", best.Number)
			fmt.Fprintf(out, "  value:  %s\n", formatValue(best.Value))
			for _, k := range sortedKeys(best.Params) {
				fmt.Fprintf(out, "  %s = %v\n", k, best.Params[k])
			}
			return nil
		},
	}
	cmd.Flags().String("study", "", "Study name")
	cmd.MarkFlagRequired("study")
	return cmd
}

// trialJSON mirrors trial.FrozenTrial with NaN intermediate values as null,
// which encoding/json cannot represent otherwise.
type trialJSON struct {
	*trial.FrozenTrial
	IntermediateValues map[int]*float64 `json:"intermediate_values"`
}

func newTrialJSON(t *trial.FrozenTrial) trialJSON {
	values := make(map[int]*float64, len(t.IntermediateValues))
	for step, v := range t.IntermediateValues {
		if math.IsNaN(v) {
			values[step] = nil
			continue
		}
		values[step] = &v
	}
	return trialJSON{FrozenTrial: t, IntermediateValues: values}
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', 6, 64)
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(params))
	for _, k := range sortedKeys(params) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
