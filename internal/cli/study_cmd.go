package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/studysync/internal/study"
	"github.com/sbenjam1n/studysync/internal/trial"
)

func newCreateStudyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-study",
		Short: "Create a new study and print its name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("study-name")
			dirFlag, _ := cmd.Flags().GetString("direction")
			skip, _ := cmd.Flags().GetBool("skip-if-exists")

			direction, err := trial.ParseDirection(dirFlag)
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			opts := []study.Option{
				study.WithName(name),
				study.WithDirection(direction),
				study.WithLogger(a.logger),
			}
			if skip {
				opts = append(opts, study.LoadIfExists())
			}
			s, err := study.Create(ctx, st, opts...)
			if err != nil {
				return fmt.Errorf("create study: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Name())
			return nil
		},
	}
	cmd.Flags().String("study-name", "", "Study name (generated when empty)")
	cmd.Flags().String("direction", "minimize", "Optimization direction: minimize|maximize")
	cmd.Flags().Bool("skip-if-exists", false, "Reuse the study when the name already exists")
	return cmd
}

func newDeleteStudyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-study",
		Short: "Delete a study and all its trials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("study-name")

			ctx := context.Background()
			st, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := study.Delete(ctx, st, name); err != nil {
				return fmt.Errorf("delete study %q: %w", name, err)
			}
			a.logger.Info("study deleted")
			return nil
		},
	}
	cmd.Flags().String("study-name", "", "Study name")
	cmd.MarkFlagRequired("study-name")
	return cmd
}

func newStudyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "study",
		Short: "Study management",
	}

	setAttr := &cobra.Command{
		Use:   "set-user-attr",
		Short: "Set a user attribute on a study",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("study")
			key, _ := cmd.Flags().GetString("key")
			value, _ := cmd.Flags().GetString("value")

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
			if err := s.SetUserAttr(ctx, key, value); err != nil {
				return fmt.Errorf("set user attr: %w", err)
			}
			a.logger.Info("attribute set")
			return nil
		},
	}
	setAttr.Flags().String("study", "", "Study name")
	setAttr.Flags().StringP("key", "k", "", "Attribute key")
	setAttr.Flags().StringP("value", "v", "", "Attribute value")
	setAttr.MarkFlagRequired("study")
	setAttr.MarkFlagRequired("key")
	setAttr.MarkFlagRequired("value")

	cmd.AddCommand(setAttr)
	return cmd
}

func newStudiesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "studies",
		Short: "List studies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			summaries, err := study.Summaries(ctx, st)
			if err != nil {
				return fmt.Errorf("list studies: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDIRECTION\tN_TRIALS\tDATETIME_START")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.StudyName, s.Direction, s.NTrials, formatTime(s.DatetimeStart))
			}
			return w.Flush()
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
