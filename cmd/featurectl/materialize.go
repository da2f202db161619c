package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"featurestore/internal/materialize"

	"github.com/spf13/cobra"
)

var materializeCmd = &cobra.Command{
	Use:   "materialize START END",
	Short: "Load feature rows with event time in (START, END] into the online store",
	Long: `Load feature rows with event time in (START, END] into the online store.

Times are RFC 3339, a date (2024-01-02), unix seconds or "now".`,
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseTime("START", args[0])
		if err != nil {
			return err
		}
		end, err := parseTime("END", args[1])
		if err != nil {
			return err
		}
		if !start.Before(end) {
			return fmt.Errorf("START must be before END")
		}
		views, _ := cmd.Flags().GetStringSlice("views")

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		res, err := s.Materialize(cmd.Context(), views, start, end)
		printMaterialized(res)
		return err
	},
}

var materializeIncrementalCmd = &cobra.Command{
	Use:     "materialize-incremental END",
	Short:   "Continue each view from where its last materialization ended",
	GroupID: "data",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		end, err := parseTime("END", args[0])
		if err != nil {
			return err
		}
		views, _ := cmd.Flags().GetStringSlice("views")

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		res, err := s.MaterializeIncremental(cmd.Context(), views, end)
		printMaterialized(res)
		return err
	},
}

func init() {
	materializeCmd.Flags().StringSlice("views", nil, "feature views to materialize (default: all online views)")
	materializeIncrementalCmd.Flags().StringSlice("views", nil, "feature views to materialize (default: all online views)")
}

func printMaterialized(res materialize.Result) {
	if jsonOutput {
		printJSON(res.Views)
		return
	}
	if len(res.Views) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VIEW\tSTART\tEND\tROWS\tENTITIES\tDURATION")
	for _, v := range res.Views {
		start := "-"
		if !v.Start.IsZero() {
			start = v.Start.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", v.View, start, v.End.Format(time.RFC3339),
			v.Rows, v.Entities, v.Duration.Truncate(time.Millisecond))
	}
	w.Flush()
}
