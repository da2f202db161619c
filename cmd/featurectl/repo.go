package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"featurestore/internal/config"
	"featurestore/internal/featurestore"
	"featurestore/internal/registry"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:     "plan",
	Short:   "Show what apply would change",
	GroupID: "repo",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		objs, err := s.Definitions()
		if err != nil {
			return err
		}
		d, issues := s.Plan(objs)
		if jsonOutput {
			printJSON(map[string]any{"diff": d, "issues": issues})
		} else {
			printIssues(issues)
			printDiff(d)
		}
		return config.IssuesError(issues)
	},
}

var applyCmd = &cobra.Command{
	Use:     "apply",
	Short:   "Register the repo definitions and create online tables",
	GroupID: "repo",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		objs, err := s.Definitions()
		if err != nil {
			return err
		}
		_, issues := s.Plan(objs)
		printIssues(issues)
		d, err := s.Apply(cmd.Context(), objs)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(d)
			return nil
		}
		printDiff(d)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:     "validate",
	Short:   "Check the project file and the repo definitions",
	GroupID: "repo",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		issues := config.Validate(cfg)
		objs, err := featurestore.Definitions(cfg.Repo)
		if err != nil {
			return err
		}
		issues = append(issues, registry.Validate(objs...)...)
		if jsonOutput {
			printJSON(issues)
		} else {
			printIssues(issues)
		}
		if err := config.IssuesError(issues); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Valid: %d object(s)\n", len(objs))
		}
		return nil
	},
}

var teardownCmd = &cobra.Command{
	Use:     "teardown",
	Short:   "Drop every online table and empty the registry",
	GroupID: "repo",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("teardown deletes online data for project %q; rerun with --yes", cfg.Project)
		}
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Teardown(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Torn down project %s\n", cfg.Project)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List registered objects",
	GroupID: "repo",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		reg := s.Registry()
		if jsonOutput {
			printJSON(reg.Snapshot())
			return nil
		}
		printObjects(reg)
		return nil
	},
}

func init() {
	teardownCmd.Flags().Bool("yes", false, "confirm dropping the online tables")
}

func printIssues(issues []config.Issue) {
	for _, iss := range issues {
		fmt.Fprintln(os.Stderr, iss.String())
	}
}

func printDiff(d registry.Diff) {
	if d.Empty() {
		fmt.Println("No changes.")
		return
	}
	for _, n := range d.Added {
		fmt.Printf("+ %s\n", n)
	}
	for _, n := range d.Updated {
		fmt.Printf("~ %s\n", n)
	}
	for _, n := range d.Removed {
		fmt.Printf("- %s\n", n)
	}
}

func printObjects(reg *registry.Registry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tDETAILS")
	for _, o := range reg.Objects() {
		switch v := o.(type) {
		case *registry.Entity:
			fmt.Fprintf(w, "entity\t%s\tjoin_keys=%s\n", v.Name, strings.Join(v.JoinKeys, ","))
		case *registry.FileSource:
			fmt.Fprintf(w, "file_source\t%s\tpath=%s timestamp_field=%s\n", v.Name, v.Path, v.TimestampField)
		case *registry.PushSource:
			batch := ""
			if v.BatchSource != nil {
				batch = v.BatchSource.Name
			}
			fmt.Fprintf(w, "push_source\t%s\tbatch_source=%s\n", v.Name, batch)
		case *registry.RequestSource:
			fmt.Fprintf(w, "request_source\t%s\tfields=%s\n", v.Name, fieldList(v.Schema))
		case *registry.FeatureView:
			last := "never"
			if end, ok := reg.LastMaterializedEnd(v.Name); ok {
				last = end.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "feature_view\t%s\tonline=%t ttl=%s fields=%s materialized=%s\n",
				v.Name, v.Online, v.TTL, fieldList(v.Schema), last)
		case *registry.OnDemandFeatureView:
			fmt.Fprintf(w, "on_demand_feature_view\t%s\tfields=%s\n", v.Name, fieldList(v.Schema))
		case *registry.FeatureService:
			names := make([]string, 0, len(v.Features))
			for _, f := range v.Features {
				names = append(names, f.ViewName())
			}
			fmt.Fprintf(w, "feature_service\t%s\tfeatures=%s\n", v.Name, strings.Join(names, ","))
		}
	}
	w.Flush()
}

func fieldList(fields []registry.Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Name + ":" + string(f.DType)
	}
	return strings.Join(parts, ",")
}
