package main

import (
	"os"

	"featurestore/internal/probe"

	"github.com/spf13/cobra"
)

var inferCmd = &cobra.Command{
	Use:   "infer FILE",
	Short: "Sample FILE and print an inferred schema or starting HCL",
	Example: `  featurectl infer data/booking_features.parquet
  featurectl infer --hcl --name booking data/booking_features.csv >> feature_repo/booking.hcl`,
	GroupID: "repo",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		name, _ := cmd.Flags().GetString("name")
		maxRows, _ := cmd.Flags().GetInt("max-rows")
		asHCL, _ := cmd.Flags().GetBool("hcl")

		res, err := probe.Infer(cmd.Context(), blobStore(), probe.Options{
			Path:    args[0],
			Format:  format,
			MaxRows: maxRows,
			Name:    name,
		})
		if err != nil {
			return err
		}
		switch {
		case jsonOutput:
			printJSON(res)
		case asHCL:
			_, err = os.Stdout.Write(res.HCL())
		default:
			_, err = os.Stdout.Write(res.Summary())
		}
		return err
	},
}

func init() {
	inferCmd.Flags().String("format", "", "file format (default: from the file extension)")
	inferCmd.Flags().String("name", "", "base name for generated objects (default: the file name)")
	inferCmd.Flags().Int("max-rows", probe.DefaultMaxRows, "rows to sample")
	inferCmd.Flags().Bool("hcl", false, "print entity, file_source and feature_view HCL")
}
