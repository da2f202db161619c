package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"featurestore/internal/serving"

	"github.com/spf13/cobra"
)

var getOnlineCmd = &cobra.Command{
	Use:   "get-online",
	Short: "Read the latest feature values for entities",
	Example: `  featurectl get-online --service dsrp_feature_service \
    --entity booking_id=1,2 --request kpi1=10,0.5 --request kpi2=5,1`,
	GroupID: "data",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		features, _ := cmd.Flags().GetStringSlice("features")
		service, _ := cmd.Flags().GetString("service")
		fullNames, _ := cmd.Flags().GetBool("full-names")
		entityArgs, _ := cmd.Flags().GetStringArray("entity")
		requestArgs, _ := cmd.Flags().GetStringArray("request")

		if len(features) == 0 && service == "" {
			return fmt.Errorf("one of --features or --service is required")
		}
		entities, err := parseColumns("entity", entityArgs)
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			return fmt.Errorf("at least one --entity is required")
		}
		requestData, err := parseColumns("request", requestArgs)
		if err != nil {
			return err
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		resp, err := s.GetOnlineFeatures(cmd.Context(), serving.OnlineRequest{
			Features:         features,
			FeatureService:   service,
			Entities:         entities,
			RequestData:      requestData,
			FullFeatureNames: fullNames,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]any{
				"metadata": map[string]any{"feature_names": resp.FeatureNames},
				"results":  resp.Results,
			})
			return nil
		}
		printOnline(resp)
		return nil
	},
}

var getHistoricalCmd = &cobra.Command{
	Use:   "get-historical ENTITY_FILE",
	Short: "Join point-in-time correct features onto the rows of ENTITY_FILE",
	Long: `Join point-in-time correct features onto the rows of ENTITY_FILE.

ENTITY_FILE holds the join keys, an event timestamp column and any request
fields the on-demand views need.`,
	GroupID: "data",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		features, _ := cmd.Flags().GetStringSlice("features")
		service, _ := cmd.Flags().GetString("service")
		fullNames, _ := cmd.Flags().GetBool("full-names")
		tsField, _ := cmd.Flags().GetString("timestamp-field")
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("output")

		if len(features) == 0 && service == "" {
			return fmt.Errorf("one of --features or --service is required")
		}
		entities, err := readFrame(cmd.Context(), args[0], format)
		if err != nil {
			return err
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		f, err := s.GetHistoricalFeatures(cmd.Context(), serving.HistoricalRequest{
			Entities:         entities,
			TimestampField:   tsField,
			Features:         features,
			FeatureService:   service,
			FullFeatureNames: fullNames,
		})
		if err != nil {
			return err
		}
		return writeFrame(cmd.Context(), f, out)
	},
}

func init() {
	for _, c := range []*cobra.Command{getOnlineCmd, getHistoricalCmd} {
		c.Flags().StringSlice("features", nil, "feature references (view:feature)")
		c.Flags().String("service", "", "feature service name")
		c.Flags().Bool("full-names", false, "name output columns view__feature")
	}
	getOnlineCmd.Flags().StringArray("entity", nil, "entity values as name=v1,v2 (repeatable)")
	getOnlineCmd.Flags().StringArray("request", nil, "request data as name=v1,v2 (repeatable)")
	getHistoricalCmd.Flags().String("timestamp-field", serving.DefaultTimestampField, "event timestamp column of ENTITY_FILE")
	getHistoricalCmd.Flags().String("format", "", "ENTITY_FILE format (default: from the file extension)")
	getHistoricalCmd.Flags().StringP("output", "o", "", "write to a .parquet, .json or .csv file (local or s3://)")
}

// printOnline prints one line per entity row; values that are not PRESENT
// show their status instead.
func printOnline(resp *serving.OnlineResponse) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(resp.FeatureNames, "\t"))
	rows := 0
	if len(resp.Results) > 0 {
		rows = len(resp.Results[0].Values)
	}
	for i := 0; i < rows; i++ {
		vals := make([]string, len(resp.Results))
		for c, vec := range resp.Results {
			if vec.Statuses[i] != serving.Present {
				vals[c] = string(vec.Statuses[i])
				continue
			}
			vals[c] = cell(vec.Values[i])
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	w.Flush()
}
