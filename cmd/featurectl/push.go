package main

import (
	"fmt"

	"featurestore/internal/push"

	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push SOURCE FILE",
	Short: "Push the rows of FILE to a push source",
	Long: `Push the rows of FILE (parquet, csv or json) to a push source.

With --nats the rows are published to the project's NATS subject and the
running feature server writes them; otherwise they are written directly.`,
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, file := args[0], args[1]
		to, _ := cmd.Flags().GetString("to")
		format, _ := cmd.Flags().GetString("format")
		viaNATS, _ := cmd.Flags().GetBool("nats")

		mode, err := push.ParseMode(to)
		if err != nil {
			return err
		}
		f, err := readFrame(cmd.Context(), file, format)
		if err != nil {
			return err
		}

		if viaNATS {
			if cfg.Push.NATSURL == "" {
				return fmt.Errorf("--nats needs push.nats_url in %s", cfgPath)
			}
			nc, err := push.Connect(cfg.Push.NATSURL)
			if err != nil {
				return err
			}
			defer nc.Close()
			reply, err := push.Publish(cmd.Context(), nc, cfg.Push.SubjectPrefix, source, f, mode)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(reply)
				return nil
			}
			fmt.Printf("Pushed %d row(s) to %s via NATS (written=%d)\n", reply.Rows, source, reply.Written)
			return nil
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		res, err := s.Push(cmd.Context(), source, f, mode)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(res)
			return nil
		}
		fmt.Printf("Pushed %d row(s) to %s (views=%v written=%d rejected=%d)\n",
			res.Rows, source, res.Views, res.Written, res.Rejected)
		if res.Part != "" {
			fmt.Printf("Offline part: %s\n", res.Part)
		}
		return nil
	},
}

func init() {
	pushCmd.Flags().String("to", string(push.Online), "online, offline or online_and_offline")
	pushCmd.Flags().String("format", "", "input format (default: from the file extension)")
	pushCmd.Flags().Bool("nats", false, "publish through NATS instead of writing directly")
}
