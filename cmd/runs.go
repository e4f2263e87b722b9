package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/frontline/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	runsLimit  int
	runsFrames string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded pipeline runs",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := openDB(cmd.Context())
		if err != nil {
			utils.Die("Failed to open run store", err, nil)
		}

		if runsFrames != "" {
			id, err := uuid.Parse(runsFrames)
			if err != nil {
				utils.Die("Invalid run ID", err, nil)
			}
			frames, err := db.FrameResults(cmd.Context(), id)
			if err != nil {
				utils.Die("Failed to list frame results", err, nil)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "INDEX\tTIME\tLABEL\tKEYPOINTS\tMEAN RESPONSE")
			fmt.Fprintln(w, "-----\t----\t-----\t---------\t-------------")
			for _, f := range frames {
				fmt.Fprintf(w, "%d\t%.3f\t%s\t%d\t%.4f\n", f.Index, f.Timestamp, f.Label, f.Keypoints, f.MeanResponse)
			}
			w.Flush()
			return
		}

		runs, err := db.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			utils.Die("Failed to list runs", err, nil)
		}
		if len(runs) == 0 {
			fmt.Println("No runs found in database.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tBACKEND\tSTATUS\tDELIVERED\tDROPPED\tRESULTS\tSTARTED")
		fmt.Fprintln(w, "--\t------\t-------\t------\t---------\t-------\t-------\t-------")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%d\t%d\t%d\t%s\n",
				r.ID.String()[:8], r.Source, r.Variant, r.Extractor, r.Status,
				r.Summary.Delivered, r.Summary.Dropped, r.Summary.Results,
				r.StartedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show")
	runsCmd.Flags().StringVar(&runsFrames, "frames", "", "Show the frame results of this run ID instead")
	rootCmd.AddCommand(runsCmd)
}
