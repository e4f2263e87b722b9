package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/frontline/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetCache string
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Run Database, Feature Cache)",
	Long:  "Drops the recorded runs. Use --cache to also delete a feature cache directory.",
	Run: func(cmd *cobra.Command, args []string) {
		// With no flags, reset the database only; a cache directory must be named explicitly
		if !resetDB && resetCache == "" {
			resetDB = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if resetYes || confirm(reader, "⚠️  Are you sure you want to DROP all run tables?") {
				db, err := openDB(cmd.Context())
				if err != nil {
					utils.Die("Failed to open run store", err, nil)
				}
				fmt.Println("🗑️  Clearing Database...")
				if err := db.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetCache != "" {
			if resetYes || confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete the feature cache at %s?", resetCache)) {
				fmt.Println("🗑️  Clearing Feature Cache...")
				removeDir(resetCache)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the PostgreSQL run tables")
	resetCmd.Flags().StringVar(&resetCache, "cache", "", "Feature cache directory to delete")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
