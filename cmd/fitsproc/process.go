package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fitsproc/pkg/pipeline"
)

var processCmd = &cobra.Command{
	Use:   "process <path>...",
	Short: "Process files once, without starting the server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		worker, err := pipeline.NewWorker(pipeline.OptionsFromConfig(cfg), nil, logger)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "FILE\tUNIQUE NAME\tERRORS\tDURATION")
		failed := 0
		for _, path := range args {
			o := worker.Process(cmd.Context(), path)
			if o.ErrorCount > 0 {
				failed++
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", path, o.UniqueName, o.ErrorCount, o.Duration.Round(time.Millisecond))
		}
		w.Flush()

		if failed > 0 {
			return fmt.Errorf("%d of %d files had errors", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}
