package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/atlasreg/carte-extractor/internal/preprocess"
)

var submitCountry string

var submitCmd = &cobra.Command{
	Use:   "submit <image-file>",
	Short: "Extract a single document synchronously",
	Long:  "Runs one registration card image through the full pipeline in-process and prints the finished job as JSON. Useful for smoke tests and one-off extractions without a running server.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}
		if !preprocess.IsValidImage(data) {
			return eris.Errorf("%s is not a decodable image", args[0])
		}

		job, task, err := env.Pipeline.Submit(ctx, args[0], submitCountry, data)
		if err != nil {
			return err
		}
		if err := env.Pipeline.Process(ctx, task); err != nil {
			return err
		}

		finished, err := env.Store.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(finished)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitCountry, "country", "FR", "ISO country code of the document")
	rootCmd.AddCommand(submitCmd)
}
