package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	enrichLeadID string
	enrichFull   bool
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a lead from the company registry",
	Long:  "Looks the lead's CNPJ up with the configured company provider and merges the result. --full also looks up each partner with a CPF.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if enrichLeadID == "" {
			return eris.New("enrich: --lead is required")
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Enrichment.EnrichLead(ctx, enrichLeadID, enrichFull)
		if result != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				zap.L().Warn("encode result", zap.Error(encErr))
			}
		}
		if err != nil {
			return eris.Wrap(err, "enrich")
		}
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichLeadID, "lead", "", "lead id to enrich")
	enrichCmd.Flags().BoolVar(&enrichFull, "full", false, "also enrich partner contact details")
	rootCmd.AddCommand(enrichCmd)
}
