package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/scoring"
)

var (
	scoreLeadID    string
	scoreOrgID     string
	scoreRulesFile string
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Load fit-score rules or rescore a lead",
	Long: `With --rules and --org, replaces the org's fit-score rules with the YAML file.
With --lead, recomputes and stores the lead's fit score. Both may be given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rulesFile := scoreRulesFile
		if rulesFile == "" && scoreOrgID != "" {
			rulesFile = cfg.Scoring.RulesFile
		}
		if scoreLeadID == "" && rulesFile == "" {
			return eris.New("score: --lead or --rules with --org is required")
		}
		if rulesFile != "" && scoreOrgID == "" {
			return eris.New("score: --org is required with --rules")
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "score")
		if err != nil {
			return err
		}
		defer env.Close()

		if rulesFile != "" {
			f, err := os.Open(rulesFile)
			if err != nil {
				return eris.Wrap(err, "score: open rules")
			}
			rules, err := scoring.LoadRules(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			if err := env.Store.ReplaceScoringRules(ctx, scoreOrgID, rules); err != nil {
				return eris.Wrap(err, "score: replace rules")
			}
			zap.L().Info("scoring rules replaced",
				zap.String("org_id", scoreOrgID),
				zap.Int("rules", len(rules)),
			)
		}

		if scoreLeadID == "" {
			return nil
		}
		lead, err := env.Store.GetLead(ctx, scoreLeadID)
		if err != nil {
			return eris.Wrap(err, "score: load lead")
		}
		if err := env.Scorer.Rescore(ctx, lead); err != nil {
			return err
		}
		if lead.FitScore == nil {
			fmt.Fprintln(os.Stdout, "fit score: none (org has no rules)")
			return nil
		}
		fmt.Fprintf(os.Stdout, "fit score: %d\n", *lead.FitScore)
		return nil
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scoreLeadID, "lead", "", "lead id to rescore")
	scoreCmd.Flags().StringVar(&scoreOrgID, "org", "", "org whose rules are replaced")
	scoreCmd.Flags().StringVar(&scoreRulesFile, "rules", "", "YAML rules file (default scoring.rules_file)")
	rootCmd.AddCommand(scoreCmd)
}
