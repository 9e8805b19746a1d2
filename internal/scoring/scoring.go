// Package scoring computes a lead's fit score from per-org rules.
package scoring

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadsync/internal/model"
)

// foldCase builds a fresh Caser per call; Casers are stateful and must not be
// shared between goroutines.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

// Score sums the points of every rule that matches lead. It returns nil when
// rules is empty, which is distinct from a zero score.
func Score(lead *model.Lead, rules []model.ScoringRule) *int {
	if len(rules) == 0 {
		return nil
	}
	total := 0
	for _, r := range rules {
		if Match(lead, r) {
			total += r.Points
		}
	}
	return &total
}

// Match reports whether a single rule matches lead. Absent fields and
// unknown operators never match.
func Match(lead *model.Lead, r model.ScoringRule) bool {
	v, ok := lead.Field(r.Field)
	if !ok || !model.Present(v) {
		return false
	}
	got := model.Stringify(v)

	switch r.Operator {
	case model.OpNotEmpty:
		return strings.TrimSpace(got) != ""
	case model.OpEquals:
		return foldCase(got) == foldCase(r.Value)
	case model.OpContains:
		return strings.Contains(foldCase(got), foldCase(r.Value))
	case model.OpStartsWith:
		return strings.HasPrefix(foldCase(got), foldCase(r.Value))
	default:
		return false
	}
}

// RuleFile is the YAML shape accepted by LoadRules.
type RuleFile struct {
	Rules []model.ScoringRule `yaml:"rules" validate:"dive"`
}

var validate = validator.New()

// LoadRules parses and validates a YAML rule file.
func LoadRules(r io.Reader) ([]model.ScoringRule, error) {
	var f RuleFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "scoring: decode rules")
	}
	if err := validate.Struct(f); err != nil {
		return nil, eris.Wrap(err, "scoring: invalid rules")
	}
	return f.Rules, nil
}

// RuleSource loads an org's rules.
type RuleSource interface {
	ListScoringRules(ctx context.Context, orgID string) ([]model.ScoringRule, error)
}

// ScoreWriter persists a lead's score.
type ScoreWriter interface {
	UpdateFitScore(ctx context.Context, id string, score *int) error
}

// Scorer recomputes and persists fit scores.
type Scorer struct {
	rules  RuleSource
	writer ScoreWriter
}

// NewScorer creates a Scorer.
func NewScorer(rules RuleSource, writer ScoreWriter) *Scorer {
	return &Scorer{rules: rules, writer: writer}
}

// Rescore recomputes lead's fit score from its org's rules and writes it
// when it changed. lead.FitScore is updated in place.
func (s *Scorer) Rescore(ctx context.Context, lead *model.Lead) error {
	rules, err := s.rules.ListScoringRules(ctx, lead.OrgID)
	if err != nil {
		return eris.Wrapf(err, "scoring: load rules for org %s", lead.OrgID)
	}
	score := Score(lead, rules)
	if equalScore(score, lead.FitScore) {
		return nil
	}
	if err := s.writer.UpdateFitScore(ctx, lead.ID, score); err != nil {
		return eris.Wrapf(err, "scoring: update lead %s", lead.ID)
	}
	zap.L().Debug("scoring: fit score updated",
		zap.String("lead_id", lead.ID),
		zap.Any("fit_score", score),
	)
	lead.FitScore = score
	return nil
}

func equalScore(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
