package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/tidwall/gjson"

	"github.com/llamagate/llamagate/config"
	"github.com/llamagate/llamagate/logging"
)

// ModelNotFound is returned when the requested model name has no entry in
// the configuration.
type ModelNotFound struct{ Name string }

func (e *ModelNotFound) Error() string { return fmt.Sprintf("model not found: %s", e.Name) }

// ContextTooLarge is returned when no declared variant's context is large
// enough for the estimated requirement.
type ContextTooLarge struct {
	Model       string
	Required    int
	MaxContext  int
}

func (e *ContextTooLarge) Error() string {
	return fmt.Sprintf("model %s: required context %d exceeds max available context %d", e.Model, e.Required, e.MaxContext)
}

// CurrentEngine is the subset of Supervisor the Selector needs: whether an
// engine is live for a given model and, if so, its Client (so the Selector
// can try the online tokenization path before falling back to offline).
type CurrentEngine interface {
	CurrentFor(modelName string) (Client, bool)
}

// Selector picks the smallest variant whose context capacity exceeds an
// estimated token requirement.
type Selector struct {
	cfg       *config.Config
	engines   CurrentEngine
	estimator *OfflineEstimator
	log       *logging.LogMonitor
}

func NewSelector(cfg *config.Config, engines CurrentEngine, estimator *OfflineEstimator, log *logging.LogMonitor) *Selector {
	return &Selector{cfg: cfg, engines: engines, estimator: estimator, log: log}
}

// Selection is the Selector's result: the chosen variant plus the
// estimate that drove the choice, useful for logging and tests.
type Selection struct {
	Model     *config.Model
	Variant   *config.Variant
	Estimated int
	Required  int
}

// Select resolves modelName and picks the smallest-sufficient variant for
// the given request body. path distinguishes /v1/chat/completions from
// /v1/completions so estimation knows whether to read "messages" or
// "prompt".
func (s *Selector) Select(ctx context.Context, modelName string, path string, body []byte) (*Selection, error) {
	model, ok := s.cfg.FindModel(modelName)
	if !ok {
		return nil, &ModelNotFound{Name: modelName}
	}

	est, err := s.estimate(ctx, model, path, body)
	if err != nil {
		return nil, err
	}

	required := est + max(s.cfg.Server.SafetyAbsolute, ceilFrac(est, s.cfg.Server.SafetyFraction))

	variant := pickSmallestSufficient(model.Variants, required)
	if variant == nil {
		return nil, &ContextTooLarge{Model: modelName, Required: required, MaxContext: model.MaxContext()}
	}

	return &Selection{Model: model, Variant: variant, Estimated: est, Required: required}, nil
}

// pickSmallestSufficient assumes variants are already sorted ascending by
// context (config.Model.normalize guarantees this at load time) and
// returns the first one whose context satisfies required, preserving
// declaration order as the tie-break.
func pickSmallestSufficient(variants []*config.Variant, required int) *config.Variant {
	for _, v := range variants {
		if v.Context >= required {
			return v
		}
	}
	return nil
}

func (s *Selector) estimate(ctx context.Context, model *config.Model, path string, body []byte) (int, error) {
	maxTokens := extractMaxTokens(body, s.cfg.Server.DefaultMaxTokensReservation)

	if s.engines != nil {
		if client, ok := s.engines.CurrentFor(model.Name); ok && client.SupportsOnlineTokenization() {
			n, err := client.EstimateTokens(ctx, path, body)
			if err == nil {
				return n, nil
			}
			s.log.Warnf("online token estimation failed for model %s, falling back: %v", model.Name, err)
		}
	}

	if model.Tokenizer != nil {
		n, err := s.estimateOffline(ctx, model, path, body, maxTokens)
		if err == nil {
			return n, nil
		}
		s.log.Warnf("offline token estimation failed for model %s, using character heuristic: %v", model.Name, err)
	}

	total := totalCharCount(path, body)
	est := HeuristicEstimate(total, s.cfg.Server.HeuristicCharsPerToken) + derefOr(maxTokens, 0)
	s.log.Warnf("model %s: using character-count heuristic estimate of %d tokens (no live tokenizer available)", model.Name, est)
	return est, nil
}

func (s *Selector) estimateOffline(ctx context.Context, model *config.Model, path string, body []byte, maxTokens *int) (int, error) {
	switch path {
	case "/v1/chat/completions":
		var contents []string
		gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
			contents = append(contents, msg.Get("content").String())
			return true
		})
		return s.estimator.EstimateChatCompletion(ctx, model.Tokenizer, contents, maxTokens)
	case "/v1/completions":
		prompt := gjson.GetBytes(body, "prompt").String()
		return s.estimator.EstimateCompletion(ctx, model.Tokenizer, prompt, maxTokens)
	default:
		return 0, fmt.Errorf("estimateOffline: unsupported path %s", path)
	}
}

// extractMaxTokens returns the request's max_tokens, or
// defaultReservation if the request didn't set one: the offline and
// heuristic estimation paths always get a reservation to add, never a
// bare token count.
func extractMaxTokens(body []byte, defaultReservation int) *int {
	v := gjson.GetBytes(body, "max_tokens")
	if !v.Exists() {
		n := defaultReservation
		return &n
	}
	n := int(v.Int())
	return &n
}

func derefOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func totalCharCount(path string, body []byte) int {
	switch path {
	case "/v1/chat/completions":
		total := 0
		gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
			total += len(msg.Get("content").String())
			return true
		})
		return total
	case "/v1/completions":
		return len(gjson.GetBytes(body, "prompt").String())
	default:
		return 0
	}
}

func ceilFrac(n int, frac float64) int {
	return int(math.Ceil(float64(n) * frac))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
