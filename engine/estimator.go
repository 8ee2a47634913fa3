package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/llamagate/llamagate/config"
	"github.com/llamagate/llamagate/logging"
)

// EstimationError wraps a failure in the offline tokenizer subprocess. It
// is recovered locally by the Selector via the character-count heuristic
// and never brings the gateway down.
type EstimationError struct {
	Cmd string
	Err error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimation error running %q: %v", e.Cmd, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }

// messageSeparator joins chat message contents for the offline path, which
// does not apply the chat template.
const messageSeparator = "\n\n"

// OfflineEstimator invokes a standalone tokenizer binary over stdin/stdout
// to count tokens without a running engine.
type OfflineEstimator struct {
	cache *TokenizerCache
	log   *logging.LogMonitor
}

func NewOfflineEstimator(cache *TokenizerCache, log *logging.LogMonitor) *OfflineEstimator {
	return &OfflineEstimator{cache: cache, log: log}
}

// EstimateChatCompletion handles the /v1/chat/completions shape: message
// contents are joined (not templated) before counting.
func (e *OfflineEstimator) EstimateChatCompletion(ctx context.Context, spec *config.TokenizerSpec, messageContents []string, maxTokens *int) (int, error) {
	text := strings.Join(messageContents, messageSeparator)
	count, err := e.tokenCount(ctx, spec, text)
	if err != nil {
		return 0, err
	}
	return finalizeEstimate(count, len(messageContents), spec, maxTokens), nil
}

// EstimateCompletion handles the /v1/completions shape: the prompt itself
// is the tokenizable text, and there is exactly one "message" for the
// extra_tokens_per_message multiplier.
func (e *OfflineEstimator) EstimateCompletion(ctx context.Context, spec *config.TokenizerSpec, prompt string, maxTokens *int) (int, error) {
	count, err := e.tokenCount(ctx, spec, prompt)
	if err != nil {
		return 0, err
	}
	return finalizeEstimate(count, 1, spec, maxTokens), nil
}

func finalizeEstimate(tokenCount int, numMessages int, spec *config.TokenizerSpec, maxTokens *int) int {
	total := tokenCount + spec.ExtraTokensPerMessage*numMessages + spec.ExtraTokens
	if maxTokens != nil {
		total += *maxTokens
	}
	return total
}

func (e *OfflineEstimator) tokenCount(ctx context.Context, spec *config.TokenizerSpec, text string) (int, error) {
	if e.cache != nil {
		if n, ok := e.cache.Get(spec.Binary, spec.BaseArgs, spec.ExtraArgs, text); ok {
			return n, nil
		}
	}

	args := make([]string, 0, len(spec.BaseArgs)+len(spec.ExtraArgs))
	args = append(args, spec.BaseArgs...)
	args = append(args, spec.ExtraArgs...)

	cmd := exec.CommandContext(ctx, spec.Binary, args...)
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, &EstimationError{Cmd: spec.Binary + " " + strings.Join(args, " "), Err: fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(stderr.String()))}
	}

	count, err := countTokenIDs(stdout.Bytes())
	if err != nil {
		return 0, &EstimationError{Cmd: spec.Binary, Err: err}
	}
	if count == 0 {
		return 0, &EstimationError{Cmd: spec.Binary, Err: fmt.Errorf("tokenizer produced no output")}
	}

	if e.cache != nil {
		e.cache.Put(spec.Binary, spec.BaseArgs, spec.ExtraArgs, text, count)
	}
	return count, nil
}

// countTokenIDs parses whitespace-delimited decimal integers, one per
// token id — the tokenizer binary's expected stdout contract.
func countTokenIDs(out []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Split(bufio.ScanWords)

	count := 0
	for scanner.Scan() {
		if _, err := strconv.Atoi(scanner.Text()); err != nil {
			return 0, fmt.Errorf("unexpected non-integer token %q in tokenizer output: %w", scanner.Text(), err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

// HeuristicEstimate is the crude character-count fallback:
// ceil(total_char_count / charsPerToken).
func HeuristicEstimate(totalChars int, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return (totalChars + charsPerToken - 1) / charsPerToken
}
