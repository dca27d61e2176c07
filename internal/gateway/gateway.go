// Package gateway turns user prompts into vetted generation results. It
// owns prompt hygiene, confidence gating, provider selection and the
// post-processing of completions; the analyzer and capability grant happen
// one layer up, in the kernel.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kolapsis/llmos/internal/capability"
	"github.com/kolapsis/llmos/internal/config"
	"github.com/kolapsis/llmos/internal/knowledge"
	"github.com/kolapsis/llmos/internal/monitor"
	"github.com/kolapsis/llmos/internal/provider"
)

// ErrMalformedProcessOutput is returned when a process generation is
// missing its section markers.
var ErrMalformedProcessOutput = errors.New("malformed_process_output")

// Options tune one generation call.
type Options struct {
	// Force skips the confidence gate.
	Force bool
	// Provider pins a provider by name, overriding dynamic selection but
	// not an explicit in-prompt hint.
	Provider string
}

// Result is a successful iframe generation.
type Result struct {
	Code           string     `json:"code"`
	Title          string     `json:"title"`
	Capabilities   []string   `json:"capabilities"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	Complexity     string     `json:"complexity"`
	Confidence     Confidence `json:"confidence"`
	SanitizerFlags []string   `json:"sanitizer_flags,omitempty"`
	ModelHint      *ModelHint `json:"model_hint,omitempty"`
}

// Clarification is returned instead of a Result when the prompt scores
// under the confidence threshold and Force is not set. The provider is
// never called in that case.
type Clarification struct {
	NeedsClarification bool       `json:"needs_clarification"`
	Questions          []string   `json:"questions"`
	Confidence         Confidence `json:"confidence"`
}

// ProcessResult is a successful two-section process generation.
type ProcessResult struct {
	Dockerfile     string     `json:"dockerfile"`
	Code           string     `json:"code"`
	Capabilities   []string   `json:"capabilities"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	SanitizerFlags []string   `json:"sanitizer_flags,omitempty"`
	ModelHint      *ModelHint `json:"model_hint,omitempty"`
}

// Gateway routes prompts across the provider registry.
type Gateway struct {
	cfg       config.LLMConfig
	threshold float64
	providers *provider.Registry
	monitor   *monitor.Monitor
	knowledge *knowledge.Base
}

func New(cfg config.LLMConfig, gwCfg config.GatewayConfig, providers *provider.Registry, m *monitor.Monitor, kb *knowledge.Base) *Gateway {
	threshold := gwCfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Gateway{
		cfg:       cfg,
		threshold: threshold,
		providers: providers,
		monitor:   m,
		knowledge: kb,
	}
}

// Generate runs the full iframe pipeline. Exactly one of Result and
// Clarification is non-nil on success.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts Options) (*Result, *Clarification, error) {
	prompt, hint := ExtractModelHint(prompt)
	cleaned, flags := Sanitize(prompt)

	conf := ScoreConfidence(cleaned)
	if conf.Score < g.threshold && !opts.Force {
		return nil, &Clarification{
			NeedsClarification: true,
			Questions:          ClarificationQuestions(cleaned, conf),
			Confidence:         conf,
		}, nil
	}

	complexity := Complexity(cleaned)

	system := iframeSystemPrompt
	if memory := memorySection(g.knowledge.Similar(cleaned, 0.25, 3)); memory != "" {
		system = system + "\n\n" + memory
	}

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: system},
		{Role: provider.RoleUser, Content: cleaned},
	}

	text, p, model, err := g.invoke(ctx, messages, hint, opts.Provider, complexity)
	if err != nil {
		return nil, nil, err
	}

	code := postProcess(text)
	caps := extractCapabilities(code)

	g.knowledge.Record(knowledge.Record{
		Prompt:       cleaned,
		Provider:     p,
		Model:        model,
		Complexity:   complexity,
		Capabilities: caps,
	})

	return &Result{
		Code:           code,
		Title:          deriveTitle(cleaned),
		Capabilities:   caps,
		Provider:       p,
		Model:          model,
		Complexity:     complexity,
		Confidence:     conf,
		SanitizerFlags: flags,
		ModelHint:      hint,
	}, nil, nil
}

// GenerateProcess runs the two-section container pipeline. No confidence
// gate: process prompts route here only after classification.
func (g *Gateway) GenerateProcess(ctx context.Context, prompt string) (*ProcessResult, error) {
	prompt, hint := ExtractModelHint(prompt)
	cleaned, flags := Sanitize(prompt)
	complexity := Complexity(cleaned)

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: processSystemPrompt},
		{Role: provider.RoleUser, Content: cleaned},
	}

	text, p, model, err := g.invoke(ctx, messages, hint, "", complexity)
	if err != nil {
		return nil, err
	}

	dockerfile, code, err := splitProcessSections(text)
	if err != nil {
		return nil, err
	}

	caps := extractCapabilities(dockerfile)

	g.knowledge.Record(knowledge.Record{
		Prompt:       cleaned,
		Provider:     p,
		Model:        model,
		Complexity:   complexity,
		Capabilities: caps,
	})

	return &ProcessResult{
		Dockerfile:     dockerfile,
		Code:           code,
		Capabilities:   caps,
		Provider:       p,
		Model:          model,
		SanitizerFlags: flags,
		ModelHint:      hint,
	}, nil
}

// invoke selects a provider and calls it, retrying once on a fallback when
// the first attempt fails. A second failure is surfaced.
func (g *Gateway) invoke(ctx context.Context, messages []provider.Message, hint *ModelHint, pinned, complexity string) (text, providerName, model string, err error) {
	p, model, err := g.selectProvider(ctx, hint, pinned, complexity)
	if err != nil {
		return "", "", "", err
	}

	opts := provider.Options{Model: model, MaxTokens: g.cfg.MaxTokens}
	text, genErr := p.Generate(ctx, messages, opts)
	if genErr == nil {
		return text, p.Name(), resolvedModel(p, model), nil
	}

	slog.Warn("provider failed, attempting fallback", "provider", p.Name(), "error", genErr)

	fb, fbErr := g.fallbackProvider(ctx, p.Name())
	if fbErr != nil {
		return "", "", "", genErr
	}

	text, err = fb.Generate(ctx, messages, provider.Options{MaxTokens: g.cfg.MaxTokens})
	if err != nil {
		return "", "", "", err
	}
	return text, fb.Name(), resolvedModel(fb, ""), nil
}

// selectProvider applies the precedence ladder: explicit in-prompt hint,
// explicit pin, configured default, resource-monitor best-for-task, static
// fallback.
func (g *Gateway) selectProvider(ctx context.Context, hint *ModelHint, pinned, complexity string) (provider.Provider, string, error) {
	if hint != nil {
		if p, ok := g.providers.Get(hint.Provider); ok && p.Available(ctx) {
			return p, hint.Model, nil
		}
		slog.Warn("hinted provider unavailable, falling through", "provider", hint.Provider)
	}

	if pinned != "" {
		if p, ok := g.providers.Get(pinned); ok && p.Available(ctx) {
			return p, "", nil
		}
	}

	if g.cfg.DefaultProvider != "" {
		if p, ok := g.providers.Get(g.cfg.DefaultProvider); ok && p.Available(ctx) {
			return p, "", nil
		}
	}

	if best, ok := g.monitor.BestModel(monitor.TaskForComplexity(complexity)); ok {
		if p, ok := g.providers.Get(best.Provider); ok && p.Available(ctx) {
			return p, best.Name, nil
		}
	}

	// Static fallback: strong cloud model for complex prompts when a key is
	// present, local inference otherwise.
	var prefer []string
	if complexity == "complex" {
		prefer = []string{"claude", "openai", "ollama"}
	} else {
		prefer = []string{"ollama", "claude", "openai"}
	}
	p, err := g.providers.FirstAvailable(ctx, prefer...)
	if err != nil {
		return nil, "", err
	}
	return p, "", nil
}

// fallbackProvider picks the configured fallback, or failing that any other
// available provider.
func (g *Gateway) fallbackProvider(ctx context.Context, exclude string) (provider.Provider, error) {
	if g.cfg.FallbackProvider != "" && g.cfg.FallbackProvider != exclude {
		if p, ok := g.providers.Get(g.cfg.FallbackProvider); ok && p.Available(ctx) {
			return p, nil
		}
	}
	for _, name := range g.providers.Names() {
		if name == exclude {
			continue
		}
		if p, _ := g.providers.Get(name); p != nil && p.Available(ctx) {
			return p, nil
		}
	}
	return nil, provider.ErrNoProvider
}

func resolvedModel(p provider.Provider, requested string) string {
	if requested != "" {
		return requested
	}
	switch v := p.(type) {
	case *provider.Ollama:
		return v.Model
	case *provider.Anthropic:
		return v.Model
	case *provider.OpenAI:
		return v.Model
	default:
		return ""
	}
}

var fenceRe = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*\\n(.*?)\\n?```\\s*$")

// postProcess strips markdown fences and truncates to the first document
// start so prose preambles never reach the sandbox.
func postProcess(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = strings.ReplaceAll(text, "```", "")

	starts := []string{"<!DOCTYPE", "<!doctype", "<html", "<!--"}
	best := -1
	for _, marker := range starts {
		if idx := strings.Index(text, marker); idx >= 0 && (best == -1 || idx < best) {
			best = idx
		}
	}
	if best > 0 {
		text = text[best:]
	}
	return strings.TrimSpace(text)
}

var capCommentRe = regexp.MustCompile(`capabilities:\s*([a-z:,\s_-]+)`)

// extractCapabilities reads the declared set from the first-line comment,
// defaulting to ui:window when absent or empty.
func extractCapabilities(code string) []string {
	firstLine := code
	if idx := strings.Index(code, "\n"); idx >= 0 {
		firstLine = code[:idx]
	}

	match := capCommentRe.FindStringSubmatch(firstLine)
	if match == nil {
		return []string{capability.CapUIWindow}
	}

	var caps []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(match[1], ",") {
		cap := strings.Trim(raw, " \t-*/>")
		if capability.IsValid(cap) && !seen[cap] {
			seen[cap] = true
			caps = append(caps, cap)
		}
	}
	if len(caps) == 0 {
		return []string{capability.CapUIWindow}
	}
	return caps
}

// deriveTitle takes the first few words of the prompt as a display title.
func deriveTitle(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 6 {
		words = words[:6]
	}
	title := strings.Join(words, " ")
	if len(title) > 48 {
		title = title[:48]
	}
	return strings.TrimSpace(title)
}

func splitProcessSections(text string) (dockerfile, code string, err error) {
	const (
		dockerMarker = "---DOCKERFILE---"
		codeMarker   = "---CODE---"
		endMarker    = "---END---"
	)

	di := strings.Index(text, dockerMarker)
	ci := strings.Index(text, codeMarker)
	ei := strings.Index(text, endMarker)
	if di < 0 || ci < 0 || ei < 0 || !(di < ci && ci < ei) {
		return "", "", ErrMalformedProcessOutput
	}

	dockerfile = strings.TrimSpace(text[di+len(dockerMarker) : ci])
	code = strings.TrimSpace(text[ci+len(codeMarker) : ei])
	if dockerfile == "" || code == "" {
		return "", "", ErrMalformedProcessOutput
	}
	return dockerfile, code, nil
}
