package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kolapsis/llmos/internal/provider"
)

// Classification is the router's verdict on a prompt. Source records how it
// was produced: llm or regex.
type Classification struct {
	Type       string `json:"type"`
	Template   string `json:"template"`
	Model      string `json:"model"`
	Complexity string `json:"complexity"`
	Title      string `json:"title"`
	Source     string `json:"source"`
}

var knownTemplates = map[string]bool{
	"timer": true, "notes": true, "todo": true, "game": true,
	"chart": true, "form": true, "dashboard": true, "calculator": true,
	"chat": true, "viewer": true,
}

const routerSystemPrompt = `You classify app-generation prompts. Respond with ONLY a JSON object, no prose:
{"type":"iframe"|"process","template":string,"model":string,"complexity":"simple"|"medium"|"complex","title":string}
type is "process" only for apps needing a server, daemon or container. Keep title under 6 words.`

// Router classifies prompts, preferring an LLM router model and falling
// back to keyword rules when none is reachable.
type Router struct {
	monitor   *Monitor
	providers *provider.Registry
}

func NewRouter(m *Monitor, providers *provider.Registry) *Router {
	return &Router{monitor: m, providers: providers}
}

// Route classifies the prompt. The LLM's answer is authoritative only for
// type and complexity; unknown templates and models are dropped.
func (r *Router) Route(ctx context.Context, prompt string) Classification {
	fallback := regexClassify(prompt)

	model, ok := r.monitor.BestModel("route")
	if !ok {
		return fallback
	}
	p, ok := r.providers.Get(model.Provider)
	if !ok {
		return fallback
	}

	callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	text, err := p.Generate(callCtx, []provider.Message{
		{Role: provider.RoleSystem, Content: routerSystemPrompt},
		{Role: provider.RoleUser, Content: prompt},
	}, provider.Options{Model: model.Name, MaxTokens: 200})
	if err != nil {
		slog.Debug("llm router unavailable, using regex classification", "error", err)
		return fallback
	}

	parsed, ok := parseRouterJSON(text)
	if !ok {
		return fallback
	}

	out := fallback
	out.Source = "llm"
	if parsed.Type == "iframe" || parsed.Type == "process" {
		out.Type = parsed.Type
	}
	switch parsed.Complexity {
	case "simple", "medium", "complex":
		out.Complexity = parsed.Complexity
	}
	if knownTemplates[parsed.Template] {
		out.Template = parsed.Template
	}
	if modelKnown(r.monitor, parsed.Model) {
		out.Model = parsed.Model
	}
	if parsed.Title != "" {
		out.Title = parsed.Title
	}
	return out
}

func parseRouterJSON(text string) (Classification, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Classification{}, false
	}
	var c Classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &c); err != nil {
		return Classification{}, false
	}
	return c, true
}

func modelKnown(m *Monitor, name string) bool {
	if name == "" {
		return false
	}
	for _, model := range m.Models() {
		if model.Name == name {
			return true
		}
	}
	return false
}

var (
	processRe  = regexp.MustCompile(`(?i)\b(server|daemon|backend|database|scraper?|cron|bot|service|container|docker|api endpoint)\b`)
	templateRe = map[string]*regexp.Regexp{
		"timer":      regexp.MustCompile(`(?i)\b(timer|pomodoro|countdown|stopwatch)\b`),
		"notes":      regexp.MustCompile(`(?i)\b(note|journal|diary)\b`),
		"todo":       regexp.MustCompile(`(?i)\b(todo|task list|checklist)\b`),
		"game":       regexp.MustCompile(`(?i)\b(game|puzzle|snake|tetris)\b`),
		"chart":      regexp.MustCompile(`(?i)\b(chart|graph|plot|visuali[sz])\b`),
		"calculator": regexp.MustCompile(`(?i)\b(calculator|convert(er)?)\b`),
	}
	complexRe = regexp.MustCompile(`(?i)\b(multi|sync|real-?time|collab|database|auth|drag|animation|integrat)\b`)
)

// regexClassify is the deterministic fallback. Always returns a well-formed
// classification tagged source regex.
func regexClassify(prompt string) Classification {
	c := Classification{
		Type:       "iframe",
		Complexity: "simple",
		Source:     "regex",
		Title:      deriveTitle(prompt),
	}
	if processRe.MatchString(prompt) {
		c.Type = "process"
	}
	for name, re := range templateRe {
		if re.MatchString(prompt) {
			c.Template = name
			break
		}
	}

	words := len(strings.Fields(prompt))
	hits := len(complexRe.FindAllString(prompt, -1))
	switch {
	case hits >= 2 || words > 80:
		c.Complexity = "complex"
	case hits >= 1 || words > 40:
		c.Complexity = "medium"
	}
	return c
}

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
