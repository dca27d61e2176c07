// Package monitor probes the available LLM backends, tiers their models and
// answers "which model should serve this task". Tiers are 1–9 capability
// ordinals; higher is stronger.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kolapsis/llmos/internal/config"
	"github.com/kolapsis/llmos/internal/provider"
)

// Model is one usable model with its capability tier.
type Model struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Size     int64  `json:"size"`
	Tier     int    `json:"tier"`
	// Default marks models eligible for automatic selection. Override-only
	// models are considered only when no default model qualifies.
	Default bool `json:"default"`
}

// Static tier table for known model families. Substring match against the
// lowercased model name; first hit wins.
var tierTable = []struct {
	match string
	tier  int
}{
	{"opus", 9},
	{"sonnet", 8},
	{"gpt-4o-mini", 6},
	{"gpt-4o", 7},
	{"gpt-4", 7},
	{"haiku", 6},
	{"llama3.1:70b", 6},
	{"llama3.1:8b", 4},
	{"llama3", 4},
	{"mistral", 4},
	{"qwen2.5:14b", 5},
	{"qwen", 4},
	{"gemma2:27b", 5},
	{"gemma", 3},
	{"phi3", 3},
	{"tinyllama", 1},
}

// TierFor looks a model's tier up by name, estimating from size when the
// name is unknown. Size zero with an unknown name lands in the middle.
func TierFor(name string, size int64) int {
	lower := strings.ToLower(name)
	for _, row := range tierTable {
		if strings.Contains(lower, row.match) {
			return row.tier
		}
	}
	return estimateTier(size)
}

// estimateTier maps a model's byte size to a tier. Rough parameter-count
// proxy for local models the table does not know.
func estimateTier(size int64) int {
	const gb = int64(1) << 30
	switch {
	case size == 0:
		return 3
	case size < 1*gb:
		return 1
	case size < 3*gb:
		return 2
	case size < 6*gb:
		return 3
	case size < 12*gb:
		return 4
	case size < 25*gb:
		return 5
	case size < 50*gb:
		return 6
	default:
		return 7
	}
}

// Task categories mapped to the minimum tier that may serve them.
var taskMinTier = map[string]int{
	"route":            2,
	"classify":         3,
	"generate-simple":  3,
	"generate-medium":  5,
	"generate-complex": 7,
	"improve":          6,
	"review":           6,
}

// Monitor holds the probed model inventory.
type Monitor struct {
	mu     sync.RWMutex
	cfg    config.LLMConfig
	ollama *provider.Ollama
	models []Model
	probed time.Time
}

func New(cfg config.LLMConfig, ollama *provider.Ollama) *Monitor {
	return &Monitor{cfg: cfg, ollama: ollama}
}

// Probe refreshes the inventory: local inference models plus the configured
// cloud providers. The local probe runs under a 5 second deadline.
func (m *Monitor) Probe(ctx context.Context) {
	var models []Model

	if m.ollama != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		local, err := m.ollama.ListModels(probeCtx)
		cancel()
		if err != nil {
			slog.Debug("local model probe failed", "error", err)
		}
		for _, info := range local {
			models = append(models, Model{
				Name:     info.Name,
				Provider: "ollama",
				Size:     info.Size,
				Tier:     TierFor(info.Name, info.Size),
				Default:  info.Name == m.cfg.Ollama.Model || m.cfg.Ollama.Model == "",
			})
		}
	}

	if m.cfg.Anthropic.APIKey != "" {
		name := m.cfg.Anthropic.Model
		models = append(models, Model{
			Name:     name,
			Provider: "claude",
			Tier:     TierFor(name, 0),
			Default:  true,
		})
		// The stronger sibling stays available as an explicit override.
		if !strings.Contains(strings.ToLower(name), "opus") {
			models = append(models, Model{
				Name:     "claude-opus-4-6",
				Provider: "claude",
				Tier:     9,
			})
		}
	}

	if m.cfg.OpenAI.APIKey != "" {
		name := m.cfg.OpenAI.Model
		models = append(models, Model{
			Name:     name,
			Provider: "openai",
			Tier:     TierFor(name, 0),
			Default:  true,
		})
	}

	m.mu.Lock()
	m.models = models
	m.probed = time.Now()
	m.mu.Unlock()

	slog.Info("resource probe complete", "models", len(models))
}

// Models returns a copy of the current inventory.
func (m *Monitor) Models() []Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Model, len(m.models))
	copy(out, m.models)
	return out
}

// BestModel returns the model that should serve the task. Default models
// meeting the task's minimum tier are preferred; override-only models are
// considered only when no default qualifies. For the route task the
// smallest adequate model wins to save resources; every other task gets the
// strongest qualifying model.
func (m *Monitor) BestModel(task string) (Model, bool) {
	minTier, ok := taskMinTier[task]
	if !ok {
		minTier = 3
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	pick := func(pool []Model) (Model, bool) {
		var qualified []Model
		for _, model := range pool {
			if model.Tier >= minTier {
				qualified = append(qualified, model)
			}
		}
		if len(qualified) == 0 {
			return Model{}, false
		}
		sort.SliceStable(qualified, func(i, j int) bool {
			if task == "route" {
				return qualified[i].Tier < qualified[j].Tier
			}
			return qualified[i].Tier > qualified[j].Tier
		})
		return qualified[0], true
	}

	var defaults, overrides []Model
	for _, model := range m.models {
		if model.Default {
			defaults = append(defaults, model)
		} else {
			overrides = append(overrides, model)
		}
	}

	if model, ok := pick(defaults); ok {
		return model, true
	}
	return pick(overrides)
}

// TaskForComplexity maps a prompt complexity to a generation task category.
func TaskForComplexity(complexity string) string {
	switch complexity {
	case "complex":
		return "generate-complex"
	case "medium":
		return "generate-medium"
	default:
		return "generate-simple"
	}
}
