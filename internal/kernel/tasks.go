package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kolapsis/llmos/internal/analyzer"
	"github.com/kolapsis/llmos/internal/events"
	"github.com/kolapsis/llmos/internal/provider"
	"github.com/kolapsis/llmos/internal/registry"
	"github.com/kolapsis/llmos/internal/scheduler"
)

// registerTasks installs the built-in self-improvement tasks. None are
// enabled by default; a task runs on its timer only after an explicit
// enable. The profile's services.scheduler flag does not enable them.
func (k *Kernel) registerTasks() {
	k.Scheduler.Register(scheduler.Definition{
		ID:              "registry-curation",
		Name:            "Registry curation",
		Description:     "Trim the registry to its configured maximum, dropping the least used, lowest rated apps first.",
		Category:        "maintenance",
		DefaultInterval: 6 * time.Hour,
		Handler:         k.curateRegistry,
	})

	k.Scheduler.Register(scheduler.Definition{
		ID:              "knowledge-compaction",
		Name:            "Knowledge compaction",
		Description:     "Drop generation history older than 30 days beyond the first hundred entries.",
		Category:        "maintenance",
		DefaultInterval: 24 * time.Hour,
		Handler:         k.compactKnowledge,
	})

	k.Scheduler.Register(scheduler.Definition{
		ID:              "security-sweep",
		Name:            "Security sweep",
		Description:     "Re-analyze every registered app against the current rule set and write a report.",
		Category:        "security",
		DefaultInterval: 12 * time.Hour,
		Handler:         k.securitySweep,
	})

	k.Scheduler.Register(scheduler.Definition{
		ID:              "spec-backfill",
		Name:            "Spec backfill",
		Description:     "Write a short spec document for popular apps that lack one.",
		Category:        "improvement",
		RequiresLLM:     true,
		DefaultInterval: 8 * time.Hour,
		Handler:         k.backfillSpecs,
	})
}

// curateRegistry keeps the registry under the configured cap. Apps are
// ranked by rating then launches; the tail is deleted.
func (k *Kernel) curateRegistry(_ context.Context, tc *scheduler.Context) (scheduler.Result, error) {
	max := tc.Config.MaxRegistry
	if max <= 0 {
		max = 500
	}

	entries := k.Registry.All()
	if len(entries) <= max {
		return scheduler.Result{Success: true, Stats: map[string]any{"apps": len(entries), "deleted": 0}}, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Rating != entries[j].Rating {
			return entries[i].Rating > entries[j].Rating
		}
		return entries[i].Launches > entries[j].Launches
	})

	deleted := 0
	for _, e := range entries[max:] {
		if err := k.Registry.Delete(e.Hash); err == nil {
			deleted++
		}
	}

	return scheduler.Result{Success: true, Stats: map[string]any{"apps": len(entries), "deleted": deleted}}, nil
}

func (k *Kernel) compactKnowledge(_ context.Context, _ *scheduler.Context) (scheduler.Result, error) {
	dropped := k.Knowledge.Compact(time.Now().AddDate(0, 0, -30), 100)
	return scheduler.Result{Success: true, Stats: map[string]any{"dropped": dropped}}, nil
}

// sweepFinding is one flagged app in a security report.
type sweepFinding struct {
	Hash   string          `json:"hash"`
	Title  string          `json:"title"`
	Type   string          `json:"type"`
	Report analyzer.Report `json:"report"`
}

// securitySweep re-runs the analyzer over the whole registry. Apps that
// fail under the current rule set are reported, not deleted: the sweep is
// evidence, the operator decides.
func (k *Kernel) securitySweep(_ context.Context, _ *scheduler.Context) (scheduler.Result, error) {
	var findings []sweepFinding
	scanned := 0

	for _, e := range k.Registry.All() {
		scanned++
		var report analyzer.Report
		switch e.Type {
		case registry.TypeProcess:
			report = analyzer.AnalyzeDockerfile(e.Dockerfile)
			if report.Passed {
				report = analyzer.Analyze(e.Code)
			}
		case registry.TypeWasm:
			continue // wasm modules are gated structurally at launch
		default:
			report = analyzer.Analyze(e.Code)
		}
		if !report.Passed || report.WarningCount > 0 {
			findings = append(findings, sweepFinding{Hash: e.Hash, Title: e.Title, Type: e.Type, Report: report})
		}
	}

	reportDir := filepath.Join(k.Cfg.Data.Root, "security-reports")
	if err := os.MkdirAll(reportDir, 0o700); err != nil {
		return scheduler.Result{}, fmt.Errorf("creating report dir: %w", err)
	}

	payload := map[string]any{
		"at":       time.Now().Format(time.RFC3339),
		"scanned":  scanned,
		"flagged":  len(findings),
		"findings": findings,
	}
	name := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".json"
	if err := os.WriteFile(filepath.Join(reportDir, name), []byte(marshalDetail(payload)), 0o600); err != nil {
		return scheduler.Result{}, fmt.Errorf("writing security report: %w", err)
	}

	k.Events.Record(events.KindTaskRun, "", fmt.Sprintf("security sweep: %d scanned, %d flagged", scanned, len(findings)))
	return scheduler.Result{Success: true, Stats: map[string]any{"scanned": scanned, "flagged": len(findings)}}, nil
}

// backfillSpecs asks an LLM to document popular apps missing a spec,
// spending at most the remaining daily budget.
func (k *Kernel) backfillSpecs(ctx context.Context, tc *scheduler.Context) (scheduler.Result, error) {
	var candidates []*registry.Entry
	for _, e := range k.Registry.All() {
		if e.Spec == "" && e.Launches >= 2 {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Launches > candidates[j].Launches })

	written := 0
	for _, e := range candidates {
		if tc.BudgetRemaining() == 0 {
			break
		}
		if written == 3 {
			break // a few per run keeps the task cheap
		}

		p, err := k.schedulerProvider(ctx, tc)
		if err != nil {
			return scheduler.Result{}, err
		}

		tc.TrackLLMCall()
		text, err := p.Generate(ctx, []provider.Message{
			{Role: provider.RoleSystem, Content: "Write a terse markdown spec (under 200 words) for the app described. Sections: Purpose, Features, Data."},
			{Role: provider.RoleUser, Content: fmt.Sprintf("Prompt: %s\nCapabilities: %v", e.Prompt, e.Capabilities)},
		}, provider.Options{MaxTokens: 500})
		if err != nil {
			return scheduler.Result{}, fmt.Errorf("generating spec for %s: %w", e.Hash, err)
		}

		if err := k.Registry.UpdateSpec(e.Hash, text); err != nil {
			continue
		}
		written++
	}

	return scheduler.Result{Success: true, Stats: map[string]any{"candidates": len(candidates), "written": written}}, nil
}

// schedulerProvider resolves the provider background tasks should use:
// the configured scheduler provider, else any available one.
func (k *Kernel) schedulerProvider(ctx context.Context, tc *scheduler.Context) (provider.Provider, error) {
	if name := tc.Config.Provider; name != "" {
		if p, ok := k.Providers.Get(name); ok && p.Available(ctx) {
			return p, nil
		}
	}
	return k.Providers.FirstAvailable(ctx, "ollama")
}
