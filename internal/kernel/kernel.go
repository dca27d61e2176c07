// Package kernel is the composition root: it owns every mutable subsystem,
// constructs them in a fixed order (see New) and exposes the composed
// operations the HTTP and MCP surfaces call.
package kernel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kolapsis/llmos/internal/analyzer"
	"github.com/kolapsis/llmos/internal/capability"
	"github.com/kolapsis/llmos/internal/config"
	"github.com/kolapsis/llmos/internal/events"
	"github.com/kolapsis/llmos/internal/gateway"
	"github.com/kolapsis/llmos/internal/knowledge"
	"github.com/kolapsis/llmos/internal/monitor"
	"github.com/kolapsis/llmos/internal/process"
	"github.com/kolapsis/llmos/internal/profile"
	"github.com/kolapsis/llmos/internal/provider"
	"github.com/kolapsis/llmos/internal/registry"
	"github.com/kolapsis/llmos/internal/scheduler"
	"github.com/kolapsis/llmos/internal/storage"
	"github.com/kolapsis/llmos/internal/wasm"
)

// ErrAnalysisBlocked carries the report of a failed analysis.
type ErrAnalysisBlocked struct {
	Report analyzer.Report
}

func (e *ErrAnalysisBlocked) Error() string {
	return fmt.Sprintf("analysis blocked: %d critical findings", e.Report.CriticalCount)
}

// Kernel wires every subsystem together.
type Kernel struct {
	Cfg       *config.Config
	Providers *provider.Registry
	Monitor   *monitor.Monitor
	Router    *monitor.Router
	Gateway   *gateway.Gateway
	Caps      *capability.Service
	Registry  *registry.Registry
	Storage   *storage.Manager
	Knowledge *knowledge.Base
	Wasm      *wasm.Sandbox
	Process   *process.Manager
	Scheduler *scheduler.Scheduler
	Profile   *profile.Manager
	Events    *events.Log
}

// New builds the kernel in this order: profile, scheduler state, the
// capability key, the registry, storage, knowledge base and event log,
// providers with the monitor, router and gateway, the wasm sandbox and the
// container manager; the built-in tasks are registered last. The HTTP
// listener and background probes come after, driven by cmd.
func New(cfg *config.Config) (*Kernel, error) {
	dataRoot := cfg.Data.Root

	prof, err := profile.Load(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	sched := scheduler.New(cfg.Scheduler, dataRoot)

	caps := capability.NewService()
	if err := caps.InitKey(); err != nil {
		return nil, fmt.Errorf("initializing capability key: %w", err)
	}

	reg, err := registry.Open(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	store := storage.NewManager(dataRoot)
	kb := knowledge.Open(dataRoot)

	eventLog, err := events.Open(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	providers := provider.NewRegistry()
	ollama := provider.NewOllama(cfg.LLM.Ollama.URL, cfg.LLM.Ollama.Model)
	providers.Register(ollama)
	providers.Register(provider.NewAnthropic(cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.Model))
	providers.Register(provider.NewOpenAI(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.BaseURL, cfg.LLM.OpenAI.Model))

	mon := monitor.New(cfg.LLM, ollama)
	router := monitor.NewRouter(mon, providers)
	gw := gateway.New(cfg.LLM, cfg.Gateway, providers, mon, kb)

	k := &Kernel{
		Cfg:       cfg,
		Providers: providers,
		Monitor:   mon,
		Router:    router,
		Gateway:   gw,
		Caps:      caps,
		Registry:  reg,
		Storage:   store,
		Knowledge: kb,
		Scheduler: sched,
		Profile:   prof,
		Events:    eventLog,
	}

	k.Wasm = wasm.NewSandbox(caps, storageAdapter{store}, func(appID, message string) {
		eventLog.Record("notification", appID, message)
	})

	if cfg.Docker.Enabled {
		pm, err := process.NewManager(cfg.Docker, caps, dataRoot, cfg.LLM.Anthropic.APIKey)
		if err != nil {
			slog.Warn("container engine unavailable, process apps disabled", "error", err)
		} else {
			k.Process = pm
		}
	}

	k.registerTasks()
	return k, nil
}

// StartBackground kicks off the resource probe and community sync. Runs
// after the HTTP listener is up.
func (k *Kernel) StartBackground(ctx context.Context) {
	go k.Monitor.Probe(ctx)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.Monitor.Probe(ctx)
			}
		}
	}()

	if url := k.Cfg.Registry.CommunityURL; url != "" {
		go k.Registry.SyncCommunity(ctx, url)
	}
}

// Shutdown drains state in order: storage flush, scheduler persist,
// container stop.
func (k *Kernel) Shutdown(ctx context.Context) {
	k.Storage.FlushAll()
	k.Scheduler.Close()
	if k.Process != nil {
		k.Process.StopAll(ctx)
	}
	k.Wasm.KillAll()
	if err := k.Events.Close(); err != nil {
		slog.Warn("closing event log", "error", err)
	}
	slog.Info("kernel shut down")
}

// GenerateResponse is the composed result of a full generation: the vetted
// code, its registry entry, the granted capability tokens and the analyzer
// report.
type GenerateResponse struct {
	Entry          *registry.Entry    `json:"entry"`
	Existing       bool               `json:"existing"`
	Grant          *capability.Grant  `json:"grant"`
	Report         analyzer.Report    `json:"report"`
	SanitizerFlags []string           `json:"sanitizer_flags,omitempty"`
	Confidence     gateway.Confidence `json:"confidence"`
}

// GenerateApp runs the full iframe path: gateway pipeline, analyzer gate,
// registry publish, capability grant. Either the response or the
// clarification is non-nil on success. Nothing is persisted when the
// analyzer blocks.
func (k *Kernel) GenerateApp(ctx context.Context, prompt string, opts gateway.Options) (*GenerateResponse, *gateway.Clarification, error) {
	result, clarify, err := k.Gateway.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, nil, err
	}
	if clarify != nil {
		return nil, clarify, nil
	}

	report := analyzer.Analyze(result.Code)
	if !report.Passed {
		k.Events.Record(events.KindAnalyzerBlock, "", fmt.Sprintf("%d critical findings for %q", report.CriticalCount, result.Title))
		return nil, nil, &ErrAnalysisBlocked{Report: report}
	}

	pub := k.Registry.Publish(registry.Entry{
		Prompt:       prompt,
		Title:        result.Title,
		Type:         registry.TypeIframe,
		Code:         result.Code,
		Capabilities: result.Capabilities,
		Model:        result.Model,
		Provider:     result.Provider,
	})

	grant, err := k.Caps.Grant(pub.Hash, result.Capabilities)
	if err != nil {
		return nil, nil, fmt.Errorf("granting capabilities: %w", err)
	}

	k.Events.Record(events.KindGeneration, pub.Hash, result.Title)
	k.Events.Record(events.KindGrant, pub.Hash, fmt.Sprintf("%v", grant.Capabilities))

	return &GenerateResponse{
		Entry:          pub.Entry,
		Existing:       pub.Existing,
		Grant:          grant,
		Report:         report,
		SanitizerFlags: result.SanitizerFlags,
		Confidence:     result.Confidence,
	}, nil, nil
}

// ProcessResponse is the composed result of a process generation.
type ProcessResponse struct {
	Entry          *registry.Entry   `json:"entry"`
	Existing       bool              `json:"existing"`
	Grant          *capability.Grant `json:"grant"`
	RecipeReport   analyzer.Report   `json:"recipe_report"`
	CodeReport     analyzer.Report   `json:"code_report"`
	SanitizerFlags []string          `json:"sanitizer_flags,omitempty"`
}

// GenerateProcessApp runs the two-section container path. Both the recipe
// and the code must pass their rule sets before anything is persisted.
func (k *Kernel) GenerateProcessApp(ctx context.Context, prompt string) (*ProcessResponse, error) {
	result, err := k.Gateway.GenerateProcess(ctx, prompt)
	if err != nil {
		return nil, err
	}

	recipeReport := analyzer.AnalyzeDockerfile(result.Dockerfile)
	if !recipeReport.Passed {
		k.Events.Record(events.KindAnalyzerBlock, "", fmt.Sprintf("recipe: %d critical findings", recipeReport.CriticalCount))
		return nil, &ErrAnalysisBlocked{Report: recipeReport}
	}
	codeReport := analyzer.Analyze(result.Code)
	if !codeReport.Passed {
		k.Events.Record(events.KindAnalyzerBlock, "", fmt.Sprintf("code: %d critical findings", codeReport.CriticalCount))
		return nil, &ErrAnalysisBlocked{Report: codeReport}
	}

	pub := k.Registry.Publish(registry.Entry{
		Prompt:       prompt,
		Title:        deriveProcessTitle(prompt),
		Type:         registry.TypeProcess,
		Code:         result.Code,
		Dockerfile:   result.Dockerfile,
		Capabilities: result.Capabilities,
		Model:        result.Model,
		Provider:     result.Provider,
	})

	grant, err := k.Caps.Grant(pub.Hash, result.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("granting capabilities: %w", err)
	}

	k.Events.Record(events.KindGeneration, pub.Hash, "process: "+pub.Entry.Title)

	return &ProcessResponse{
		Entry:          pub.Entry,
		Existing:       pub.Existing,
		Grant:          grant,
		RecipeReport:   recipeReport,
		CodeReport:     codeReport,
		SanitizerFlags: result.SanitizerFlags,
	}, nil
}

// LaunchProcess builds and runs a registered process app.
func (k *Kernel) LaunchProcess(ctx context.Context, hash string) (*process.Info, error) {
	if k.Process == nil {
		return nil, errors.New("container engine not available")
	}

	entry, err := k.Registry.Get(hash)
	if err != nil {
		return nil, err
	}
	if entry.Type != registry.TypeProcess {
		return nil, fmt.Errorf("app %s is not a process app", hash)
	}

	// Re-gate at launch: registry contents may predate rule updates.
	if report := analyzer.AnalyzeDockerfile(entry.Dockerfile); !report.Passed {
		return nil, &ErrAnalysisBlocked{Report: report}
	}

	image, err := k.Process.BuildImage(ctx, hash, entry.Dockerfile, map[string]string{"app.main": entry.Code})
	if err != nil {
		return nil, err
	}

	info, err := k.Process.Launch(ctx, hash, image, entry.Capabilities)
	if err != nil {
		return nil, err
	}

	_ = k.Registry.RecordLaunch(hash)
	k.Events.Record(events.KindLaunch, hash, "process")
	return info, nil
}

// LaunchWasm grants capabilities and runs a wasm module to completion.
// The module bytes are the registry entry's code, base64-encoded at
// publish time.
func (k *Kernel) LaunchWasm(ctx context.Context, hash string, opts wasm.LaunchOptions) ([]uint64, error) {
	entry, err := k.Registry.Get(hash)
	if err != nil {
		return nil, err
	}
	if entry.Type != registry.TypeWasm {
		return nil, fmt.Errorf("app %s is not a wasm app", hash)
	}

	module, err := base64.StdEncoding.DecodeString(entry.Code)
	if err != nil {
		return nil, fmt.Errorf("decoding wasm module: %w", err)
	}

	grant, err := k.Caps.Grant(hash, entry.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("granting capabilities: %w", err)
	}
	opts.Tokens = grant.Tokens

	_ = k.Registry.RecordLaunch(hash)
	k.Events.Record(events.KindLaunch, hash, "wasm")

	results, err := k.Wasm.Launch(ctx, hash, module, grant.Capabilities, entry.Title, opts)

	// Tokens die with the run regardless of outcome.
	k.Caps.RevokeAll(hash)
	return results, err
}

// KillApp terminates a running app of either sandbox kind and revokes its
// tokens.
func (k *Kernel) KillApp(ctx context.Context, appID string) bool {
	killed := k.Wasm.Kill(appID)
	if k.Process != nil {
		if err := k.Process.Stop(ctx, appID); err == nil {
			killed = true
		}
	}
	k.Caps.RevokeAll(appID)
	if killed {
		k.Events.Record(events.KindKill, appID, "")
	}
	return killed
}

// Status summarizes the kernel for the status surface.
func (k *Kernel) Status() map[string]any {
	regStats := k.Registry.GetStats()
	status := map[string]any{
		"apps":         regStats.Total,
		"launches":     regStats.TotalLaunch,
		"wasm_running": len(k.Wasm.ListApps()),
		"models":       len(k.Monitor.Models()),
		"scheduler":    k.Scheduler.Aggregate(),
		"profile_mode": k.Profile.Get().Mode,
		"docker":       k.Process != nil,
		"knowledge":    k.Knowledge.Len(),
	}
	if k.Process != nil {
		status["containers"] = len(k.Process.List())
	}
	return status
}

// Solidify freezes all generated apps and flips the profile mode.
func (k *Kernel) Solidify() error {
	var apps []profile.SnapshotApp
	for _, e := range k.Registry.All() {
		apps = append(apps, profile.SnapshotApp{
			AppID:        e.Hash,
			Type:         e.Type,
			Title:        e.Title,
			Code:         e.Code,
			Dockerfile:   e.Dockerfile,
			Capabilities: e.Capabilities,
		})
	}
	return k.Profile.Solidify(apps, "", time.Now().Format(time.RFC3339))
}

func deriveProcessTitle(prompt string) string {
	const max = 48
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max]
}

// storageAdapter bridges the storage manager into the wasm host-call
// interface without the sandbox importing the storage package.
type storageAdapter struct {
	m *storage.Manager
}

func (a storageAdapter) Get(appID, key string) any { return a.m.Get(appID, key) }

func (a storageAdapter) Set(appID, key string, value any) wasm.SetOutcome {
	r := a.m.Set(appID, key, value)
	return wasm.SetOutcome{OK: r.OK, Error: r.Error}
}

func (a storageAdapter) Remove(appID, key string) { a.m.Remove(appID, key) }

func (a storageAdapter) Keys(appID string) []string { return a.m.Keys(appID) }

// marshalDetail encodes arbitrary detail payloads for the event log.
func marshalDetail(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
