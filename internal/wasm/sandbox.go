// Package wasm executes WebAssembly apps under wazero with capped memory,
// a CPU deadline and capability-gated host calls. Each launch gets its own
// runtime instance; the kernel shares nothing with the module except the
// host functions.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/kolapsis/llmos/internal/capability"
)

// Defaults per launch.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMemoryPages    = 16
	DefaultMaxMemoryPages = 1024
)

// App states.
const (
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
	StateKilled  = "killed"
)

// ErrCPUTimeout settles a launch whose deadline fired while the module was
// still executing.
var ErrCPUTimeout = errors.New("CPU timeout")

// LaunchOptions tune one launch. Zero values take the package defaults.
type LaunchOptions struct {
	EntryFn        string
	Args           []uint64
	Timeout        time.Duration
	MemoryPages    int
	MaxMemoryPages int
	// Tokens maps capability → signed token. Only tokens verifying against
	// this appID contribute to the granted set.
	Tokens map[string]string
}

// AppInfo describes a running app.
type AppInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

type runningApp struct {
	info   AppInfo
	cancel context.CancelFunc
	killed bool
}

// Sandbox launches and tracks wasm apps.
type Sandbox struct {
	mu       sync.Mutex
	apps     map[string]*runningApp
	caps     *capability.Service
	storage  StorageBackend
	notifier Notifier
}

func NewSandbox(caps *capability.Service, storage StorageBackend, notifier Notifier) *Sandbox {
	return &Sandbox{
		apps:     make(map[string]*runningApp),
		caps:     caps,
		storage:  storage,
		notifier: notifier,
	}
}

// Launch validates, compiles and runs a module, blocking until the entry
// function returns, the deadline fires or the app is killed. The appID slot
// is always freed on return so a failed launch can be retried.
func (s *Sandbox) Launch(ctx context.Context, appID string, module []byte, caps []string, title string, opts LaunchOptions) ([]uint64, error) {
	opts = withDefaults(opts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if _, exists := s.apps[appID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("app %q already running", appID)
	}
	app := &runningApp{
		info:   AppInfo{ID: appID, Title: title, State: StateRunning, StartedAt: time.Now()},
		cancel: cancel,
	}
	s.apps[appID] = app
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.apps, appID)
		s.mu.Unlock()
	}()

	if err := ValidateMemoryLimits(module, uint32(opts.MaxMemoryPages)); err != nil {
		return nil, err
	}

	granted := s.effectiveCaps(appID, caps, opts.Tokens)

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(opts.MaxMemoryPages)).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(runCtx, runtimeCfg)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = r.Close(closeCtx)
	}()

	env := &hostEnv{
		appID:   appID,
		granted: granted,
		storage: s.storage,
		notify:  s.notifier,
	}
	if err := instantiateHost(runCtx, r, env); err != nil {
		return nil, fmt.Errorf("instantiating host module: %w", err)
	}
	wasi_snapshot_preview1.MustInstantiate(runCtx, r)

	compiled, err := r.CompileModule(runCtx, module)
	if err != nil {
		return nil, fmt.Errorf("compiling module: %w", err)
	}
	defer func() { _ = compiled.Close(runCtx) }()

	if err := checkImports(compiled, granted); err != nil {
		return nil, err
	}

	// Deny-by-default module config: no filesystem, no env, no args.
	modCfg := wazero.NewModuleConfig().
		WithName(appID).
		WithStartFunctions() // entry dispatch is explicit below

	callCtx, callCancel := context.WithTimeout(runCtx, opts.Timeout)
	defer callCancel()

	instance, err := r.InstantiateModule(callCtx, compiled, modCfg)
	if err != nil {
		return nil, s.settle(appID, app, callCtx, fmt.Errorf("instantiating module: %w", err))
	}
	defer func() { _ = instance.Close(runCtx) }()

	fn := instance.ExportedFunction(opts.EntryFn)
	if fn == nil {
		s.setState(app, StateFailed)
		return nil, fmt.Errorf("no exported function %q", opts.EntryFn)
	}

	results, err := fn.Call(callCtx, opts.Args...)
	if err != nil {
		return nil, s.settle(appID, app, callCtx, err)
	}

	s.setState(app, StateDone)
	slog.Info("wasm app finished", "app_id", appID)
	return results, nil
}

// settle maps a launch failure to its terminal state and user-facing error.
func (s *Sandbox) settle(appID string, app *runningApp, callCtx context.Context, err error) error {
	s.mu.Lock()
	killed := app.killed
	s.mu.Unlock()

	if killed {
		s.setState(app, StateKilled)
		slog.Warn("wasm app killed", "app_id", appID)
		return fmt.Errorf("app %q killed", appID)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		s.setState(app, StateFailed)
		slog.Warn("wasm app hit CPU deadline", "app_id", appID)
		return ErrCPUTimeout
	}

	// A clean exit via proc_exit(0) is success, not failure.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		s.setState(app, StateDone)
		return nil
	}

	s.setState(app, StateFailed)
	return fmt.Errorf("running app %q: %w", appID, err)
}

func (s *Sandbox) setState(app *runningApp, state string) {
	s.mu.Lock()
	app.info.State = state
	s.mu.Unlock()
}

// effectiveCaps intersects the requested capabilities with what the tokens
// and the grant whitelist actually authorize for this app.
func (s *Sandbox) effectiveCaps(appID string, caps []string, tokens map[string]string) map[string]bool {
	granted := make(map[string]bool)
	for _, c := range caps {
		if token, ok := tokens[c]; ok {
			v := s.caps.Verify(token)
			if v.Valid && v.Payload.AppID == appID && v.Payload.Cap == c {
				granted[c] = true
			}
			continue
		}
		if s.caps.Check(appID, c) {
			granted[c] = true
		}
	}
	return granted
}

// checkImports walks the compiled module's imports and rejects any llmos
// import whose capability is not granted.
func checkImports(compiled wazero.CompiledModule, granted map[string]bool) error {
	for _, def := range compiled.ImportedFunctions() {
		module, name, ok := def.Import()
		if !ok || module != hostModule {
			continue
		}
		required, needs := importCapabilities[name]
		if !needs {
			continue // notify, cap_request
		}
		if !granted[required] {
			return fmt.Errorf("%s not granted", required)
		}
	}
	return nil
}

// Kill terminates a running app. The in-flight Launch settles as killed.
func (s *Sandbox) Kill(appID string) bool {
	s.mu.Lock()
	app, ok := s.apps[appID]
	if ok {
		app.killed = true
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	app.cancel()
	return true
}

// KillAll terminates every running app.
func (s *Sandbox) KillAll() int {
	s.mu.Lock()
	targets := make([]*runningApp, 0, len(s.apps))
	for _, app := range s.apps {
		app.killed = true
		targets = append(targets, app)
	}
	s.mu.Unlock()

	for _, app := range targets {
		app.cancel()
	}
	return len(targets)
}

// GetApp returns info for a running app.
func (s *Sandbox) GetApp(appID string) (AppInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	if !ok {
		return AppInfo{}, false
	}
	return app.info, true
}

// ListApps returns every currently running app.
func (s *Sandbox) ListApps() []AppInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AppInfo, 0, len(s.apps))
	for _, app := range s.apps {
		out = append(out, app.info)
	}
	return out
}

func withDefaults(opts LaunchOptions) LaunchOptions {
	if opts.EntryFn == "" {
		opts.EntryFn = "main"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MemoryPages <= 0 {
		opts.MemoryPages = DefaultMemoryPages
	}
	if opts.MaxMemoryPages <= 0 {
		opts.MaxMemoryPages = DefaultMaxMemoryPages
	}
	return opts
}
