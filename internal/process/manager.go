// Package process builds and runs container-backed apps under strict
// resource and isolation constraints, talking to the container engine over
// its REST API.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/kolapsis/llmos/internal/capability"
	"github.com/kolapsis/llmos/internal/config"
)

// Non-negotiable per-container limits.
const (
	memoryLimit  = 512 * 1024 * 1024
	nanoCPUs     = 1_000_000_000
	pidsLimit    = 64
	tmpfsSize    = "64m"
	wallClockMax = 30 * time.Minute
	stopGrace    = 5 // seconds
	internalPort = "8080/tcp"
	healthDelay  = 3 * time.Second
)

// Process states.
const (
	StateBuilding = "building"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateFailed   = "failed"
)

var (
	// ErrNoFreePorts is returned when the host port range is exhausted.
	ErrNoFreePorts = errors.New("resource_exhausted: no free ports")
	// ErrMaxContainers is returned when the container cap is reached.
	ErrMaxContainers = errors.New("resource_exhausted: container limit reached")
	// ErrNotFound is returned for unknown app IDs.
	ErrNotFound = errors.New("process not found")
)

// Info describes one managed container.
type Info struct {
	AppID       string    `json:"app_id"`
	ContainerID string    `json:"container_id"`
	Image       string    `json:"image"`
	Port        int       `json:"port"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
}

type proc struct {
	info      Info
	wallTimer *time.Timer
}

// Manager owns the engine client, the port allocator and the process table.
type Manager struct {
	mu       sync.Mutex
	cli      *client.Client
	cfg      config.DockerConfig
	caps     *capability.Service
	dataRoot string
	// anthropicKey is injected into containers holding api:anthropic.
	anthropicKey string
	procs        map[string]*proc
	ports        map[int]string // host port → appID
}

// NewManager connects to the container engine. Host empty means the
// environment default (unix socket or DOCKER_HOST).
func NewManager(cfg config.DockerConfig, caps *capability.Service, dataRoot, anthropicKey string) (*Manager, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to container engine: %w", err)
	}

	return &Manager{
		cli:          cli,
		cfg:          cfg,
		caps:         caps,
		dataRoot:     dataRoot,
		anthropicKey: anthropicKey,
		procs:        make(map[string]*proc),
		ports:        make(map[int]string),
	}, nil
}

// allocatePort returns the first free host port in the configured range.
// Callers must hold m.mu.
func (m *Manager) allocatePort() (int, error) {
	for p := m.cfg.PortStart; p <= m.cfg.PortEnd; p++ {
		if _, taken := m.ports[p]; !taken {
			return p, nil
		}
	}
	return 0, ErrNoFreePorts
}

// Launch creates and starts a container for the app. Constraints are fixed
// at create time; capabilities only ever widen network, volume and API-key
// access, never the resource caps.
func (m *Manager) Launch(ctx context.Context, appID, image string, caps []string) (*Info, error) {
	capSet := make(map[string]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}

	m.mu.Lock()
	if _, exists := m.procs[appID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("app %q already has a container", appID)
	}
	if len(m.procs) >= m.cfg.MaxContainers {
		m.mu.Unlock()
		return nil, ErrMaxContainers
	}
	port, err := m.allocatePort()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.ports[port] = appID
	p := &proc{info: Info{
		AppID:     appID,
		Image:     image,
		Port:      port,
		State:     StateStarting,
		StartedAt: time.Now(),
	}}
	m.procs[appID] = p
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.ports, port)
		delete(m.procs, appID)
		m.mu.Unlock()
	}

	env := []string{fmt.Sprintf("PORT=%d", 8080)}
	if capSet[capability.CapAPIAnthropic] && m.anthropicKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+m.anthropicKey)
	}

	networkMode := container.NetworkMode("none")
	if capSet[capability.CapProcessNetwork] {
		networkMode = container.NetworkMode("bridge")
	}

	var binds []string
	if capSet[capability.CapProcessVolume] {
		binds = append(binds, fmt.Sprintf("%s/%s:/data", m.dataRoot, appID))
	}

	pids := int64(pidsLimit)
	hostCfg := &container.HostConfig{
		NetworkMode:    networkMode,
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Binds:          binds,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=" + tmpfsSize,
		},
		PortBindings: nat.PortMap{
			internalPort: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: fmt.Sprintf("%d", port),
			}},
		},
		Resources: container.Resources{
			Memory:     memoryLimit,
			MemorySwap: memoryLimit, // equal to memory: no swap
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 2048},
			},
		},
	}

	containerCfg := &container.Config{
		Image: image,
		Env:   env,
		ExposedPorts: nat.PortSet{
			internalPort: struct{}{},
		},
		Labels: map[string]string{
			"llmos.app": appID,
		},
	}

	name := fmt.Sprintf("llmos-%s-%s", appID, uuid.NewString()[:8])
	created, err := m.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		release()
		return nil, fmt.Errorf("creating container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		release()
		return nil, fmt.Errorf("starting container: %w", err)
	}

	m.mu.Lock()
	p.info.ContainerID = created.ID
	p.wallTimer = time.AfterFunc(wallClockMax, func() {
		slog.Warn("container exceeded wall-clock limit, stopping", "app_id", appID)
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = m.Stop(stopCtx, appID)
	})
	m.mu.Unlock()

	slog.Info("container started",
		"app_id", appID,
		"container_id", created.ID[:12],
		"port", port,
		"network", string(networkMode))

	// Short startup grace, then promote or fail.
	go m.promote(appID, created.ID)

	info := p.info
	return &info, nil
}

// promote polls the container after the startup delay and moves it from
// starting to running or failed.
func (m *Manager) promote(appID, containerID string) {
	time.Sleep(healthDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inspect, err := m.cli.ContainerInspect(ctx, containerID)

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[appID]
	if !ok || p.info.State != StateStarting {
		return
	}
	if err == nil && inspect.State != nil && inspect.State.Running {
		p.info.State = StateRunning
	} else {
		p.info.State = StateFailed
		slog.Warn("container failed to start", "app_id", appID, "error", err)
	}
}

// Stop requests a graceful stop with a short grace period, then removes
// the container and frees the port. Removal failures are logged but never
// block the state update.
func (m *Manager) Stop(ctx context.Context, appID string) error {
	m.mu.Lock()
	p, ok := m.procs[appID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	containerID := p.info.ContainerID
	port := p.info.Port
	if p.wallTimer != nil {
		p.wallTimer.Stop()
	}
	m.mu.Unlock()

	grace := stopGrace
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		slog.Warn("container stop failed", "app_id", appID, "error", err)
	}
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("container remove failed", "app_id", appID, "error", err)
	}

	m.mu.Lock()
	delete(m.ports, port)
	delete(m.procs, appID)
	m.mu.Unlock()

	slog.Info("container stopped", "app_id", appID, "port_freed", port)
	return nil
}

// HealthCheck inspects the container and reports whether it is running.
func (m *Manager) HealthCheck(ctx context.Context, appID string) (bool, error) {
	m.mu.Lock()
	p, ok := m.procs[appID]
	var containerID string
	if ok {
		containerID = p.info.ContainerID
	}
	m.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}

	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("inspecting container: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// List returns every managed process.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p.info)
	}
	return out
}

// Get returns the process info for an app.
func (m *Manager) Get(appID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[appID]
	if !ok {
		return Info{}, false
	}
	return p.info, true
}

// StopAll stops every managed container. Used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, info := range m.List() {
		if err := m.Stop(ctx, info.AppID); err != nil {
			slog.Warn("stopping container on shutdown", "app_id", info.AppID, "error", err)
		}
	}
}
