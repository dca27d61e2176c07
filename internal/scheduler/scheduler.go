// Package scheduler drives background self-improvement tasks on
// independent timers with hard safety guarantees: a process-wide handler
// lock, a per-task circuit breaker, a daily LLM budget and an activity
// defer so background work never competes with a live user.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kolapsis/llmos/internal/config"
)

// MinInterval is the floor for effective task intervals regardless of
// configuration.
const MinInterval = time.Minute

// breakerThreshold is the consecutive-error count that trips the circuit
// breaker.
const breakerThreshold = 3

// breakerReason is recorded when the breaker disables a task.
const breakerReason = "circuit-breaker"

// historyLimit bounds each task's run history.
const historyLimit = 20

// ErrUnknownTask is returned for unregistered task IDs.
var ErrUnknownTask = errors.New("unknown task")

// Result is what a handler returns.
type Result struct {
	Success bool           `json:"success"`
	Stats   map[string]any `json:"stats,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Context is handed to every handler invocation.
type Context struct {
	Config config.SchedulerConfig

	trackLLM        func()
	budgetRemaining func() int
}

// TrackLLMCall counts one LLM call against the task's daily budget.
func (c *Context) TrackLLMCall() { c.trackLLM() }

// BudgetRemaining returns the LLM calls left today for this task.
func (c *Context) BudgetRemaining() int { return c.budgetRemaining() }

// Handler is a task implementation.
type Handler func(ctx context.Context, tc *Context) (Result, error)

// Definition registers a background task.
type Definition struct {
	ID              string
	Name            string
	Description     string
	Category        string
	RequiresLLM     bool
	DefaultInterval time.Duration
	Handler         Handler
}

// HistoryEntry is one recorded run.
type HistoryEntry struct {
	At       time.Time      `json:"at"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Stats    map[string]any `json:"stats,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// TaskState is the persisted per-task record.
type TaskState struct {
	Enabled           bool           `json:"enabled"`
	Interval          time.Duration  `json:"interval"`
	LastRun           time.Time      `json:"last_run"`
	NextRun           time.Time      `json:"next_run"`
	RunCount          int            `json:"run_count"`
	SuccessCount      int            `json:"success_count"`
	ErrorCount        int            `json:"error_count"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	DisabledReason    string         `json:"disabled_reason,omitempty"`
	LLMCallsToday     int            `json:"llm_calls_today"`
	LLMCallsDate      string         `json:"llm_calls_date"` // YYYY-MM-DD
	LastResult        map[string]any `json:"last_result,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	History           []HistoryEntry `json:"history,omitempty"`
}

// TaskView is a task's definition and state together, for listings.
type TaskView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	RequiresLLM bool      `json:"requires_llm"`
	State       TaskState `json:"state"`
}

// AggregateStats rolls every task up.
type AggregateStats struct {
	Tasks         int `json:"tasks"`
	Enabled       int `json:"enabled"`
	TotalRuns     int `json:"total_runs"`
	TotalSuccess  int `json:"total_success"`
	TotalErrors   int `json:"total_errors"`
	TrippedTasks  int `json:"tripped_tasks"`
	LLMCallsToday int `json:"llm_calls_today"`
}

// Scheduler owns the task registry, the timer engine and the persisted
// state.
type Scheduler struct {
	mu sync.Mutex

	cfg          config.SchedulerConfig
	path         string
	defs         map[string]*Definition
	states       map[string]*TaskState
	timers       map[string]*time.Timer
	paused       bool
	lastActivity time.Time
	closed       bool

	// handlerMu is the process-wide concurrency lock: at most one handler
	// runs at any instant.
	handlerMu sync.Mutex
}

// New loads persisted state from <dataRoot>/scheduler.json.
func New(cfg config.SchedulerConfig, dataRoot string) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		defs:         make(map[string]*Definition),
		states:       make(map[string]*TaskState),
		timers:       make(map[string]*time.Timer),
		lastActivity: time.Now(),
	}
	s.loadState(dataRoot)
	return s
}

// Register adds a task definition, restoring or initializing its state. A
// restored enabled task is rearmed.
func (s *Scheduler) Register(def Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := def
	s.defs[def.ID] = &d

	st, ok := s.states[def.ID]
	if !ok {
		st = &TaskState{Interval: s.clampInterval(def.DefaultInterval)}
		s.states[def.ID] = st
	}
	if st.Interval < MinInterval {
		st.Interval = s.clampInterval(def.DefaultInterval)
	}
	if st.Enabled {
		s.armLocked(def.ID)
	}
	slog.Debug("task registered", "task_id", def.ID, "enabled", st.Enabled)
}

func (s *Scheduler) clampInterval(d time.Duration) time.Duration {
	floor := MinInterval
	if s.cfg.MinInterval > floor {
		floor = s.cfg.MinInterval
	}
	if d < floor {
		return floor
	}
	return d
}

// Enable turns a task on, optionally overriding its interval, and arms its
// timer. Enabling clears a tripped breaker's disabled reason.
func (s *Scheduler) Enable(id string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok || s.defs[id] == nil {
		return ErrUnknownTask
	}
	if interval > 0 {
		st.Interval = s.clampInterval(interval)
	}
	st.Enabled = true
	st.DisabledReason = ""
	s.armLocked(id)
	s.persistLocked()
	slog.Info("task enabled", "task_id", id, "interval", st.Interval)
	return nil
}

// Disable turns a task off and stops its timer.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return ErrUnknownTask
	}
	st.Enabled = false
	s.disarmLocked(id)
	s.persistLocked()
	slog.Info("task disabled", "task_id", id)
	return nil
}

// armLocked schedules the next fire. Callers must hold s.mu.
func (s *Scheduler) armLocked(id string) {
	st := s.states[id]
	s.disarmLocked(id)

	st.NextRun = time.Now().Add(st.Interval)
	s.timers[id] = time.AfterFunc(st.Interval, func() { s.tick(id) })
}

func (s *Scheduler) disarmLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// tick fires on a task's timer and applies the guard chain in order:
// paused, enabled, activity defer, concurrency lock, circuit breaker,
// LLM budget. A guarded-out fire reschedules without running.
func (s *Scheduler) tick(id string) {
	s.mu.Lock()
	def := s.defs[id]
	st := s.states[id]
	if def == nil || st == nil || s.closed {
		s.mu.Unlock()
		return
	}

	rearm := func() {
		if st.Enabled && !s.closed {
			s.armLocked(id)
		}
	}

	if s.paused || !st.Enabled {
		rearm()
		s.mu.Unlock()
		return
	}

	deferWindow := time.Duration(s.cfg.DeferMinutes) * time.Minute
	if deferWindow <= 0 {
		deferWindow = 5 * time.Minute
	}
	if time.Since(s.lastActivity) < deferWindow {
		slog.Debug("task deferred by user activity", "task_id", id)
		rearm()
		s.mu.Unlock()
		return
	}

	// TryLock never blocks, so the concurrency lock is tried under s.mu; the
	// handler itself runs after s.mu is released so a long handler never
	// blocks state reads. A busy lock skips this fire entirely.
	if !s.handlerMu.TryLock() {
		rearm()
		s.mu.Unlock()
		return
	}

	if st.ConsecutiveErrors >= breakerThreshold {
		s.handlerMu.Unlock()
		rearm()
		s.mu.Unlock()
		return
	}

	if def.RequiresLLM && !s.budgetOKLocked(st) {
		slog.Debug("task deferred by llm budget", "task_id", id)
		s.handlerMu.Unlock()
		rearm()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	defer s.handlerMu.Unlock()

	s.execute(id, def)

	s.mu.Lock()
	rearm()
	s.mu.Unlock()
}

// RunNow executes the task immediately, waiting for the concurrency lock.
// Manual runs skip the pause, defer and breaker guards but still count
// toward error and budget accounting.
func (s *Scheduler) RunNow(id string) (Result, error) {
	s.mu.Lock()
	def := s.defs[id]
	if def == nil {
		s.mu.Unlock()
		return Result{}, ErrUnknownTask
	}
	s.mu.Unlock()

	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()

	return s.execute(id, def), nil
}

// execute runs the handler and records the outcome. Callers must hold
// handlerMu.
func (s *Scheduler) execute(id string, def *Definition) Result {
	tc := &Context{
		Config: s.cfg,
		trackLLM: func() {
			s.mu.Lock()
			st := s.states[id]
			s.rollBudgetLocked(st)
			st.LLMCallsToday++
			s.mu.Unlock()
		},
		budgetRemaining: func() int {
			s.mu.Lock()
			defer s.mu.Unlock()
			st := s.states[id]
			s.rollBudgetLocked(st)
			remaining := s.cfg.DailyBudget - st.LLMCallsToday
			if remaining < 0 {
				return 0
			}
			return remaining
		},
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := runHandler(ctx, def.Handler, tc)
	duration := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[id]
	st.RunCount++
	st.LastRun = start
	st.NextRun = start.Add(st.Interval)

	entry := HistoryEntry{At: start, Duration: duration}

	if err != nil {
		st.ErrorCount++
		st.ConsecutiveErrors++
		st.LastError = err.Error()
		entry.Error = err.Error()
		result = Result{Error: err.Error()}

		if st.ConsecutiveErrors >= breakerThreshold {
			st.Enabled = false
			st.DisabledReason = breakerReason
			s.disarmLocked(id)
			slog.Warn("circuit breaker tripped", "task_id", id, "consecutive_errors", st.ConsecutiveErrors)
		}
	} else {
		st.SuccessCount++
		st.ConsecutiveErrors = 0
		st.LastError = ""
		st.LastResult = result.Stats
		entry.Success = true
		entry.Stats = result.Stats
	}

	st.History = append([]HistoryEntry{entry}, st.History...)
	if len(st.History) > historyLimit {
		st.History = st.History[:historyLimit]
	}

	s.persistLocked()
	return result
}

// runHandler converts a handler panic into an error so one bad task never
// takes the kernel down.
func runHandler(ctx context.Context, h Handler, tc *Context) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	result, err = h(ctx, tc)
	if err == nil && !result.Success && result.Error != "" {
		err = errors.New(result.Error)
	}
	return result, err
}

// rollBudgetLocked resets the daily counter when the date rolls over.
// Callers must hold s.mu.
func (s *Scheduler) rollBudgetLocked(st *TaskState) {
	today := time.Now().Format("2006-01-02")
	if st.LLMCallsDate != today {
		st.LLMCallsDate = today
		st.LLMCallsToday = 0
	}
}

func (s *Scheduler) budgetOKLocked(st *TaskState) bool {
	s.rollBudgetLocked(st)
	return st.LLMCallsToday < s.cfg.DailyBudget
}

// CheckBudget reports the LLM calls remaining today for a task.
func (s *Scheduler) CheckBudget(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return 0, ErrUnknownTask
	}
	s.rollBudgetLocked(st)
	remaining := s.cfg.DailyBudget - st.LLMCallsToday
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RecordActivity bumps the last-user-activity timestamp. Every API hit
// calls this before dispatch.
func (s *Scheduler) RecordActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Pause stops further timer fires. A handler already running completes.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.persistLocked()
	s.mu.Unlock()
	slog.Info("scheduler paused")
}

// Resume re-allows timer fires.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.persistLocked()
	s.mu.Unlock()
	slog.Info("scheduler resumed")
}

// Paused reports the global pause flag.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// ResetCircuitBreaker clears a task's consecutive errors and disabled
// reason. The task stays disabled until re-enabled.
func (s *Scheduler) ResetCircuitBreaker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return ErrUnknownTask
	}
	st.ConsecutiveErrors = 0
	st.DisabledReason = ""
	s.persistLocked()
	slog.Info("circuit breaker reset", "task_id", id)
	return nil
}

// GetAll returns every registered task with its state.
func (s *Scheduler) GetAll() []TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskView, 0, len(s.defs))
	for id, def := range s.defs {
		out = append(out, TaskView{
			ID:          id,
			Name:        def.Name,
			Description: def.Description,
			Category:    def.Category,
			RequiresLLM: def.RequiresLLM,
			State:       *s.states[id],
		})
	}
	return out
}

// Get returns one task's view.
func (s *Scheduler) Get(id string) (TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[id]
	if !ok {
		return TaskView{}, ErrUnknownTask
	}
	return TaskView{
		ID:          id,
		Name:        def.Name,
		Description: def.Description,
		Category:    def.Category,
		RequiresLLM: def.RequiresLLM,
		State:       *s.states[id],
	}, nil
}

// History returns a task's bounded run history, newest first.
func (s *Scheduler) History(id string) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return nil, ErrUnknownTask
	}
	out := make([]HistoryEntry, len(st.History))
	copy(out, st.History)
	return out, nil
}

// Aggregate rolls all tasks up for the status surface.
func (s *Scheduler) Aggregate() AggregateStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := AggregateStats{Tasks: len(s.states)}
	for _, st := range s.states {
		if st.Enabled {
			agg.Enabled++
		}
		agg.TotalRuns += st.RunCount
		agg.TotalSuccess += st.SuccessCount
		agg.TotalErrors += st.ErrorCount
		if st.DisabledReason == breakerReason {
			agg.TrippedTasks++
		}
		agg.LLMCallsToday += st.LLMCallsToday
	}
	return agg
}

// Close stops all timers and persists. It does not wait for a handler
// already running; that run still records its outcome and persists it when
// it returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id := range s.timers {
		s.disarmLocked(id)
	}
	s.persistLocked()
}
