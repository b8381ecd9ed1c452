package engine_test

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/engine"
	"taskpanel/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner emits output for a command and optionally blocks until released.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	output   map[string]string
	exitCode map[string]int
	gate     chan struct{}
	delay    time.Duration

	active atomic.Int32
	peak   atomic.Int32
	pid    atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{output: map[string]string{}, exitCode: map[string]int{}}
}

func (r *fakeRunner) Run(ctx context.Context, command string, cb core.Callbacks) *core.Process {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	out, code, gate := r.output[command], r.exitCode[command], r.gate
	r.mu.Unlock()

	n := r.active.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer r.active.Add(-1)

	start := time.Now()
	proc := &core.Process{PID: int(r.pid.Add(1)) + 1000, ExitCode: -1}
	if cb.OnBefore != nil {
		_ = cb.OnBefore(ctx, start)
	}
	if cb.OnStart != nil {
		cb.OnStart(ctx, proc, start)
	}
	if out != "" && cb.OnLog != nil {
		cb.OnLog(ctx, out)
	}
	if gate != nil {
		<-gate
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	proc.ExitCode = code
	if cb.OnEnd != nil {
		cb.OnEnd(ctx, proc, time.Now(), 0)
	}
	return proc
}

func (r *fakeRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.commands)
}

type fakeKiller struct {
	mu       sync.Mutex
	patterns []string
	report   core.KillReport
}

func (k *fakeKiller) KillByPattern(_ context.Context, pattern string) core.KillReport {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.patterns = append(k.patterns, pattern)
	r := k.report
	r.Pattern = pattern
	return r
}

// fakeTriggers records registrations; runImmediately fires synchronously like the real scheduler.
type fakeTriggers struct {
	mu    sync.Mutex
	fires map[string]func()
	specs map[string]string
}

func newFakeTriggers() *fakeTriggers {
	return &fakeTriggers{fires: map[string]func(){}, specs: map[string]string{}}
}

func (f *fakeTriggers) RegisterCron(id, expr string, fire func(), runImmediately bool) error {
	if _, err := core.ParseCron(expr); err != nil {
		return err
	}
	f.mu.Lock()
	f.fires[id] = fire
	f.specs[id] = expr
	f.mu.Unlock()
	if runImmediately {
		fire()
	}
	return nil
}

func (f *fakeTriggers) RegisterInterval(id string, interval core.IntervalSchedule, fire func(), runImmediately bool) error {
	d, err := interval.Duration()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.fires[id] = fire
	f.specs[id] = "every " + d.String()
	f.mu.Unlock()
	if runImmediately {
		fire()
	}
	return nil
}

func (f *fakeTriggers) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fires, id)
	delete(f.specs, id)
}

func (f *fakeTriggers) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.fires[id]
	return ok
}

func (f *fakeTriggers) Fire(t *testing.T, id string) {
	t.Helper()
	f.mu.Lock()
	fire, ok := f.fires[id]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no trigger registered for %s", id)
	}
	fire()
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// memStore is an in-memory implementation of the engine's store interfaces.
type memStore struct {
	mu       sync.Mutex
	tasks    map[string]*core.Task
	subs     map[string]*core.Subscription
	deps     map[string]*core.Dependency
	depOrder []string
	history  map[string][]core.TaskStatus
}

func newMemStore() *memStore {
	return &memStore{
		tasks:   map[string]*core.Task{},
		subs:    map[string]*core.Subscription{},
		deps:    map[string]*core.Dependency{},
		history: map[string][]core.TaskStatus{},
	}
}

func (s *memStore) putTask(t *core.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = core.TaskStatusIdle
	}
	s.tasks[t.ID] = t
}

func (s *memStore) task(id string) core.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

func (s *memStore) statuses(id string) []core.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id])
}

func (s *memStore) GetTask(_ context.Context, id string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errNotFound
	}
	c := *t
	return &c, nil
}

func (s *memStore) GetTasks(ctx context.Context, ids []string) ([]*core.Task, error) {
	var out []*core.Task
	for _, id := range ids {
		if t, err := s.GetTask(ctx, id); err == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) ListTasks(ctx context.Context, _ string) ([]*core.Task, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	return s.GetTasks(ctx, ids)
}

func (s *memStore) MarkTasksQueued(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok && t.Status != core.TaskStatusRunning {
			t.Status = core.TaskStatusQueued
		}
	}
	return nil
}

func (s *memStore) UpdateTaskStatus(_ context.Context, id string, u core.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errNotFound
	}
	t.Status = u.Status
	t.PID = u.PID
	if u.LogPath != nil {
		t.LogPath = u.LogPath
	}
	if u.LastExecutionTime != nil {
		t.LastExecutionTime = *u.LastExecutionTime
	}
	if u.LastRunDurationSeconds != nil {
		t.LastRunDurationSeconds = *u.LastRunDurationSeconds
	}
	s.history[id] = append(s.history[id], u.Status)
	return nil
}

func (s *memStore) SetTasksDisabled(_ context.Context, ids []string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			t.IsDisabled = disabled
		}
	}
	return nil
}

func (s *memStore) ResetStaleTasks(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.Status == core.TaskStatusRunning || t.Status == core.TaskStatusQueued {
			t.Status = core.TaskStatusIdle
			t.PID = nil
			n++
		}
	}
	return n, nil
}

func (s *memStore) putSub(sub *core.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.Status == "" {
		sub.Status = core.TaskStatusIdle
	}
	s.subs[sub.ID] = sub
}

func (s *memStore) sub(id string) core.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.subs[id]
}

func (s *memStore) GetSubscription(_ context.Context, id string) (*core.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, errNotFound
	}
	c := *sub
	return &c, nil
}

func (s *memStore) GetSubscriptions(ctx context.Context, ids []string) ([]*core.Subscription, error) {
	var out []*core.Subscription
	for _, id := range ids {
		if sub, err := s.GetSubscription(ctx, id); err == nil {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *memStore) ListSubscriptions(ctx context.Context, _ string) ([]*core.Subscription, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	return s.GetSubscriptions(ctx, ids)
}

func (s *memStore) MarkSubscriptionsQueued(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if sub, ok := s.subs[id]; ok && sub.Status != core.TaskStatusRunning {
			sub.Status = core.TaskStatusQueued
		}
	}
	return nil
}

func (s *memStore) UpdateSubscriptionStatus(_ context.Context, id string, u core.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return errNotFound
	}
	sub.Status = u.Status
	sub.PID = u.PID
	if u.LogPath != nil {
		sub.LogPath = u.LogPath
	}
	if u.LastExecutionTime != nil {
		sub.LastExecutionTime = *u.LastExecutionTime
	}
	s.history[id] = append(s.history[id], u.Status)
	return nil
}

func (s *memStore) SetSubscriptionsDisabled(_ context.Context, ids []string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if sub, ok := s.subs[id]; ok {
			sub.IsDisabled = disabled
		}
	}
	return nil
}

func (s *memStore) ResetStaleSubscriptions(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sub := range s.subs {
		if sub.Status == core.TaskStatusRunning || sub.Status == core.TaskStatusQueued {
			sub.Status = core.TaskStatusIdle
			sub.PID = nil
			n++
		}
	}
	return n, nil
}

func (s *memStore) putDep(dep *core.Dependency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[dep.ID] = dep
	s.depOrder = append(s.depOrder, dep.ID)
}

func (s *memStore) dep(id string) (core.Dependency, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deps[id]
	if !ok {
		return core.Dependency{}, false
	}
	return *d, true
}

func (s *memStore) GetDependencies(_ context.Context, ids []string) ([]*core.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Dependency
	for _, id := range s.depOrder {
		if d, ok := s.deps[id]; ok && slices.Contains(ids, id) {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) UpdateDependencyStatus(_ context.Context, ids []string, status core.DependencyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if d, ok := s.deps[id]; ok {
			d.Status = status
		}
	}
	return nil
}

func (s *memStore) AppendDependencyLog(_ context.Context, ids []string, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if d, ok := s.deps[id]; ok {
			d.Log = append(d.Log, chunk)
		}
	}
	return nil
}

func (s *memStore) ResetDependencies(_ context.Context, ids []string, status core.DependencyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if d, ok := s.deps[id]; ok {
			d.Status = status
			d.Log = nil
		}
	}
	return nil
}

func (s *memStore) DeleteDependencies(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.deps, id)
	}
	return nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound error = notFoundError{}

// harness wires the coordinators over fakes.
type harness struct {
	store     *memStore
	runner    *fakeRunner
	killer    *fakeKiller
	triggers  *fakeTriggers
	publisher *fakePublisher
	rt        *engine.Runtime
	logDir    string
	killed    []int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(),
		runner:    newFakeRunner(),
		killer:    &fakeKiller{},
		triggers:  newFakeTriggers(),
		publisher: &fakePublisher{},
		logDir:    t.TempDir(),
	}
	h.rt = &engine.Runtime{
		Runner:    h.runner,
		Killer:    h.killer,
		Triggers:  h.triggers,
		Publisher: h.publisher,
		Logs:      engine.NewLogFiles(h.logDir),
		Logger:    discardLogger(),
		KillGroup: func(pid int) error {
			h.killed = append(h.killed, pid)
			return errNotFound
		},
	}
	return h
}
