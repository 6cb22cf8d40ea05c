// Package supervisor runs named concurrent tasks and waits for them on shutdown.
//
// Shutdown has no timeout by contract: it cancels task context and blocks until
// every task returned, reporting names still running every WaitInterval.
// Every task must have a reachable exit on context cancel or its own input close.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/mavbridge/log2"
)

const DefaultWaitInterval = 2 * time.Second

type Task func(ctx context.Context)

type handle struct {
	done chan struct{}
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type Supervisor struct {
	WaitInterval time.Duration

	alive  *alive.Alive
	ctx    context.Context
	cancel context.CancelFunc
	log    *log2.Log
	mu     sync.Mutex
	tasks  map[string]*handle
}

func New(ctx context.Context, log *log2.Log) *Supervisor {
	self := &Supervisor{
		WaitInterval: DefaultWaitInterval,
		alive:        alive.NewAlive(),
		log:          log,
		tasks:        make(map[string]*handle),
	}
	self.ctx, self.cancel = context.WithCancel(ctx)
	return self
}

// Context is cancelled by Stop/Shutdown.
func (self *Supervisor) Context() context.Context { return self.ctx }

// Spawn starts task concurrently and tracks it under name.
// Same name replaces registry entry, previous task keeps running untracked
// by ListRunning, but Shutdown still waits for it.
// Returns false after Stop.
func (self *Supervisor) Spawn(name string, task Task) bool {
	if !self.alive.Add(1) {
		self.log.Errorf("supervisor: spawn task=%s after stop", name)
		return false
	}
	h := &handle{done: make(chan struct{})}
	self.mu.Lock()
	if prev, ok := self.tasks[name]; ok && !prev.finished() {
		self.log.Debugf("supervisor: task=%s replaced, previous still running", name)
	}
	self.tasks[name] = h
	self.mu.Unlock()

	self.log.Debugf("supervisor: spawn task=%s", name)
	go func() {
		defer self.alive.Done()
		defer close(h.done)
		task(self.ctx)
		self.log.Debugf("supervisor: task=%s finished", name)
	}()
	return true
}

// ListRunning prunes finished tasks, returns sorted names still running.
func (self *Supervisor) ListRunning() []string {
	names, _ := self.prune()
	return names
}

func (self *Supervisor) prune() ([]string, *handle) {
	self.mu.Lock()
	defer self.mu.Unlock()
	var any *handle
	names := make([]string, 0, len(self.tasks))
	for name, h := range self.tasks {
		if h.finished() {
			delete(self.tasks, name)
			continue
		}
		names = append(names, name)
		any = h
	}
	sort.Strings(names)
	return names, any
}

// Stop cancels task context and rejects new tasks. Does not wait.
func (self *Supervisor) Stop() {
	self.alive.Stop()
	self.cancel()
}

// Wait blocks until every tracked task returned, does not stop them.
func (self *Supervisor) Wait() {
	self.waitLoop(nil)
}

// Shutdown stops and waits for all tasks, no timeout.
func (self *Supervisor) Shutdown() {
	self.Stop()
	self.waitLoop(nil)
	self.alive.Wait()
}

// ShutdownTimeout is Shutdown bounded by d. False means tasks are still running.
func (self *Supervisor) ShutdownTimeout(d time.Duration) bool {
	self.Stop()
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	if !self.waitLoop(deadline.C) {
		return false
	}
	select {
	case <-self.alive.WaitChan():
		return true
	case <-deadline.C:
		return false
	}
}

func (self *Supervisor) waitLoop(deadline <-chan time.Time) bool {
	report := true
	for {
		names, h := self.prune()
		if len(names) == 0 {
			return true
		}
		if report {
			self.log.Infof("waiting for tasks to finish: %v", names)
		}
		t := time.NewTimer(self.WaitInterval)
		select {
		case <-h.done:
			report = false
		case <-t.C:
			report = true
		case <-deadline:
			t.Stop()
			self.log.Errorf("supervisor: tasks still running: %v", names)
			return false
		}
		t.Stop()
	}
}
