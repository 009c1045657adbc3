// Package housekeeping runs the periodic background work of the server:
// expiring tokens and verification codes, reconciling pending orders with
// the payment gateway and backing up the order/license ledger.
package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run; zero means Interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Manager runs each task on its own ticker until Stop.
type Manager struct {
	tasks   []Task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewManager(tasks ...Task) *Manager {
	return &Manager{tasks: tasks}
}

// Add registers a task. Tasks added while running start with the next Start.
func (m *Manager) Add(t Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, t)
}

// Start launches a worker per task.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	log.Infof("[Housekeeping] Starting %d background tasks", len(m.tasks))

	for _, t := range m.tasks {
		if t.Interval <= 0 || t.Run == nil {
			log.Warnf("[Housekeeping] Skipping task %q without interval", t.Name)
			continue
		}
		m.wg.Add(1)
		go m.worker(ctx, t)
	}
}

// Stop cancels all workers and waits for running tasks to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Housekeeping] Stopping background tasks...")
	m.cancel()
	m.wg.Wait()
	m.running = false
	log.Info("[Housekeeping] Stopped successfully")
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) worker(ctx context.Context, t Task) {
	defer m.wg.Done()
	log.Infof("[Housekeeping] Started %s worker (interval: %s)", t.Name, t.Interval)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("[Housekeeping] %s worker stopping", t.Name)
			return
		case <-ticker.C:
			if err := runTask(ctx, t); err != nil {
				log.Errorf("[Housekeeping] %s: %v", t.Name, err)
			}
		}
	}
}

// RunOnce runs the named task immediately, for admin triggers and tests.
func (m *Manager) RunOnce(ctx context.Context, name string) error {
	m.mu.Lock()
	var task *Task
	for i := range m.tasks {
		if m.tasks[i].Name == name {
			task = &m.tasks[i]
			break
		}
	}
	m.mu.Unlock()

	if task == nil {
		return fmt.Errorf("unknown housekeeping task %q", name)
	}
	return runTask(ctx, *task)
}

func runTask(ctx context.Context, t Task) (err error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = t.Interval
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(tctx)
}
