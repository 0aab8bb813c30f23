package reporting

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const defaultProgressInterval = 30 * time.Second

// ProgressIndicator receives assembly lifecycle updates for periodic progress output
type ProgressIndicator interface {
	AssemblyStarted(id int, name string)
	AssemblyCompleted(id int)
	Stop()
}

// noOpProgressIndicator provides a no-op implementation of ProgressIndicator
type noOpProgressIndicator struct{}

// NewNoOpProgressIndicator creates a progress indicator that does nothing
func NewNoOpProgressIndicator() ProgressIndicator {
	return &noOpProgressIndicator{}
}

func (n *noOpProgressIndicator) AssemblyStarted(id int, name string) {}
func (n *noOpProgressIndicator) AssemblyCompleted(id int)            {}
func (n *noOpProgressIndicator) Stop()                               {}

// consoleProgressIndicator periodically logs which test applications are still running
type consoleProgressIndicator struct {
	logger   log.Logger
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex

	started   int
	completed int

	// Track currently running assemblies
	running map[int]runningAssembly // handle id -> assembly
}

type runningAssembly struct {
	name  string
	start time.Time
}

// NewConsoleProgressIndicator creates a progress indicator that logs an update every interval
func NewConsoleProgressIndicator(logger log.Logger, updateInterval time.Duration) ProgressIndicator {
	if updateInterval <= 0 {
		updateInterval = defaultProgressInterval
	}

	indicator := &consoleProgressIndicator{
		logger:  logger,
		ticker:  time.NewTicker(updateInterval),
		stopCh:  make(chan struct{}),
		running: make(map[int]runningAssembly),
	}

	// Start the progress reporting goroutine
	go indicator.progressReporter()

	return indicator
}

func (c *consoleProgressIndicator) AssemblyStarted(id int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started++
	c.running[id] = runningAssembly{name: name, start: time.Now()}
	c.logger.Debug("Assembly started", "id", id, "assembly", name, "running", len(c.running))
}

func (c *consoleProgressIndicator) AssemblyCompleted(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := c.running[id].name
	delete(c.running, id)
	c.completed++
	c.logger.Debug("Assembly completed", "id", id, "assembly", name, "completed", c.completed, "running", len(c.running))
}

// progressReporter runs in a goroutine and periodically reports progress
func (c *consoleProgressIndicator) progressReporter() {
	for {
		select {
		case <-c.ticker.C:
			c.reportProgress()
		case <-c.stopCh:
			return
		}
	}
}

func (c *consoleProgressIndicator) reportProgress() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.logger.Info("Progress update",
		"started", c.started,
		"completed", c.completed,
		"numRunning", len(c.running),
		"longestRunning", formatRunning(c.running, 3),
	)
}

// Stop stops the progress indicator
func (c *consoleProgressIndicator) Stop() {
	c.stopOnce.Do(func() {
		c.ticker.Stop()
		close(c.stopCh)
	})
}

// formatRunning lists the longest running entries first, limited to maxShow
func formatRunning(running map[int]runningAssembly, maxShow int) string {
	if len(running) == 0 {
		return ""
	}

	type entry struct {
		name     string
		duration time.Duration
	}

	var entries []entry
	now := time.Now()
	for _, a := range running {
		entries = append(entries, entry{name: a.name, duration: now.Sub(a.start)})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].duration == entries[j].duration {
			return entries[i].name < entries[j].name
		}
		return entries[i].duration > entries[j].duration
	})

	var strs []string
	for i, e := range entries {
		if i >= maxShow {
			break
		}
		strs = append(strs, fmt.Sprintf("%s (%v)", e.name, e.duration.Truncate(time.Second)))
	}

	// Add indicator for additional entries not shown
	if len(entries) > maxShow {
		strs = append(strs, fmt.Sprintf("+%d more", len(entries)-maxShow))
	}

	return strings.Join(strs, ", ")
}
