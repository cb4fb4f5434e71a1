package controller

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ytakagi/factory/internal/lock"
	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/model"
)

// Daemon keeps a controller draining the queue: filesystem events on the
// queue and state directories wake it, a ticker backstops missed events,
// and a file lock guarantees a single instance per factory directory.
type Daemon struct {
	factoryDir string
	cfg        model.Config
	controller *Controller
	logger     *logging.Logger

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker
	kick     chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

func NewDaemon(factoryDir string, cfg model.Config, controller *Controller, logger *logging.Logger) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := cfg.Daemon.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}

	return &Daemon{
		factoryDir: factoryDir,
		cfg:        cfg,
		controller: controller,
		logger:     logger,
		fileLock:   lock.NewFileLock(filepath.Join(factoryDir, "locks", "daemon.lock")),
		ticker:     time.NewTicker(time.Duration(scanInterval) * time.Second),
		kick:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.factoryDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d", os.Getpid())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	// Queue writes wake the drain; state/ covers pause flag changes so a
	// resume is picked up without waiting for the ticker
	queueDir := filepath.Join(d.factoryDir, "queue")
	stateDir := filepath.Join(d.factoryDir, "state")
	for _, dir := range []string{queueDir, stateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	d.wg.Add(3)
	go d.fsnotifyLoop()
	go d.tickerLoop()
	go d.drainLoop()

	// Initial drain without waiting for an event
	d.wake()
	d.logger.Infof("daemon ready")

	d.waitSignals()
	return nil
}

func (d *Daemon) wake() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				d.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				d.wake()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.logger.Debugf("periodic drain triggered")
			d.wake()
		}
	}
}

// drainLoop serializes controller runs: one drain at a time, debounced so a
// burst of queue writes coalesces into a single pass.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	debounce := time.Duration(d.cfg.Daemon.DebounceSec * float64(time.Second))
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.kick:
		}

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(debounce):
		}

		result := d.controller.Run(d.ctx, false)
		switch result.StopReason {
		case StopInfraError:
			d.logger.Errorf("drain aborted: %v", result.Err)
		case StopPaused:
			d.logger.Infof("drain paused after %d iteration(s)", result.Iterations)
		default:
			d.logger.Debugf("drain finished reason=%s iterations=%d", result.StopReason, result.Iterations)
		}
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit
	go func() {
		<-sigCh
		d.logger.Warnf("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}

		timeout := d.cfg.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.logger.Infof("all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.logger.Warnf("shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.logger.Infof("daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	d.fileLock.Unlock()
}
