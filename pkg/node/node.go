// Package node implements the Node Controller (component C6): it
// spawns the worker pool as independent OS processes, publishes
// node-wide telemetry, and forwards reload/shutdown signals.
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/ccnode/pkg/jobdb"
	"github.com/cuemby/ccnode/pkg/log"
	"github.com/cuemby/ccnode/pkg/registry"
	"github.com/cuemby/ccnode/pkg/telemetry"
	"github.com/cuemby/ccnode/pkg/types"
	"github.com/rs/zerolog"
)

const shutdownJoinCap = 3 * time.Second

// Config configures the node controller's startup (spec §6's CLI
// surface, already parsed by the caller).
type Config struct {
	Name            string
	NumWorkers      int
	NumAdminWorkers int
	CPUOverride     int
	ModulePaths     []string
	ModuleFilter    []string // nil, empty, or ["any"] disables filtering
	InstallRoot     string   // CC_DIR
	DataDir         string   // where the job store file lives
	SampleRate      time.Duration
	WorkerBinary    string // path to this same executable, for re-exec
	MetricsAddr     string // empty disables the /metrics and /healthz server
}

func (c Config) socketPath() string {
	return filepath.Join(c.DataDir, "ccnode-jobdb.sock")
}

// Controller owns the worker pool, the job store, and the telemetry
// collector. One Controller per node process.
type Controller struct {
	cfg       Config
	supported []string
	telemetry *telemetry.Collector
	log       zerolog.Logger

	jobdb    *jobdb.BoltClient
	jobdbSrv *jobdb.Server

	mu    sync.Mutex
	procs []*workerProc
}

type workerProc struct {
	cmd   *exec.Cmd
	typ   types.WorkerType
	index int
	done  chan struct{} // closed once cmd.Wait() returns, exactly once
}

// New builds a Controller. It does not spawn anything yet.
func New(cfg Config) *Controller {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 5 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		telemetry: telemetry.NewCollector(cfg.SampleRate, cfg.CPUOverride),
		log:       log.WithComponent("node"),
	}
}

// Discover runs the Handler Registry (C1) against the configured
// search paths and filter, short-circuiting when the filter is the
// literal "any" (spec §4.5 step 2).
func (c *Controller) Discover() ([]string, error) {
	if anyModule(c.cfg.ModuleFilter) {
		c.supported = nil
		return nil, nil
	}
	reg := registry.New()
	filter := filterSet(c.cfg.ModuleFilter)
	found := reg.Discover(searchPaths(c.cfg.InstallRoot, c.cfg.ModulePaths), filter)
	c.supported = found
	return found, nil
}

func anyModule(filter []string) bool {
	for _, m := range filter {
		if m == "any" {
			return true
		}
	}
	return false
}

func filterSet(modules []string) map[string]struct{} {
	if len(modules) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		set[m] = struct{}{}
	}
	return set
}

func searchPaths(installRoot string, extra []string) []string {
	paths := []string{"./modules", "./Modules"}
	if installRoot != "" {
		paths = append(paths, installRoot)
	}
	return append(paths, extra...)
}

// Run opens the job store, spawns the worker pool, and blocks,
// publishing telemetry and forwarding signals, until ctx is cancelled
// or a termination signal triggers shutdown. The job store is opened
// and serving before any worker is spawned: bbolt holds an exclusive
// file lock on open, so this process is the only one ever allowed to
// touch the file directly, and every worker must be able to reach the
// socket from its first allocate call onward.
func (c *Controller) Run(ctx context.Context) error {
	if _, err := c.Discover(); err != nil {
		return fmt.Errorf("handler discovery: %w", err)
	}

	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := jobdb.NewBoltClient(c.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	c.jobdb = store
	defer store.Close()

	srv, err := jobdb.NewServer(store, c.cfg.socketPath())
	if err != nil {
		return fmt.Errorf("serve job store: %w", err)
	}
	c.jobdbSrv = srv
	go func() {
		if err := srv.Serve(); err != nil {
			c.log.Warn().Err(err).Msg("job store server stopped")
		}
	}()
	defer srv.Close()

	if err := c.spawnPool(); err != nil {
		return fmt.Errorf("spawn worker pool: %w", err)
	}

	c.telemetry.Start()
	defer c.telemetry.Stop()

	if c.cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: c.cfg.MetricsAddr, Handler: telemetry.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		defer metricsSrv.Close()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	reg := registry.New()
	if err := reg.WatchReload(watchCtx, searchPaths(c.cfg.InstallRoot, c.cfg.ModulePaths), c.reload); err != nil {
		c.log.Warn().Err(err).Msg("handler path watch unavailable, relying on reload signal only")
	}

	c.log.Info().
		Int("normal_workers", c.cfg.NumWorkers).
		Int("admin_workers", c.cfg.NumAdminWorkers).
		Strs("supported", c.supported).
		Msg("node controller started")

	exited := make(chan *workerProc, len(c.procs))
	for _, p := range c.procs {
		go func(p *workerProc) {
			_ = p.cmd.Wait()
			close(p.done)
			exited <- p
		}(p)
	}

	sigCh := make(chan os.Signal, 2)
	notifySignals(sigCh)

	interrupts := 0
	var gracefulDone chan struct{} // nil until the first interrupt
	for {
		select {
		case <-ctx.Done():
			c.shutdown(false)
			return nil

		case <-gracefulDone:
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				c.reload()
			default:
				interrupts++
				if interrupts == 1 {
					c.log.Info().Msg("interrupt received, shutting down gracefully")
					gracefulDone = make(chan struct{})
					go func(done chan struct{}) {
						c.shutdown(false)
						close(done)
					}(gracefulDone)
					continue
				}
				c.log.Warn().Msg("second interrupt received, aborting hard")
				c.shutdown(true)
				return nil
			}

		case p := <-exited:
			c.log.Warn().Str("type", string(p.typ)).Int("index", p.index).Msg("worker process exited")
		}
	}
}

func (c *Controller) spawnPool() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < c.cfg.NumWorkers; i++ {
		p, err := c.spawnOne(types.WorkerTypeNormal, i)
		if err != nil {
			return err
		}
		c.procs = append(c.procs, p)
	}
	for i := 0; i < c.cfg.NumAdminWorkers; i++ {
		p, err := c.spawnOne(types.WorkerTypeAdmin, i)
		if err != nil {
			return err
		}
		c.procs = append(c.procs, p)
	}
	return nil
}

func (c *Controller) spawnOne(typ types.WorkerType, index int) (*workerProc, error) {
	args := []string{
		"worker-run",
		"--type", string(typ),
		"--index", strconv.Itoa(index),
		"--name", c.cfg.Name,
		"--module-paths", strings.Join(c.cfg.ModulePaths, ","),
		"--cc-dir", c.cfg.InstallRoot,
		"--job-socket", c.cfg.socketPath(),
	}
	if len(c.supported) > 0 {
		args = append(args, "--modules", strings.Join(c.supported, ","))
	}

	cmd := exec.Command(c.cfg.WorkerBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s worker %d: %w", typ, index, err)
	}
	return &workerProc{cmd: cmd, typ: typ, index: index, done: make(chan struct{})}, nil
}

// reload re-runs discovery and forwards SIGHUP to every worker
// process; each worker's own signal handler re-invokes C1 and swaps
// in the new supported set between jobs (spec §4.5's reload contract).
func (c *Controller) reload() {
	found, err := c.Discover()
	if err != nil {
		c.log.Warn().Err(err).Msg("reload discovery failed, keeping previous supported set")
		return
	}
	c.log.Info().Strs("supported", found).Msg("reload: forwarding to workers")

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.procs {
		if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil {
			c.log.Warn().Err(err).Int("pid", p.cmd.Process.Pid).Msg("failed to forward reload signal")
		}
	}
}

// shutdown signals every worker process and waits up to
// shutdownJoinCap per worker (spec §8's supervisor-liveness
// invariant); hard forces a SIGKILL immediately instead.
func (c *Controller) shutdown(hard bool) {
	c.mu.Lock()
	procs := append([]*workerProc(nil), c.procs...)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *workerProc) {
			defer wg.Done()
			if hard {
				_ = p.cmd.Process.Kill()
				<-p.done
				return
			}
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-p.done:
			case <-time.After(shutdownJoinCap):
				_ = p.cmd.Process.Kill()
				<-p.done
			}
		}(p)
	}
	wg.Wait()
	c.log.Info().Msg("all workers stopped")
}
