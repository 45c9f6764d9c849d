// Package dispatchd is the application facade: an embedder builds one App,
// registers a handler per command the way a Burst app registers routes,
// points it at a group router, and calls Run. Run figures out from the
// process environment whether it is the master, the proxy, or a worker and
// drives the right loop.
package dispatchd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sadewadee/dispatchd/internal/config"
	"github.com/sadewadee/dispatchd/internal/handler"
	"github.com/sadewadee/dispatchd/internal/ipc"
	"github.com/sadewadee/dispatchd/internal/master"
	"github.com/sadewadee/dispatchd/internal/process"
	"github.com/sadewadee/dispatchd/internal/protocol"
	"github.com/sadewadee/dispatchd/internal/proxy"
	"github.com/sadewadee/dispatchd/internal/workerside"
)

// GroupRouter maps an inbound client frame to the worker group that should
// serve it.
type GroupRouter func(cmd uint32, body []byte) int

// App wires together a handler registry, a group router, and a config into
// a runnable multi-process dispatcher.
type App struct {
	Config     *config.Config
	ConfigPath string
	Log        *slog.Logger

	registry *handler.Registry
	router   GroupRouter
}

// New builds an App. cfg must already be validated (see config.Load).
// configPath is the file cfg was loaded from; it is only used to support
// the config-file-watch reload trigger and may be left empty.
func New(cfg *config.Config, configPath string, log *slog.Logger) *App {
	return &App{
		Config:     cfg,
		ConfigPath: configPath,
		Log:        log,
		registry:   handler.NewRegistry(),
	}
}

// Handle registers fn as the handler for cmd. It panics if cmd is already
// registered, matching the startup assertion a Burst app makes before
// accepting any connection — better a panic at boot than a silently
// shadowed route.
func (a *App) Handle(cmd uint32, fn handler.Func) {
	a.registry.Register(cmd, fn)
}

// SetGroupRouter installs the function used to pick a worker group for
// each inbound client frame.
func (a *App) SetGroupRouter(router GroupRouter) {
	a.router = router
}

// Run inspects the process environment to decide this process's role and
// blocks running the corresponding loop. The proxy returns once ctx is
// canceled; a worker checks ctx only while dialing and between tasks; the
// master does not watch ctx and returns only after Stop.
func (a *App) Run(ctx context.Context) error {
	role, ok, err := process.ReadRole(a.Config.ChildProcessEnvKey)
	if err != nil {
		return fmt.Errorf("dispatchd: reading role: %w", err)
	}
	if !ok {
		return a.runMaster(ctx)
	}

	switch role.Type {
	case protocol.ProcTypeProxy:
		return a.runProxy(ctx)
	case protocol.ProcTypeWorker:
		return a.runWorker(ctx, role.GroupID)
	default:
		return fmt.Errorf("dispatchd: unknown role type %q", role.Type)
	}
}

func (a *App) runMaster(ctx context.Context) error {
	m := master.New(a.Config, a.ConfigPath, a.Log.With("component", "master"))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGHUP:
				a.Log.Info("master: reload requested")
				m.Reload()
			case syscall.SIGQUIT:
				a.Log.Info("master: forced stop requested", "signal", s)
				m.Stop(syscall.SIGKILL)
			default:
				a.Log.Info("master: stop requested", "signal", s)
				m.Stop(syscall.SIGTERM)
			}
		}
	}()

	return m.Run()
}

func (a *App) runProxy(ctx context.Context) error {
	if a.router == nil {
		return fmt.Errorf("dispatchd: no group router configured")
	}
	p := proxy.New(a.Config, func(box *protocol.Box) int {
		return a.router(box.Cmd, box.Body)
	}, a.Log.With("component", "proxy"))

	ctx, cancel := context.WithCancel(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for s := range sig {
			if s == syscall.SIGHUP {
				a.Log.Info("proxy: reload armed, tracking shadow workers")
				p.StartReload()
				continue
			}
			cancel()
			return
		}
	}()

	err := p.Run(ctx)
	if ctx.Err() != nil && err == ctx.Err() {
		return nil
	}
	return err
}

func (a *App) runWorker(ctx context.Context, groupID int) error {
	addr := ipc.WorkerAddress(a.Config, groupID)

	var conn net.Conn
	var err error
	for {
		conn, err = net.Dial("unix", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	defer conn.Close()

	w := &workerside.Worker{
		Conn:       conn,
		Registry:   a.registry,
		JobTimeout: a.Config.Timeout.Job.Duration(),
		Log:        a.Log.With("component", "worker", "group", groupID),
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-sig
		cancel()
		conn.Close()
	}()

	return w.Serve(ctx)
}
