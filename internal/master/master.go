// Package master supervises the proxy process and every worker process: it
// spawns them, respawns them on unexpected exit, and drives the hot-reload
// handshake that swaps in a freshly spawned shadow worker pool.
package master

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sadewadee/dispatchd/internal/config"
	"github.com/sadewadee/dispatchd/internal/ipc"
	"github.com/sadewadee/dispatchd/internal/process"
	"github.com/sadewadee/dispatchd/internal/protocol"
)

type reloadState int

const (
	reloadStopped reloadState = iota
	reloadPreparing
	reloadWorkersDone
)

// workerSlot tracks one supervised worker process by its group.
type workerSlot struct {
	groupID int
	child   *process.Child
}

// Master is the top-level supervisor process.
type Master struct {
	Config     *config.Config
	ConfigPath string
	Log        *slog.Logger

	mu            sync.Mutex
	enabled       bool
	proxy         *process.Child
	workers       []*workerSlot
	shadowWorkers []*workerSlot
	state         reloadState

	controlConn net.Conn
	watcher     *configWatcher
}

func New(cfg *config.Config, configPath string, log *slog.Logger) *Master {
	return &Master{Config: cfg, ConfigPath: configPath, Log: log, enabled: true}
}

// Run spawns the proxy and worker pool, then blocks monitoring them until
// Stop is called (directly or via a signal handled by the caller).
func (m *Master) Run() error {
	proxy, err := m.spawnProxy()
	if err != nil {
		return fmt.Errorf("master: spawn proxy: %w", err)
	}
	m.proxy = proxy

	if !m.waitForProxy() {
		return fmt.Errorf("master: proxy never became reachable")
	}

	m.mu.Lock()
	m.workers = m.spawnWorkers()
	m.mu.Unlock()

	go m.runControlConnection()

	if m.Config.Watch.Enabled && m.ConfigPath != "" {
		m.watcher = newConfigWatcher(m.ConfigPath, m.Config.Watch.Interval.Duration(), m.Log, func() { m.Reload() })
		m.watcher.start()
		defer m.watcher.stop()
	}

	m.monitorLoop()
	return nil
}

func (m *Master) spawnProxy() (*process.Child, error) {
	envEntry, err := process.EncodeRoleEnv(m.Config.ChildProcessEnvKey, process.Role{Type: protocol.ProcTypeProxy})
	if err != nil {
		return nil, err
	}
	return process.Spawn(m.Log.With("role", "proxy"), envEntry)
}

func (m *Master) spawnWorkers() []*workerSlot {
	var slots []*workerSlot
	for groupID, group := range m.Config.Groups {
		for i := 0; i < group.Count; i++ {
			slot, err := m.spawnWorker(groupID)
			if err != nil {
				m.Log.Error("master: spawn worker failed", "group", groupID, "err", err)
				continue
			}
			slots = append(slots, slot)
		}
	}
	return slots
}

func (m *Master) spawnWorker(groupID int) (*workerSlot, error) {
	envEntry, err := process.EncodeRoleEnv(m.Config.ChildProcessEnvKey, process.Role{Type: protocol.ProcTypeWorker, GroupID: groupID})
	if err != nil {
		return nil, err
	}
	child, err := process.Spawn(m.Log.With("role", "worker", "group", groupID), envEntry)
	if err != nil {
		return nil, err
	}
	return &workerSlot{groupID: groupID, child: child}, nil
}

// waitForProxy retries a connection to the proxy's master socket until it
// succeeds, so worker processes never race the proxy's listener startup.
func (m *Master) waitForProxy() bool {
	addr := ipc.MasterAddress(m.Config)
	for m.isEnabled() {
		conn, err := net.Dial("unix", addr)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func (m *Master) isEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// runControlConnection keeps a persistent connection to the proxy's master
// socket open, processing box commands the proxy forwards from admin
// clients (group resize, reload, stop) and the "shadow pool ready" signal.
func (m *Master) runControlConnection() {
	addr := ipc.MasterAddress(m.Config)
	for m.isEnabled() {
		conn, err := net.Dial("unix", addr)
		if err != nil {
			m.Log.Error("master: connect to proxy control socket failed", "err", err)
			time.Sleep(time.Second)
			continue
		}

		m.mu.Lock()
		m.controlConn = conn
		m.mu.Unlock()

		for {
			box, err := protocol.ReadBox(conn)
			if err != nil {
				break
			}
			m.handleControlBox(box)
		}
		conn.Close()
	}
}

func (m *Master) handleControlBox(box *protocol.Box) {
	switch box.Cmd {
	case protocol.CmdAdminChange:
		payload, err := protocol.DecodeAdminRequest(box.Body)
		if err != nil {
			m.Log.Error("master: decode admin change failed", "err", err)
			return
		}
		var change protocol.AdminChangePayload
		if err := json.Unmarshal(payload.Payload, &change); err != nil {
			m.Log.Error("master: decode change payload failed", "err", err)
			return
		}
		m.ChangeGroupConfig(change.GroupID, change.Count)
		m.Reload()
	case protocol.CmdAdminReload:
		m.Reload()
	case protocol.CmdAdminStop:
		m.Stop(syscall.SIGTERM)
	case protocol.CmdMasterReplaceWorkers:
		m.mu.Lock()
		m.state = reloadWorkersDone
		m.mu.Unlock()
	}
}

// ChangeGroupConfig updates the desired worker count for groupID. It takes
// effect the next time a reload swaps in a new shadow pool.
func (m *Master) ChangeGroupConfig(groupID, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.Config.Groups[groupID]
	g.Count = count
	m.Config.Groups[groupID] = g
}

// Reload arms a hot-reload cycle: it tells the proxy to start tracking a
// shadow pool (via SIGHUP) and spawns the replacement workers. It is a
// no-op if a reload is already in flight.
func (m *Master) Reload() bool {
	m.mu.Lock()
	if m.state != reloadStopped {
		m.mu.Unlock()
		return false
	}
	m.state = reloadPreparing
	proxy := m.proxy
	m.mu.Unlock()

	if proxy != nil {
		if err := proxy.Signal(syscall.SIGHUP); err != nil {
			m.Log.Error("master: signal proxy for reload failed", "err", err)
		}
	}

	shadow := m.spawnWorkers()
	m.mu.Lock()
	m.shadowWorkers = shadow
	m.mu.Unlock()
	return true
}

// Stop signals the proxy and every worker with sig, arming the forced-kill
// timer from the configured stop timeout. Calls after the first are no-ops.
func (m *Master) Stop(sig syscall.Signal) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = false
	children := make([]*process.Child, 0, len(m.workers)+1)
	if m.proxy != nil {
		children = append(children, m.proxy)
	}
	for _, w := range m.workers {
		children = append(children, w.child)
	}
	m.mu.Unlock()

	for _, c := range children {
		if err := c.Signal(sig); err != nil {
			m.Log.Error("master: signal child failed", "pid", c.PID(), "err", err)
		}
	}

	if stop := m.Config.Timeout.Stop.Duration(); stop > 0 {
		for _, c := range children {
			c.KillAfter(stop)
		}
	}
}

// monitorLoop respawns the proxy and workers on unexpected exit, and
// performs the worker-pool swap once a reload's shadow pool is ready.
func (m *Master) monitorLoop() {
	for {
		m.mu.Lock()
		enabled := m.enabled
		reloading := m.state != reloadStopped
		m.mu.Unlock()

		if !enabled {
			return
		}

		if m.proxy != nil && !m.proxy.Alive() && enabled {
			if proxy, err := m.spawnProxy(); err == nil {
				m.mu.Lock()
				m.proxy = proxy
				m.mu.Unlock()
			}
		}

		if !reloading {
			m.mu.Lock()
			for i, slot := range m.workers {
				if slot.child != nil && !slot.child.Alive() {
					if fresh, err := m.spawnWorker(slot.groupID); err == nil {
						m.workers[i] = fresh
					}
				}
			}
			m.mu.Unlock()
		}

		m.mu.Lock()
		if m.state == reloadWorkersDone {
			for _, slot := range m.workers {
				slot.child.Signal(syscall.SIGTERM)
			}
			m.workers = m.shadowWorkers
			m.shadowWorkers = nil
			m.state = reloadStopped
		}
		m.mu.Unlock()

		time.Sleep(100 * time.Millisecond)
	}
}
