// Package proxy implements the single-process dispatcher that client
// connections, worker processes, admin commands, and the master's control
// channel all talk to. It owns the dispatch.Dispatcher and is the only
// component that touches sockets directly.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/dispatchd/internal/config"
	"github.com/sadewadee/dispatchd/internal/dispatch"
	"github.com/sadewadee/dispatchd/internal/ipc"
	"github.com/sadewadee/dispatchd/internal/protocol"
	"github.com/sadewadee/dispatchd/internal/reload"
	"github.com/sadewadee/dispatchd/internal/stats"
)

// GroupRouter maps an inbound client frame to the worker group that should
// handle it.
type GroupRouter func(box *protocol.Box) int

// Proxy is the single-process dispatcher described above.
type Proxy struct {
	Config      *config.Config
	GroupRouter GroupRouter
	Log         *slog.Logger

	dispatcherMu sync.RWMutex
	dispatcher   *dispatch.Dispatcher
	shadow       *dispatch.Dispatcher

	reload     *reload.Helper
	counter    stats.Counter
	histograms *stats.GroupHistograms

	clientsMu  sync.Mutex
	clients    map[uint64]net.Conn
	nextClient uint64

	workerIDs atomic.Uint64

	masterMu   sync.Mutex
	masterConn net.Conn
}

func New(cfg *config.Config, router GroupRouter, log *slog.Logger) *Proxy {
	expected := make(map[int]int, len(cfg.Groups))
	for id, g := range cfg.Groups {
		expected[id] = g.Count
	}
	return &Proxy{
		Config:      cfg,
		GroupRouter: router,
		Log:         log,
		dispatcher:  dispatch.New(),
		reload:      reload.New(expected),
		histograms:  stats.NewGroupHistograms(),
		clients:     make(map[uint64]net.Conn),
	}
}

// Run starts every listener and blocks until ctx is canceled or a listener
// fails fatally.
func (p *Proxy) Run(ctx context.Context) error {
	clientLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", p.Config.Client.Host, p.Config.Client.Port))
	if err != nil {
		return fmt.Errorf("proxy: listen client: %w", err)
	}
	defer clientLn.Close()

	adminLn, err := net.Listen("unix", ipc.AdminAddress(p.Config))
	if err != nil {
		return fmt.Errorf("proxy: listen admin: %w", err)
	}
	defer adminLn.Close()

	masterLn, err := net.Listen("unix", ipc.MasterAddress(p.Config))
	if err != nil {
		return fmt.Errorf("proxy: listen master: %w", err)
	}
	defer masterLn.Close()

	workerLns := make(map[int]net.Listener, len(p.Config.Groups))
	for groupID := range p.Config.Groups {
		ln, err := net.Listen("unix", ipc.WorkerAddress(p.Config, groupID))
		if err != nil {
			return fmt.Errorf("proxy: listen worker group %d: %w", groupID, err)
		}
		workerLns[groupID] = ln
		defer ln.Close()
	}

	var wg sync.WaitGroup
	wg.Add(3 + len(workerLns))

	go func() { defer wg.Done(); p.acceptClients(ctx, clientLn) }()
	go func() { defer wg.Done(); p.acceptAdmin(ctx, adminLn) }()
	go func() { defer wg.Done(); p.acceptMaster(ctx, masterLn) }()
	for groupID, ln := range workerLns {
		groupID, ln := groupID, ln
		go func() { defer wg.Done(); p.acceptWorkers(ctx, groupID, ln) }()
	}

	<-ctx.Done()
	clientLn.Close()
	adminLn.Close()
	masterLn.Close()
	for _, ln := range workerLns {
		ln.Close()
	}
	wg.Wait()
	return ctx.Err()
}

// StartReload arms the shadow-worker bookkeeping ahead of a hot reload.
// Workers that dial in while a reload is running are registered against a
// fresh shadow dispatcher instead of the live one, so they never enter the
// idle pool client traffic is drawn from until swapInShadow fires.
func (p *Proxy) StartReload() {
	p.reload.Start()
	p.dispatcherMu.Lock()
	p.shadow = dispatch.New()
	p.dispatcherMu.Unlock()
}

// activeDispatcher returns the dispatcher that currently serves client
// traffic. Reads are locked so they never race a mid-flight swap.
func (p *Proxy) activeDispatcher() *dispatch.Dispatcher {
	p.dispatcherMu.RLock()
	defer p.dispatcherMu.RUnlock()
	return p.dispatcher
}

// dispatcherFor returns the dispatcher a newly connecting worker should
// register with, and whether that is the shadow pool: the shadow pool
// while a reload is in flight, the live pool otherwise. Both are read
// under one lock so the choice can't straddle a concurrent swap.
func (p *Proxy) dispatcherFor() (pool *dispatch.Dispatcher, isShadow bool) {
	p.dispatcherMu.Lock()
	defer p.dispatcherMu.Unlock()
	if p.reload.Running() && p.shadow != nil {
		return p.shadow, true
	}
	return p.dispatcher, false
}

// swapInShadow promotes the shadow dispatcher to live once every group's
// shadow pool has reached its expected worker count, per §4.2/§3: the old
// pool is retired atomically and no request is ever visible to both pools.
// Workers still registered on the retired dispatcher are torn down by the
// master's own SIGTERM pass (internal/master's monitorLoop) once it
// receives CmdMasterReplaceWorkers; their connections then fail their next
// read and unwind through WorkerGone on the now-retired instance, which no
// admin or client call reaches anymore.
func (p *Proxy) swapInShadow() {
	p.dispatcherMu.Lock()
	if p.shadow == nil {
		p.dispatcherMu.Unlock()
		return
	}
	p.dispatcher = p.shadow
	p.shadow = nil
	p.dispatcherMu.Unlock()

	p.reload.Stop()
}

func acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		go handle(conn)
	}
}

func (p *Proxy) acceptClients(ctx context.Context, ln net.Listener) {
	acceptLoop(ctx, ln, p.serveClient)
}

func (p *Proxy) acceptWorkers(ctx context.Context, groupID int, ln net.Listener) {
	acceptLoop(ctx, ln, func(conn net.Conn) { p.serveWorker(groupID, conn) })
}

func (p *Proxy) acceptAdmin(ctx context.Context, ln net.Listener) {
	acceptLoop(ctx, ln, p.serveAdmin)
}

func (p *Proxy) acceptMaster(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.masterMu.Lock()
		p.masterConn = conn
		p.masterMu.Unlock()
		stop := context.AfterFunc(ctx, func() { conn.Close() })

		for {
			box, err := protocol.ReadBox(conn)
			if err != nil {
				break
			}
			p.handleMasterBox(box)
		}
		stop()
		conn.Close()
	}
}

// sendToMaster forwards box to the connected master, if any.
func (p *Proxy) sendToMaster(box *protocol.Box) error {
	p.masterMu.Lock()
	conn := p.masterConn
	p.masterMu.Unlock()
	if conn == nil {
		return errors.New("proxy: no master connection")
	}
	return protocol.WriteBox(conn, box)
}

func (p *Proxy) handleMasterBox(box *protocol.Box) {
	// The master sends no boxes on this connection; reload and stop reach
	// this process as OS signals the master sends directly (see
	// internal/master).
	p.Log.Debug("proxy: box from master", "cmd", box.Cmd)
}

func (p *Proxy) nextClientID() uint64 {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	p.nextClient++
	return p.nextClient
}

func (p *Proxy) registerClient(id uint64, conn net.Conn) {
	p.clientsMu.Lock()
	p.clients[id] = conn
	p.clientsMu.Unlock()
}

func (p *Proxy) unregisterClient(id uint64) {
	p.clientsMu.Lock()
	delete(p.clients, id)
	p.clientsMu.Unlock()
}

func (p *Proxy) lookupClient(id uint64) net.Conn {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	return p.clients[id]
}

func clientIPNum(addr net.Addr) uint32 {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok || tcpAddr.IP.To4() == nil {
		return 0
	}
	ip4 := tcpAddr.IP.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func (p *Proxy) serveClient(conn net.Conn) {
	id := p.nextClientID()
	p.registerClient(id, conn)
	p.counter.ClientConnected()
	ipNum := clientIPNum(conn.RemoteAddr())

	defer func() {
		p.unregisterClient(id)
		p.counter.ClientDisconnected()
		conn.Close()
		for range p.activeDispatcher().DropClientQueued(id) {
			// pending tasks for this client are simply discarded; no
			// response target remains to write to.
		}
	}()

	var buf []byte
	tmp := make([]byte, 64*1024)
	for {
		if p.Config.Timeout.Client.Duration() > 0 {
			conn.SetReadDeadline(time.Now().Add(p.Config.Timeout.Client.Duration()))
		}
		n, err := conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)

		for len(buf) > 0 {
			box, consumed, err := protocol.Unpack(buf)
			if errors.Is(err, protocol.ErrNeedMore) {
				break
			}
			if errors.Is(err, protocol.ErrInvalidFrame) {
				p.Log.Error("proxy: invalid client frame, discarding buffer", "client", id)
				buf = nil
				break
			}
			buf = buf[consumed:]

			p.counter.ClientRequest()
			groupID := p.GroupRouter(box)
			tc := &dispatch.TaskContainer{
				Task:       dispatch.Task{ClientIPNum: ipNum, Body: box.Pack()},
				ClientID:   id,
				EnqueuedAt: time.Now(),
			}
			if _, err := p.activeDispatcher().AddTask(groupID, tc); err != nil {
				p.Log.Error("proxy: assign task failed", "group", groupID, "err", err)
			}
		}
	}
}

func (p *Proxy) serveWorker(groupID int, conn net.Conn) {
	id := p.workerIDs.Add(1)
	w := &dispatch.Worker{
		ID:      id,
		GroupID: groupID,
		Send: func(tc *dispatch.TaskContainer) error {
			box, err := protocol.EncodeTask(tc.Task.ClientIPNum, tc.Task.Body)
			if err != nil {
				return err
			}
			p.counter.WorkerRequest()
			return protocol.WriteBox(conn, box)
		},
	}

	// The dispatcher this worker registers with is fixed for its whole
	// lifetime: a shadow pool during a reload, the live pool otherwise.
	// It must never be re-read from p.dispatcher later, since a swap can
	// happen concurrently with this goroutine's loop below.
	pool, isShadow := p.dispatcherFor()

	if isShadow && p.reload.AddWorker(groupID, id) {
		p.swapInShadow()
		if err := p.sendToMaster(&protocol.Box{Cmd: protocol.CmdMasterReplaceWorkers}); err != nil {
			p.Log.Error("proxy: notify master of ready shadow pool failed", "err", err)
		}
	}

	defer func() {
		conn.Close()
		if failed := pool.WorkerGone(w); failed != nil {
			p.replyWorkerGone(failed)
		}
	}()

	if _, err := pool.WorkerIdle(w); err != nil {
		p.Log.Error("proxy: initial worker registration failed", "group", groupID, "err", err)
		return
	}

	for {
		resp, err := protocol.ReadBox(conn)
		if err != nil {
			return
		}
		tc := w.DoingTask()
		p.counter.WorkerResponse()
		if tc != nil {
			p.histograms.Observe(groupID, time.Since(tc.EnqueuedAt))
			p.replyToClient(tc, resp)
		}
		if _, err := pool.WorkerIdle(w); err != nil {
			p.Log.Error("proxy: reassign after worker idle failed", "group", groupID, "err", err)
			return
		}
	}
}

func (p *Proxy) replyToClient(tc *dispatch.TaskContainer, resp *protocol.Box) {
	conn := p.lookupClient(tc.ClientID)
	if conn == nil {
		return
	}
	if err := protocol.WriteBox(conn, resp); err != nil {
		p.Log.Error("proxy: write client response failed", "client", tc.ClientID, "err", err)
		return
	}
	p.counter.ClientResponse()
}

func (p *Proxy) replyWorkerGone(tc *dispatch.TaskContainer) {
	conn := p.lookupClient(tc.ClientID)
	if conn == nil {
		return
	}
	ret := int32(protocol.RetWorkerGone)
	box := (&protocol.Box{Cmd: protocol.CmdWorkerTaskAssign}).Map(&ret, nil)
	_ = protocol.WriteBox(conn, box)
}
