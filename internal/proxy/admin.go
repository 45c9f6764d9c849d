package proxy

import (
	"encoding/json"
	"net"

	"github.com/sadewadee/dispatchd/internal/protocol"
)

func (p *Proxy) authOK(auth protocol.AdminAuth) bool {
	return auth.Username == p.Config.Admin.Username && auth.Password == p.Config.Admin.Password
}

func (p *Proxy) serveAdmin(conn net.Conn) {
	defer conn.Close()

	box, err := protocol.ReadBox(conn)
	if err != nil {
		return
	}

	req, err := protocol.DecodeAdminRequest(box.Body)
	if err != nil {
		p.Log.Error("proxy: malformed admin request", "err", err)
		return
	}

	if !p.authOK(req.Auth) {
		ret := int32(protocol.RetAdminAuthFail)
		protocol.WriteBox(conn, box.Map(&ret, nil))
		return
	}

	switch box.Cmd {
	case protocol.CmdAdminServerStat:
		p.handleAdminStat(conn, box)
	case protocol.CmdAdminChange, protocol.CmdAdminReload, protocol.CmdAdminStop:
		p.forwardAdminToMaster(conn, box)
	default:
		ret := int32(protocol.RetUnroutable)
		protocol.WriteBox(conn, box.Map(&ret, nil))
	}
}

func (p *Proxy) handleAdminStat(conn net.Conn, box *protocol.Box) {
	groupStats := p.activeDispatcher().Stats()
	pending := make(map[int]int, len(groupStats))
	idle, busy := 0, 0
	for id, s := range groupStats {
		pending[id] = s.QueueDepth
		idle += s.Idle
		busy += s.Busy
	}

	stat := protocol.AdminStat{
		Clients:   p.counter.Clients(),
		ClientReq: p.counter.ClientReq(),
		ClientRsp: p.counter.ClientRsp(),
		WorkerReq: p.counter.WorkerReq(),
		WorkerRsp: p.counter.WorkerRsp(),
		Workers: protocol.AdminStatWorkers{
			All:  idle + busy,
			Idle: idle,
			Busy: busy,
		},
		PendingJobs: pending,
		JobTimes:    p.histograms.Snapshot(),
	}

	body, err := json.Marshal(stat)
	if err != nil {
		p.Log.Error("proxy: marshal admin stat failed", "err", err)
		return
	}
	ret := int32(protocol.RetOK)
	protocol.WriteBox(conn, box.Map(&ret, body))
}

// forwardAdminToMaster relays an admin command that only the master can
// act on (group resizing, reload, stop) over the proxy<->master control
// channel, then acknowledges the admin client immediately: the actual
// effect lands asynchronously once the master processes it.
func (p *Proxy) forwardAdminToMaster(conn net.Conn, box *protocol.Box) {
	ret := int32(protocol.RetOK)
	if err := p.sendToMaster(box); err != nil {
		p.Log.Error("proxy: forward admin command to master failed", "cmd", box.Cmd, "err", err)
		ret = protocol.RetWorkerError
	}
	protocol.WriteBox(conn, box.Map(&ret, nil))
}
