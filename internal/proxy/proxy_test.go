package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/sadewadee/dispatchd/internal/config"
	"github.com/sadewadee/dispatchd/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.IPC.AddressDirectory = t.TempDir()
	cfg.Client.Port = 17100 + (int(time.Now().UnixNano() % 1000))
	cfg.Groups = map[int]config.GroupConfig{1: {Count: 1}}
	return cfg
}

func startTestProxy(t *testing.T) (*Proxy, context.CancelFunc) {
	t.Helper()
	cfg := testConfig(t)
	p := New(cfg, func(*protocol.Box) int { return 1 }, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	t.Cleanup(cancel)
	return p, cancel
}

func dialWorker(t *testing.T, p *Proxy, groupID int) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", fmt.Sprintf("%s/worker-%d.sock", p.Config.IPC.AddressDirectory, groupID))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestProxyRoundTripsClientThroughWorker(t *testing.T) {
	p, _ := startTestProxy(t)
	workerConn := dialWorker(t, p, 1)

	clientConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", p.Config.Client.Port))
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	req := &protocol.Box{Cmd: 7, Body: []byte("ping")}
	if err := protocol.WriteBox(clientConn, req); err != nil {
		t.Fatal(err)
	}

	task, err := protocol.ReadBox(workerConn)
	if err != nil {
		t.Fatal(err)
	}
	env, err := protocol.DecodeTask(task)
	if err != nil {
		t.Fatal(err)
	}
	inner, _, err := protocol.Unpack(env.Frame)
	if err != nil {
		t.Fatal(err)
	}
	if inner.Cmd != 7 || string(inner.Body) != "ping" {
		t.Fatalf("unexpected task contents: %+v", inner)
	}

	resp := &protocol.Box{Cmd: 7, Ret: protocol.RetOK, Body: []byte("pong")}
	if err := protocol.WriteBox(workerConn, resp); err != nil {
		t.Fatal(err)
	}

	got, err := protocol.ReadBox(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Body) != "pong" {
		t.Fatalf("expected pong response, got %q", got.Body)
	}
	if got.Cmd != 7 {
		t.Fatalf("expected response cmd to echo the client's cmd 7, got %d", got.Cmd)
	}
}

func TestDispatcherForRoutesToShadowDuringReloadThenSwapsIn(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg, func(*protocol.Box) int { return 1 }, discardLogger())

	live := p.activeDispatcher()
	if pool, isShadow := p.dispatcherFor(); pool != live || isShadow {
		t.Fatalf("expected live pool before any reload, got pool=%v isShadow=%v", pool, isShadow)
	}

	p.StartReload()
	shadowPool, isShadow := p.dispatcherFor()
	if !isShadow || shadowPool == live {
		t.Fatalf("expected a distinct shadow pool while reload is running, got isShadow=%v pool=%v", isShadow, shadowPool)
	}
	if p.activeDispatcher() != live {
		t.Fatal("expected live traffic to keep routing to the old pool until the swap")
	}

	if !p.reload.AddWorker(1, 1) {
		t.Fatal("expected the single expected worker to complete the shadow pool")
	}
	p.swapInShadow()

	if p.activeDispatcher() != shadowPool {
		t.Fatal("expected the shadow pool to become live after swapInShadow")
	}
	if pool, isShadow := p.dispatcherFor(); pool != shadowPool || isShadow {
		t.Fatalf("expected new workers to land directly on the now-live pool, got pool=%v isShadow=%v", pool, isShadow)
	}
}

func TestProxyAdminStatRequiresAuth(t *testing.T) {
	p, _ := startTestProxy(t)

	conn, err := net.Dial("unix", fmt.Sprintf("%s/admin.sock", p.Config.IPC.AddressDirectory))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	body, err := json.Marshal(protocol.AdminRequest{Auth: protocol.AdminAuth{Username: "wrong"}})
	if err != nil {
		t.Fatal(err)
	}
	req := &protocol.Box{Cmd: protocol.CmdAdminServerStat, Body: body}
	if err := protocol.WriteBox(conn, req); err != nil {
		t.Fatal(err)
	}

	resp, err := protocol.ReadBox(conn)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Ret != protocol.RetAdminAuthFail {
		t.Fatalf("expected RetAdminAuthFail, got %d", resp.Ret)
	}
}

func TestProxyAdminStatReturnsCounters(t *testing.T) {
	p, _ := startTestProxy(t)

	conn, err := net.Dial("unix", fmt.Sprintf("%s/admin.sock", p.Config.IPC.AddressDirectory))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	body, err := json.Marshal(protocol.AdminRequest{})
	if err != nil {
		t.Fatal(err)
	}
	req := &protocol.Box{Cmd: protocol.CmdAdminServerStat, Body: body}
	if err := protocol.WriteBox(conn, req); err != nil {
		t.Fatal(err)
	}

	resp, err := protocol.ReadBox(conn)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Ret != protocol.RetOK {
		t.Fatalf("expected RetOK, got %d", resp.Ret)
	}
	var stat protocol.AdminStat
	if err := json.Unmarshal(resp.Body, &stat); err != nil {
		t.Fatal(err)
	}
}
