package workerside

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/sadewadee/dispatchd/internal/handler"
	"github.com/sadewadee/dispatchd/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildTaskBox(t *testing.T, cmd uint32, body []byte, clientIP uint32) *protocol.Box {
	t.Helper()
	inner := &protocol.Box{Cmd: cmd, Body: body}
	box, err := protocol.EncodeTask(clientIP, inner.Pack())
	if err != nil {
		t.Fatal(err)
	}
	return box
}

func TestServeRunsHandlerAndWritesResponse(t *testing.T) {
	proxySide, workerSide := net.Pipe()
	defer proxySide.Close()
	defer workerSide.Close()

	reg := handler.NewRegistry()
	reg.Register(9, func(req *handler.Request) ([]byte, error) {
		return append([]byte("echo:"), req.Body...), nil
	})

	w := &Worker{Conn: workerSide, Registry: reg, Log: discardLogger()}
	go w.Serve(context.Background())

	// cmd 9 deliberately differs from protocol.CmdWorkerTaskAssign (the
	// outer envelope's cmd) so the response's cmd only matches by echoing
	// the client's original cmd, not the envelope's.
	task := buildTaskBox(t, 9, []byte("hi"), 0x7f000001)
	if err := protocol.WriteBox(proxySide, task); err != nil {
		t.Fatal(err)
	}

	resp, err := protocol.ReadBox(proxySide)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Ret != protocol.RetOK {
		t.Fatalf("expected RetOK, got %d", resp.Ret)
	}
	if string(resp.Body) != "echo:hi" {
		t.Fatalf("unexpected response body: %s", resp.Body)
	}
	if resp.Cmd != 9 {
		t.Fatalf("expected response cmd to echo client cmd 9, got %d", resp.Cmd)
	}
}

func TestServeReturnsUnroutableForUnknownCmd(t *testing.T) {
	proxySide, workerSide := net.Pipe()
	defer proxySide.Close()
	defer workerSide.Close()

	reg := handler.NewRegistry()
	w := &Worker{Conn: workerSide, Registry: reg, Log: discardLogger()}
	go w.Serve(context.Background())

	task := buildTaskBox(t, 42, nil, 0)
	if err := protocol.WriteBox(proxySide, task); err != nil {
		t.Fatal(err)
	}

	resp, err := protocol.ReadBox(proxySide)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Ret != protocol.RetUnroutable {
		t.Fatalf("expected RetUnroutable, got %d", resp.Ret)
	}
}

func TestServeExitsOnJobTimeout(t *testing.T) {
	proxySide, workerSide := net.Pipe()
	defer proxySide.Close()
	defer workerSide.Close()

	reg := handler.NewRegistry()
	block := make(chan struct{})
	defer close(block)
	reg.Register(1, func(*handler.Request) ([]byte, error) {
		<-block
		return nil, nil
	})

	w := &Worker{Conn: workerSide, Registry: reg, JobTimeout: 10 * time.Millisecond, Log: discardLogger()}
	errCh := make(chan error, 1)
	go func() { errCh <- w.Serve(context.Background()) }()

	task := buildTaskBox(t, 1, nil, 0)
	if err := protocol.WriteBox(proxySide, task); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if _, ok := err.(*JobTimeoutError); !ok {
			t.Fatalf("expected *JobTimeoutError, got %v (%T)", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Serve to exit")
	}
}
