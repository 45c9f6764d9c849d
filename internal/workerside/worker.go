// Package workerside implements the worker process's half of the wire
// protocol: connect to the group's proxy-owned socket, then loop reading
// assigned tasks, running them through a handler.Registry, and writing
// back the result.
package workerside

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sadewadee/dispatchd/internal/handler"
	"github.com/sadewadee/dispatchd/internal/protocol"
)

// JobTimeoutError is returned (and logged) when a handler runs past its job
// timeout; the worker treats this as fatal and exits so the master's
// monitor loop can replace it with a fresh process.
type JobTimeoutError struct {
	Cmd     uint32
	Timeout time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("job for cmd %d exceeded timeout %s", e.Cmd, e.Timeout)
}

// Worker runs the connect-assign-respond loop for one worker process.
type Worker struct {
	Conn       net.Conn
	Registry   *handler.Registry
	JobTimeout time.Duration // zero means no timeout
	Log        *slog.Logger
}

// Serve blocks, handling one task at a time until the connection closes or
// a job exceeds JobTimeout. A job timeout is fatal: it returns
// *JobTimeoutError so the caller can terminate the process, matching the
// base spec's "worker kills itself" behavior on a stuck job.
func (w *Worker) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		box, err := protocol.ReadBox(w.Conn)
		if err != nil {
			return fmt.Errorf("workerside: read task: %w", err)
		}
		if box.Cmd != protocol.CmdWorkerTaskAssign {
			w.Log.Warn("workerside: unexpected cmd while idle", "cmd", box.Cmd)
			continue
		}

		resp, err := w.runTask(box)
		if err != nil {
			return err
		}
		if err := protocol.WriteBox(w.Conn, resp); err != nil {
			return fmt.Errorf("workerside: write response: %w", err)
		}
	}
}

func (w *Worker) runTask(box *protocol.Box) (*protocol.Box, error) {
	task, err := protocol.DecodeTask(box)
	if err != nil {
		return box.Map(ptr(protocol.RetWorkerError), nil), nil
	}

	req, reqCmd, err := decodeFrame(task)
	if err != nil {
		return box.Map(ptr(protocol.RetWorkerError), nil), nil
	}

	type result struct {
		body []byte
		ret  int32
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, ret, err := handler.Dispatch(w.Registry, req)
		done <- result{body, ret, err}
	}()

	if w.JobTimeout <= 0 {
		r := <-done
		if r.err != nil {
			w.Log.Error("workerside: handler error", "cmd", reqCmd, "err", r.err)
		}
		return (&protocol.Box{Cmd: reqCmd, Ret: r.ret, Body: r.body}), nil
	}

	select {
	case r := <-done:
		if r.err != nil {
			w.Log.Error("workerside: handler error", "cmd", reqCmd, "err", r.err)
		}
		return (&protocol.Box{Cmd: reqCmd, Ret: r.ret, Body: r.body}), nil
	case <-time.After(w.JobTimeout):
		return nil, &JobTimeoutError{Cmd: reqCmd, Timeout: w.JobTimeout}
	}
}

func decodeFrame(task *protocol.TaskEnvelope) (*handler.Request, uint32, error) {
	inner, _, err := protocol.Unpack(task.Frame)
	if err != nil {
		return nil, 0, err
	}
	return &handler.Request{
		Cmd:         inner.Cmd,
		ClientIPNum: task.ClientIPNum,
		Body:        inner.Body,
	}, inner.Cmd, nil
}

func ptr(v int32) *int32 { return &v }
