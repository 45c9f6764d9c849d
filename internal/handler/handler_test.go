package handler

import (
	"errors"
	"testing"

	"github.com/sadewadee/dispatchd/internal/protocol"
)

func TestRegisterPanicsOnDuplicateCmd(t *testing.T) {
	r := NewRegistry()
	r.Register(1, func(*Request) ([]byte, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate cmd registration")
		}
	}()
	r.Register(1, func(*Request) ([]byte, error) { return nil, nil })
}

func TestDispatchReturnsUnroutableForUnknownCmd(t *testing.T) {
	r := NewRegistry()
	_, ret, err := Dispatch(r, &Request{Cmd: 99})
	if err != nil {
		t.Fatal(err)
	}
	if ret != protocol.RetUnroutable {
		t.Fatalf("expected RetUnroutable, got %d", ret)
	}
}

func TestDispatchReturnsHandlerResult(t *testing.T) {
	r := NewRegistry()
	r.Register(1, func(req *Request) ([]byte, error) {
		return append([]byte("echo:"), req.Body...), nil
	})

	body, ret, err := Dispatch(r, &Request{Cmd: 1, Body: []byte("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if ret != protocol.RetOK {
		t.Fatalf("expected RetOK, got %d", ret)
	}
	if string(body) != "echo:hi" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestDispatchReturnsWorkerErrorOnHandlerFailure(t *testing.T) {
	r := NewRegistry()
	want := errors.New("boom")
	r.Register(1, func(*Request) ([]byte, error) { return nil, want })

	_, ret, err := Dispatch(r, &Request{Cmd: 1})
	if !errors.Is(err, want) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if ret != protocol.RetWorkerError {
		t.Fatalf("expected RetWorkerError, got %d", ret)
	}
}
