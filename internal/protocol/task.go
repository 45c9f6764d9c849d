package protocol

import "fmt"

// TaskEnvelope is what rides inside a CmdWorkerTaskAssign Box's body: the
// originating client's IP (as a big-endian uint32, matching how the
// reference implementation stores it) plus the raw bytes of the client's
// original frame. It is msgpack-encoded the same way the teacher encodes
// its structured frame headers alongside an opaque payload.
type TaskEnvelope struct {
	ClientIPNum uint32 `msgpack:"client_ip_num"`
	Frame       []byte `msgpack:"frame"`
}

// EncodeTask builds a CmdWorkerTaskAssign Box from a client IP and the raw
// bytes of the client's frame.
func EncodeTask(clientIPNum uint32, frame []byte) (*Box, error) {
	body, err := MarshalMsgpack(&TaskEnvelope{ClientIPNum: clientIPNum, Frame: frame})
	if err != nil {
		return nil, fmt.Errorf("encoding task envelope: %w", err)
	}
	return &Box{Cmd: CmdWorkerTaskAssign, Body: body}, nil
}

// DecodeTask extracts the TaskEnvelope from a CmdWorkerTaskAssign Box.
func DecodeTask(b *Box) (*TaskEnvelope, error) {
	if b.Cmd != CmdWorkerTaskAssign {
		return nil, fmt.Errorf("expected task-assign box, got cmd 0x%x", b.Cmd)
	}
	var env TaskEnvelope
	if err := UnmarshalMsgpack(b.Body, &env); err != nil {
		return nil, fmt.Errorf("decoding task envelope: %w", err)
	}
	return &env, nil
}
