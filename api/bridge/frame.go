package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"bifrost/api/model"
)

// Frame layout (big endian):
//
//	magic "BF" | version u8 | type u8 | outcome u8 | flags u8 | deadline i64 (unix ms)
//	request id  (u16 len + bytes)
//	function id (u16 len + bytes)
//	blob key    (u16 len + bytes)
//	meta        (u32 len + JSON)
//	payload     (u32 len + bytes)
const (
	frameVersion = 1
	headerSize   = 2 + 1 + 1 + 1 + 1 + 8

	flagBlob = 1 << 0
)

type FrameType uint8

const (
	FrameRequest  FrameType = 1
	FrameResponse FrameType = 2
)

var ErrMalformedFrame = errors.New("malformed bridge frame")

var outcomeCodes = []model.Outcome{
	"",
	model.OutcomeSuccess,
	model.OutcomeHandlerError,
	model.OutcomeBuildError,
	model.OutcomeTimeout,
	model.OutcomeTransportError,
	model.OutcomeNotFound,
}

func outcomeCode(o model.Outcome) uint8 {
	for i, c := range outcomeCodes {
		if c == o {
			return uint8(i)
		}
	}
	return 0
}

type Frame struct {
	Type       FrameType
	Outcome    model.Outcome
	Deadline   time.Time
	RequestID  string
	FunctionID string
	// BlobKey is set when the payload travels through the blob store.
	BlobKey string
	Meta    json.RawMessage
	Payload []byte
}

type requestMeta struct {
	Context   map[string]string `json:"context,omitempty"`
	ArrivedAt time.Time         `json:"arrivedAt"`
}

type responseMeta struct {
	Error      *model.ErrorDetail `json:"error,omitempty"`
	DurationMs int64              `json:"durationMs"`
}

// MarshalFrame encodes f. It fails when a field does not fit its length prefix.
func MarshalFrame(f *Frame) ([]byte, error) {
	for _, s := range []string{f.RequestID, f.FunctionID, f.BlobKey} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: string field too long (%d bytes)", ErrMalformedFrame, len(s))
		}
	}
	if uint64(len(f.Meta)) > math.MaxUint32 || uint64(len(f.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: section too long", ErrMalformedFrame)
	}

	size := headerSize + 2*3 + len(f.RequestID) + len(f.FunctionID) + len(f.BlobKey) + 4 + len(f.Meta) + 4 + len(f.Payload)
	buf := make([]byte, 0, size)
	buf = append(buf, 'B', 'F', frameVersion, byte(f.Type), outcomeCode(f.Outcome))
	var flags byte
	if f.BlobKey != "" {
		flags |= flagBlob
	}
	buf = append(buf, flags)
	var deadline int64
	if !f.Deadline.IsZero() {
		deadline = f.Deadline.UnixMilli()
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(deadline))
	for _, s := range []string{f.RequestID, f.FunctionID, f.BlobKey} {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Meta)))
	buf = append(buf, f.Meta...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return buf, nil
}

// UnmarshalFrame decodes data, validating every length against the buffer.
func UnmarshalFrame(data []byte) (*Frame, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedFrame, len(data))
	}
	if data[0] != 'B' || data[1] != 'F' {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedFrame)
	}
	if data[2] != frameVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, data[2])
	}
	f := &Frame{Type: FrameType(data[3])}
	if f.Type != FrameRequest && f.Type != FrameResponse {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, data[3])
	}
	if int(data[4]) >= len(outcomeCodes) {
		return nil, fmt.Errorf("%w: unknown outcome %d", ErrMalformedFrame, data[4])
	}
	f.Outcome = outcomeCodes[data[4]]
	flags := data[5]
	if ms := int64(binary.BigEndian.Uint64(data[6:14])); ms != 0 {
		f.Deadline = time.UnixMilli(ms)
	}

	r := reader{buf: data[headerSize:]}
	f.RequestID = string(r.next16())
	f.FunctionID = string(r.next16())
	f.BlobKey = string(r.next16())
	if meta := r.next32(); len(meta) > 0 {
		f.Meta = append(json.RawMessage(nil), meta...)
	}
	if payload := r.next32(); len(payload) > 0 {
		f.Payload = append([]byte(nil), payload...)
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(r.buf))
	}
	if (flags&flagBlob != 0) != (f.BlobKey != "") {
		return nil, fmt.Errorf("%w: blob flag does not match blob key", ErrMalformedFrame)
	}
	if f.RequestID == "" {
		return nil, fmt.Errorf("%w: empty request id", ErrMalformedFrame)
	}
	return f, nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf) {
		r.err = fmt.Errorf("%w: section of %d bytes exceeds remaining %d", ErrMalformedFrame, n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) next16() []byte {
	l := r.take(2)
	if l == nil {
		return nil
	}
	return r.take(int(binary.BigEndian.Uint16(l)))
}

func (r *reader) next32() []byte {
	l := r.take(4)
	if l == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(l)
	if uint64(n) > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: section of %d bytes exceeds remaining %d", ErrMalformedFrame, n, len(r.buf))
		return nil
	}
	return r.take(int(n))
}

// RequestFrame converts an invocation request to its wire form.
func RequestFrame(req *model.InvocationRequest) (*Frame, error) {
	meta, err := json.Marshal(requestMeta{Context: req.Context, ArrivedAt: req.ArrivedAt})
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:       FrameRequest,
		Deadline:   req.Deadline,
		RequestID:  req.ID,
		FunctionID: req.FunctionID,
		Meta:       meta,
		Payload:    req.Payload,
	}, nil
}

// Request converts a request frame back; the payload must already be hydrated.
func (f *Frame) Request() (*model.InvocationRequest, error) {
	var meta requestMeta
	if len(f.Meta) > 0 {
		if err := json.Unmarshal(f.Meta, &meta); err != nil {
			return nil, fmt.Errorf("%w: request meta: %v", ErrMalformedFrame, err)
		}
	}
	return &model.InvocationRequest{
		ID:         f.RequestID,
		FunctionID: f.FunctionID,
		Payload:    f.Payload,
		Context:    meta.Context,
		ArrivedAt:  meta.ArrivedAt,
		Deadline:   f.Deadline,
	}, nil
}

func ResponseFrame(res *model.InvocationResult) (*Frame, error) {
	meta, err := json.Marshal(responseMeta{Error: res.Error, DurationMs: res.Duration.Milliseconds()})
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      FrameResponse,
		Outcome:   res.Outcome,
		RequestID: res.RequestID,
		Meta:      meta,
		Payload:   res.Payload,
	}, nil
}

func (f *Frame) Result() (*model.InvocationResult, error) {
	var meta responseMeta
	if len(f.Meta) > 0 {
		if err := json.Unmarshal(f.Meta, &meta); err != nil {
			return nil, fmt.Errorf("%w: response meta: %v", ErrMalformedFrame, err)
		}
	}
	return &model.InvocationResult{
		RequestID: f.RequestID,
		Outcome:   f.Outcome,
		Payload:   f.Payload,
		Error:     meta.Error,
		Duration:  time.Duration(meta.DurationMs) * time.Millisecond,
	}, nil
}
