// Package workerproto defines the wire contract between the server and its
// worker processes: length-framed JSON messages over the worker's
// stdin/stdout pipes. Both the process pool and the import subsystem speak
// this protocol; workers implement the other side.
package workerproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind discriminates the frame types. The set is closed; workers receiving
// an unknown kind must ignore it, the server treats one as misbehavior.
type Kind string

const (
	// KindReady is sent by a worker once its packages are imported and it
	// can accept requests.
	KindReady Kind = "ready"

	// KindRequest dispatches one action execution to the worker.
	KindRequest Kind = "request"

	// KindResult reports the outcome of the in-flight request.
	KindResult Kind = "result"

	// KindPing and KindPong implement the liveness probe.
	KindPing Kind = "ping"
	KindPong Kind = "pong"

	// KindCancel asks the worker to interrupt the named run cooperatively.
	KindCancel Kind = "cancel"

	// KindShutdown asks the worker to exit once idle.
	KindShutdown Kind = "shutdown"
)

// EnumerateAction is the reserved qualified name that asks a transient
// worker to report its package's action metadata instead of executing.
const EnumerateAction = "__enumerate__"

// Result statuses carried on result frames.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// Message is the single frame shape. Fields beyond Kind are populated per
// kind: request carries RunID/Action/Payload/ManagedParams/Headers/
// ArtifactDir, result carries RunID/Status/Result/Error, cancel carries
// RunID. Control frames carry Kind alone.
type Message struct {
	Kind          Kind                       `json:"kind"`
	RunID         string                     `json:"run_id,omitempty"`
	Action        string                     `json:"action,omitempty"`
	Payload       json.RawMessage            `json:"payload,omitempty"`
	ManagedParams map[string]json.RawMessage `json:"managed_params,omitempty"`
	Headers       map[string]string          `json:"headers,omitempty"`
	ArtifactDir   string                     `json:"artifact_dir,omitempty"`
	Status        string                     `json:"status,omitempty"`
	Result        json.RawMessage            `json:"result,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

// ActionMeta is the per-action record a transient worker reports in the
// result payload of an EnumerateAction request.
type ActionMeta struct {
	Name          string            `json:"name"`
	DisplayName   string            `json:"display_name,omitempty"`
	InputSchema   json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema  json.RawMessage   `json:"output_schema,omitempty"`
	ManagedParams map[string]string `json:"managed_params,omitempty"`
	Consequential bool              `json:"consequential,omitempty"`
	SourceFile    string            `json:"source_file,omitempty"`
	SourceLine    int               `json:"source_line,omitempty"`
	Kind          string            `json:"kind,omitempty"`
}

// MaxFrameSize bounds a single frame. A worker announcing a larger frame has
// gone off the rails; the reader fails rather than allocate unbounded.
const MaxFrameSize = 64 << 20

// WriteMessage frames msg onto w: 4-byte big-endian payload length, then the
// JSON payload. Callers serialize concurrent writers.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", msg.Kind, err)
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(payload)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessage reads one frame from r. io.EOF is returned verbatim when the
// stream ends cleanly between frames so callers can distinguish worker exit
// from protocol damage.
func ReadMessage(r io.Reader) (Message, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("reading frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(head[:])
	if size > MaxFrameSize {
		return Message{}, fmt.Errorf("frame of %d bytes exceeds the %d byte limit", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("reading %d byte frame: %w", size, err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding frame: %w", err)
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("frame has no kind")
	}
	return msg, nil
}
