package worker

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/midst/internal/snapshot"
)

// Kind names a protocol message.
type Kind string

const (
	// KindParseRequest asks a worker to parse a raw snapshots payload.
	KindParseRequest Kind = "parse-raw-snapshots"

	// KindParseResponse carries the parsed snapshots back.
	KindParseResponse Kind = "parsed-raw-snapshots"

	// KindParseFailed reports that the payload could not be parsed.
	KindParseFailed Kind = "parse-failed"
)

// Request is a parse job addressed to a worker.
type Request struct {
	CorrelationID    string
	RawSnapshotsJSON []byte
}

// Response is a successful parse, tagged with the request's correlation id.
type Response struct {
	CorrelationID string
	Snapshots     []snapshot.Snapshot
}

// Message is the wire form of every protocol message. One JSON object per
// line; each kind carries exactly its own fields.
type Message struct {
	Kind             Kind                `json:"kind"`
	CorrelationID    string              `json:"correlationId"`
	RawSnapshotsJSON string              `json:"rawSnapshotsJSON,omitempty"`
	Snapshots        []snapshot.Snapshot `json:"snapshots,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// MarshalJSON writes the fields of m's kind. A response always carries
// snapshots, even when there are none.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindParseRequest:
		return json.Marshal(struct {
			Kind             Kind   `json:"kind"`
			CorrelationID    string `json:"correlationId"`
			RawSnapshotsJSON string `json:"rawSnapshotsJSON"`
		}{m.Kind, m.CorrelationID, m.RawSnapshotsJSON})
	case KindParseResponse:
		snaps := m.Snapshots
		if snaps == nil {
			snaps = []snapshot.Snapshot{}
		}
		return json.Marshal(struct {
			Kind          Kind                `json:"kind"`
			CorrelationID string              `json:"correlationId"`
			Snapshots     []snapshot.Snapshot `json:"snapshots"`
		}{m.Kind, m.CorrelationID, snaps})
	case KindParseFailed:
		return json.Marshal(struct {
			Kind          Kind   `json:"kind"`
			CorrelationID string `json:"correlationId"`
			Error         string `json:"error"`
		}{m.Kind, m.CorrelationID, m.Error})
	default:
		type plain Message
		return json.Marshal(plain(m))
	}
}

// RequestMessage builds the wire form of req.
func RequestMessage(req Request) Message {
	return Message{
		Kind:             KindParseRequest,
		CorrelationID:    req.CorrelationID,
		RawSnapshotsJSON: string(req.RawSnapshotsJSON),
	}
}

// ResponseMessage builds the wire form of resp.
func ResponseMessage(resp Response) Message {
	return Message{
		Kind:          KindParseResponse,
		CorrelationID: resp.CorrelationID,
		Snapshots:     resp.Snapshots,
	}
}

// FailureMessage builds a parse-failed message for correlationID.
func FailureMessage(correlationID string, err error) Message {
	return Message{
		Kind:          KindParseFailed,
		CorrelationID: correlationID,
		Error:         err.Error(),
	}
}

// Request converts a parse-raw-snapshots message back into a Request.
func (m Message) Request() (Request, error) {
	if m.Kind != KindParseRequest {
		return Request{}, fmt.Errorf("unexpected message kind %q, want %q", m.Kind, KindParseRequest)
	}
	return Request{
		CorrelationID:    m.CorrelationID,
		RawSnapshotsJSON: []byte(m.RawSnapshotsJSON),
	}, nil
}
