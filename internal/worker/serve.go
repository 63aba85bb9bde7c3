package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Serve runs the child-process side of the protocol. It decodes one
// parse-raw-snapshots message at a time from r and writes exactly one
// parsed-raw-snapshots or parse-failed message, with the same correlation
// id, to w. Serve returns nil when r reaches EOF.
//
// Diagnostics go to logger; w carries protocol messages only.
func Serve(ctx context.Context, r io.Reader, w io.Writer, wk *Worker, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var msg Message
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("serve: decode message: %w", err)
		}

		out := handle(ctx, wk, msg, logger)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("serve: encode %s: %w", out.Kind, err)
		}
	}
}

func handle(ctx context.Context, wk *Worker, msg Message, logger *slog.Logger) Message {
	req, err := msg.Request()
	if err != nil {
		logger.Warn("rejecting message", "kind", msg.Kind, "correlation_id", msg.CorrelationID, "error", err)
		return FailureMessage(msg.CorrelationID, err)
	}

	logger.Debug("parsing raw snapshots", "correlation_id", req.CorrelationID, "bytes", len(req.RawSnapshotsJSON))

	resp, err := wk.Run(ctx, req)
	if err != nil {
		logger.Warn("parse failed", "correlation_id", req.CorrelationID, "error", err)
		return FailureMessage(req.CorrelationID, err)
	}

	logger.Debug("parsed raw snapshots", "correlation_id", resp.CorrelationID, "snapshots", len(resp.Snapshots))
	return ResponseMessage(resp)
}
