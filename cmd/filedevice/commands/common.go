package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/filedevice/core/internal/tasksys"
	"github.com/filedevice/core/internal/transport"
)

func parseLocationID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid location id %q: %w", s, err)
	}
	return id, nil
}

func parseJobID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return id, nil
}

// newImmediateInterrupter builds an Interrupter for a scan run directly
// from the CLI (location add / rescan), outside the job scheduler's
// pause/cancel control surface.
func newImmediateInterrupter(ctx context.Context) *tasksys.Interrupter {
	return tasksys.NewInterrupter(ctx)
}

// writeFrameJSON and readFrameJSON carry the pairing handshake's message
// structs over transport's length-prefixed frame codec, one JSON document
// per frame.
func writeFrameJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return transport.WriteFrame(w, payload)
}

func readFrameJSON(r io.Reader, v any) error {
	payload, err := transport.ReadFrame(r)
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	return json.Unmarshal(payload, v)
}
