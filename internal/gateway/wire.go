package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"voicegateway/internal/protocol"
)

// controlWire frames protocol.Frame values as newline-delimited JSON
// on a single reliable stream, matching protocol.go's ControlMsg
// envelope and client.go's mutex-guarded SendControl write path.
type controlWire struct {
	mu     sync.Mutex
	w      io.Writer
	reader *bufio.Scanner

	// closer closes the owning connection (not just this control
	// stream) so Close actually disconnects the peer, per spec §4.4's
	// "displaced sessions are disconnected" rule.
	closer interface{ Close(reason string) error }
}

func newControlWire(rw io.ReadWriter, closer interface{ Close(reason string) error }) *controlWire {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	return &controlWire{w: rw, reader: scanner, closer: closer}
}

// SendControl implements session.ControlSender.
func (c *controlWire) SendControl(frame any) error {
	f, ok := frame.(protocol.Frame)
	if !ok {
		return fmt.Errorf("gateway: SendControl expects a protocol.Frame, got %T", frame)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	b = append(b, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.w.Write(b)
	return err
}

// Close disconnects the owning connection, not just this control
// stream, so a superseded or torn-down session actually drops its
// transport. Satisfies session.ControlSender.
func (c *controlWire) Close(reason string) error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close(reason)
}

// ReadFrame blocks for the next newline-delimited frame.
func (c *controlWire) ReadFrame() (protocol.Frame, error) {
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return protocol.Frame{}, err
		}
		return protocol.Frame{}, io.EOF
	}
	var f protocol.Frame
	if err := json.Unmarshal(c.reader.Bytes(), &f); err != nil {
		return protocol.Frame{}, fmt.Errorf("decode control frame: %w", err)
	}
	return f, nil
}
