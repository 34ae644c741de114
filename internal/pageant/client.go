package pageant

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	// CopyDataID tags WM_COPYDATA messages as agent requests.
	CopyDataID uintptr = 0x804e50ba

	// MaxMessageLength is the size of the shared memory segment, and so
	// the largest request or response including its length prefix.
	MaxMessageLength = 8192

	SegmentNamePrefix = "PageantRequest"
)

// Segment is a mapped shared memory region. Bytes is only valid until
// Close, which unmaps the view and then releases the mapping.
type Segment interface {
	Name() string
	Bytes() []byte
	Close() error
}

// Transport provides the platform primitives for one exchange.
type Transport interface {
	CreateSegment(name string, size int) (Segment, error)

	// Notify delivers payload to the endpoint and blocks until the agent
	// acknowledges. A deadline on ctx bounds the wait.
	Notify(ctx context.Context, endpoint Endpoint, id uintptr, payload []byte) (int, error)
}

// timeoutMillis converts a remaining wait to whole milliseconds, rounding
// up so that a positive wait never becomes an immediate timeout.
func timeoutMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}

	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}

	return uint32(ms)
}

// SegmentName returns the mapping name used by the process with the given pid.
func SegmentName(pid int) string {
	return fmt.Sprintf("%s%08x", SegmentNamePrefix, uint32(pid))
}

// Client performs request/response round trips with the agent.
type Client struct {
	Transport Transport

	// PID names the segment; zero means the current process.
	PID int

	// Timeout bounds each notification. Zero waits indefinitely.
	Timeout time.Duration

	Logger zerolog.Logger
}

// Exchange sends one complete agent message and returns the agent's reply,
// length prefix included. request must fit in MaxMessageLength. The
// segment is released before Exchange returns on every path.
func (c Client) Exchange(ctx context.Context, endpoint Endpoint, request []byte) (response []byte, err error) {
	pid := c.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	name := SegmentName(pid)

	if len(request) > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrRequestTooLarge, len(request))
	}

	segment, err := c.Transport.CreateSegment(name, MaxMessageLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared memory %q: %w", name, err)
	}
	defer func() {
		closeErr := segment.Close()
		if closeErr != nil && err == nil {
			response = nil
			err = fmt.Errorf("failed to release shared memory %q: %w", name, closeErr)
		}
	}()

	view := segment.Bytes()
	copy(view, request)

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	payload := make([]byte, len(segment.Name())+1)
	copy(payload, segment.Name())

	c.Logger.Debug().Int("length", len(request)).Str("segment", segment.Name()).Msg("sending request")
	ack, err := c.Transport.Notify(ctx, endpoint, CopyDataID, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to notify agent: %w", err)
	}
	if ack <= 0 {
		return nil, fmt.Errorf("%w: acknowledgement %d", ErrAgentRejected, ack)
	}

	length := 4 + uint64(binary.BigEndian.Uint32(view[:4]))
	if length > uint64(len(view)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, length)
	}

	response = make([]byte, length)
	copy(response, view[:length])

	c.Logger.Debug().Int("length", len(response)).Msg("received response")
	return response, nil
}
