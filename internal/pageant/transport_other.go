//go:build !windows

package pageant

import (
	"context"
	"errors"
	"fmt"
)

type unsupportedTransport struct{}

// NewTransport returns a transport that fails: the Pageant protocol only
// exists on Windows.
func NewTransport() Transport {
	return unsupportedTransport{}
}

func (unsupportedTransport) CreateSegment(name string, size int) (Segment, error) {
	return nil, fmt.Errorf("shared memory segment %q: %w", name, errors.ErrUnsupported)
}

func (unsupportedTransport) Notify(ctx context.Context, endpoint Endpoint, id uintptr, payload []byte) (int, error) {
	return 0, fmt.Errorf("window message: %w", errors.ErrUnsupported)
}

type unsupportedFinder struct{}

// NewWindowFinder returns a finder that fails outside Windows.
func NewWindowFinder() WindowFinder {
	return unsupportedFinder{}
}

func (unsupportedFinder) FindWindow(class, title string) (Endpoint, bool, error) {
	return 0, false, fmt.Errorf("window lookup: %w", errors.ErrUnsupported)
}
