package pageant_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ryanmoran/agentrelay/internal/pageant"
	"golang.org/x/crypto/ssh/agent"
)

// fakeSegment is an in-memory stand-in for a file mapping.
type fakeSegment struct {
	name     string
	data     []byte
	closeErr error
	owner    *fakeTransport
}

func (s *fakeSegment) Name() string  { return s.name }
func (s *fakeSegment) Bytes() []byte { return s.data }

func (s *fakeSegment) Close() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()

	if _, ok := s.owner.open[s.name]; !ok {
		return fmt.Errorf("segment %q closed twice", s.name)
	}
	delete(s.owner.open, s.name)
	s.owner.released++

	return s.closeErr
}

// fakeTransport records segment lifetimes and hands each notification to
// notifyFunc along with the contents of the named segment.
type fakeTransport struct {
	mu       sync.Mutex
	open     map[string]*fakeSegment
	created  int
	released int
	payloads [][]byte

	createSegmentErr error
	closeErr         error
	notifyFunc       func(ctx context.Context, endpoint pageant.Endpoint, id uintptr, segment []byte) (int, error)
}

func newFakeTransport(notify func(ctx context.Context, endpoint pageant.Endpoint, id uintptr, segment []byte) (int, error)) *fakeTransport {
	return &fakeTransport{
		open:       make(map[string]*fakeSegment),
		notifyFunc: notify,
	}
}

func (f *fakeTransport) CreateSegment(name string, size int) (pageant.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createSegmentErr != nil {
		return nil, f.createSegmentErr
	}
	if _, ok := f.open[name]; ok {
		return nil, fmt.Errorf("segment %q already exists", name)
	}

	segment := &fakeSegment{
		name:     name,
		data:     make([]byte, size),
		closeErr: f.closeErr,
		owner:    f,
	}
	f.open[name] = segment
	f.created++

	return segment, nil
}

func (f *fakeTransport) Notify(ctx context.Context, endpoint pageant.Endpoint, id uintptr, payload []byte) (int, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	name := string(bytes.TrimSuffix(payload, []byte{0}))
	segment, ok := f.open[name]
	f.mu.Unlock()

	if !ok {
		return 0, nil
	}
	if f.notifyFunc == nil {
		return 0, errors.New("not implemented")
	}

	return f.notifyFunc(ctx, endpoint, id, segment.data)
}

func (f *fakeTransport) openSegments() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

// replyWith returns a notify func that answers every request with payload.
func replyWith(ack int, payload []byte) func(context.Context, pageant.Endpoint, uintptr, []byte) (int, error) {
	return func(ctx context.Context, endpoint pageant.Endpoint, id uintptr, segment []byte) (int, error) {
		binary.BigEndian.PutUint32(segment, uint32(len(payload)))
		copy(segment[4:], payload)
		return ack, nil
	}
}

// serveKeyring answers requests from segment memory with a real agent
// implementation, the way the native agent would.
func serveKeyring(keyring agent.Agent) func(context.Context, pageant.Endpoint, uintptr, []byte) (int, error) {
	return func(ctx context.Context, endpoint pageant.Endpoint, id uintptr, segment []byte) (int, error) {
		if id != pageant.CopyDataID {
			return 0, nil
		}

		length := binary.BigEndian.Uint32(segment)
		request := segment[:4+length]

		var reply bytes.Buffer
		err := agent.ServeAgent(keyring, struct {
			io.Reader
			io.Writer
		}{bytes.NewReader(request), &reply})
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}

		copy(segment, reply.Bytes())
		return 1, nil
	}
}
