package gpg_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/ryanmoran/agentrelay/internal/gpg"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	listener net.Listener
	nonces   chan []byte
}

// startFakeAgent listens on loopback and hands each authenticated
// connection to handle. The first 16 bytes read are reported on nonces.
func startFakeAgent(t *testing.T, handle func(conn net.Conn)) *fakeAgent {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		listener.Close()
	})

	agent := &fakeAgent{
		listener: listener,
		nonces:   make(chan []byte, 1),
	}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		nonce := make([]byte, gpg.NonceLength)
		if _, err := io.ReadFull(conn, nonce); err != nil {
			return
		}
		agent.nonces <- nonce

		handle(conn)
	}()

	return agent
}

func (a *fakeAgent) descriptor() gpg.SocketDescriptor {
	return gpg.SocketDescriptor{
		Port:  uint16(a.listener.Addr().(*net.TCPAddr).Port),
		Nonce: sequentialNonce(),
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("output closed")
}

func TestBridgeRun(t *testing.T) {
	t.Run("sends the nonce and relays an echo in both directions", func(t *testing.T) {
		agent := startFakeAgent(t, func(conn net.Conn) {
			io.Copy(conn, conn)
		})

		payload := bytes.Repeat([]byte("assuan request\n"), 4096)
		var out bytes.Buffer

		bridge := gpg.Bridge{
			Descriptor:   agent.descriptor(),
			DrainTimeout: 5 * time.Second,
			Logger:       zerolog.Nop(),
		}

		stats, err := bridge.Run(context.Background(), bytes.NewReader(payload), &out)
		require.NoError(t, err)

		nonce := sequentialNonce()
		require.Equal(t, nonce[:], <-agent.nonces)
		require.Equal(t, int64(len(payload)), stats.Sent)
		require.Equal(t, int64(len(payload)), stats.Received)
		require.Equal(t, payload, out.Bytes())
	})

	t.Run("returns when the input closes even if the agent stays open", func(t *testing.T) {
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })

		agent := startFakeAgent(t, func(conn net.Conn) {
			conn.Write([]byte("OK Pleased to meet you\n"))
			<-release
		})

		reader, writer := io.Pipe()
		var out bytes.Buffer
		done := make(chan error, 1)

		bridge := gpg.Bridge{
			Descriptor: agent.descriptor(),
			Logger:     zerolog.Nop(),
		}

		go func() {
			_, err := bridge.Run(context.Background(), reader, &out)
			done <- err
		}()

		<-agent.nonces
		_, err := writer.Write([]byte("BYE\n"))
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("bridge did not return after input closed")
		}
	})

	t.Run("relays nothing when the agent rejects the nonce", func(t *testing.T) {
		agent := startFakeAgent(t, func(conn net.Conn) {})

		var out bytes.Buffer
		bridge := gpg.Bridge{
			Descriptor:   agent.descriptor(),
			DrainTimeout: 5 * time.Second,
			Logger:       zerolog.Nop(),
		}

		stats, err := bridge.Run(context.Background(), strings.NewReader(""), &out)
		require.NoError(t, err)
		require.Zero(t, stats.Received)
		require.Empty(t, out.Bytes())
	})

	t.Run("fails when the output cannot be written", func(t *testing.T) {
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })

		agent := startFakeAgent(t, func(conn net.Conn) {
			conn.Write([]byte("OK\n"))
			<-release
		})

		reader, writer := io.Pipe()
		done := make(chan error, 1)

		bridge := gpg.Bridge{
			Descriptor:   agent.descriptor(),
			DrainTimeout: 5 * time.Second,
			Logger:       zerolog.Nop(),
		}

		go func() {
			_, err := bridge.Run(context.Background(), reader, failingWriter{})
			done <- err
		}()

		select {
		case err := <-done:
			require.Error(t, err)
			require.Contains(t, err.Error(), "failed to copy from gpg-agent to output")
			require.Contains(t, err.Error(), "output closed")
		case <-time.After(5 * time.Second):
			t.Fatal("bridge kept waiting on input after the output failed")
		}

		_, err := writer.Write([]byte("GETINFO version\n"))
		require.ErrorIs(t, err, io.ErrClosedPipe)
	})

	t.Run("fails when the agent is not listening", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := listener.Addr().(*net.TCPAddr).Port
		require.NoError(t, listener.Close())

		bridge := gpg.Bridge{
			Descriptor: gpg.SocketDescriptor{Port: uint16(port)},
			Logger:     zerolog.Nop(),
		}

		_, err = bridge.Run(context.Background(), strings.NewReader(""), io.Discard)
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to connect to gpg-agent")
	})

	t.Run("closes the agent connection when the context is cancelled", func(t *testing.T) {
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })

		agent := startFakeAgent(t, func(conn net.Conn) {
			<-release
		})

		ctx, cancel := context.WithCancel(context.Background())
		reader, writer := io.Pipe()
		done := make(chan error, 1)

		bridge := gpg.Bridge{
			Descriptor:   agent.descriptor(),
			DrainTimeout: 5 * time.Second,
			Logger:       zerolog.Nop(),
		}

		go func() {
			_, err := bridge.Run(ctx, reader, io.Discard)
			done <- err
		}()

		<-agent.nonces
		cancel()

		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("bridge did not return after cancellation")
		}

		_, err := writer.Write([]byte("BYE\n"))
		require.ErrorIs(t, err, io.ErrClosedPipe)
	})

	t.Run("uses the provided dialer", func(t *testing.T) {
		agent := startFakeAgent(t, func(conn net.Conn) {
			io.Copy(conn, conn)
		})

		dialer := &recordingDialer{}
		bridge := gpg.Bridge{
			Descriptor:   agent.descriptor(),
			Dialer:       dialer,
			DrainTimeout: 5 * time.Second,
			Logger:       zerolog.Nop(),
		}

		var out bytes.Buffer
		_, err := bridge.Run(context.Background(), strings.NewReader("ping"), &out)
		require.NoError(t, err)
		require.Equal(t, "ping", out.String())
		require.Equal(t, []string{agent.descriptor().Address()}, dialer.addresses)
	})
}

type writeDescriptorStarter struct {
	path       string
	descriptor gpg.SocketDescriptor
	err        error
	calls      int
}

func (s *writeDescriptorStarter) Start(ctx context.Context) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.path == "" {
		return nil
	}

	content, err := s.descriptor.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, content, 0600)
}

func TestBridgeStartsAgent(t *testing.T) {
	t.Run("starts the agent when the socket file is missing", func(t *testing.T) {
		agent := startFakeAgent(t, func(conn net.Conn) {
			io.Copy(conn, conn)
		})
		path := filepath.Join(t.TempDir(), "S.gpg-agent")
		starter := &writeDescriptorStarter{path: path, descriptor: agent.descriptor()}

		bridge := gpg.Bridge{
			SocketPath:   path,
			Starter:      starter,
			DrainTimeout: 5 * time.Second,
			Logger:       zerolog.Nop(),
		}

		var out bytes.Buffer
		_, err := bridge.Run(context.Background(), strings.NewReader("ping"), &out)
		require.NoError(t, err)
		require.Equal(t, "ping", out.String())
		require.Equal(t, 1, starter.calls)
	})

	t.Run("starts the agent when its port refuses connections", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		stale := gpg.SocketDescriptor{Port: uint16(listener.Addr().(*net.TCPAddr).Port)}
		require.NoError(t, listener.Close())

		path := filepath.Join(t.TempDir(), "S.gpg-agent")
		content, err := stale.MarshalBinary()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, content, 0600))

		agent := startFakeAgent(t, func(conn net.Conn) {
			io.Copy(conn, conn)
		})
		starter := &writeDescriptorStarter{path: path, descriptor: agent.descriptor()}

		bridge := gpg.Bridge{
			SocketPath:   path,
			Starter:      starter,
			DrainTimeout: 5 * time.Second,
			Logger:       zerolog.Nop(),
		}

		var out bytes.Buffer
		_, err = bridge.Run(context.Background(), strings.NewReader("pong"), &out)
		require.NoError(t, err)
		require.Equal(t, "pong", out.String())
		require.Equal(t, 1, starter.calls)

		nonce := sequentialNonce()
		require.Equal(t, nonce[:], <-agent.nonces)
	})

	t.Run("starts the agent only once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "S.gpg-agent")
		starter := &writeDescriptorStarter{}

		bridge := gpg.Bridge{
			SocketPath: path,
			Starter:    starter,
			Logger:     zerolog.Nop(),
		}

		_, err := bridge.Run(context.Background(), strings.NewReader(""), io.Discard)
		require.ErrorIs(t, err, os.ErrNotExist)
		require.Equal(t, 1, starter.calls)
	})

	t.Run("reports both errors when the agent cannot be started", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "S.gpg-agent")
		starter := &writeDescriptorStarter{err: errors.New("gpg-connect-agent not found")}

		bridge := gpg.Bridge{
			SocketPath: path,
			Starter:    starter,
			Logger:     zerolog.Nop(),
		}

		_, err := bridge.Run(context.Background(), strings.NewReader(""), io.Discard)
		require.ErrorIs(t, err, os.ErrNotExist)
		require.Contains(t, err.Error(), "gpg-connect-agent not found")
	})

	t.Run("does not start the agent for a malformed socket file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "S.gpg-agent")
		require.NoError(t, os.WriteFile(path, []byte("12x45\n"), 0600))
		starter := &writeDescriptorStarter{}

		bridge := gpg.Bridge{
			SocketPath: path,
			Starter:    starter,
			Logger:     zerolog.Nop(),
		}

		_, err := bridge.Run(context.Background(), strings.NewReader(""), io.Discard)
		require.ErrorIs(t, err, gpg.ErrInvalidPortDigit)
		require.Zero(t, starter.calls)
	})
}

type recordingDialer struct {
	addresses []string
}

func (d *recordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.addresses = append(d.addresses, address)
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}
