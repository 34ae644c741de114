package pageant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/rs/zerolog"
)

const (
	// DefaultWindowClass and DefaultWindowTitle identify the agent window.
	DefaultWindowClass = "Pageant"
	DefaultWindowTitle = "Pageant"
)

// DefaultStartCommand makes gpg-agent start on demand.
var DefaultStartCommand = []string{"gpg-connect-agent", "--quiet", "/bye"}

// Endpoint identifies the agent's message window. It is a lookup key and
// does not keep the agent alive.
type Endpoint uintptr

// WindowFinder looks up a top-level window by class and title.
type WindowFinder interface {
	FindWindow(class, title string) (Endpoint, bool, error)
}

// Starter gives the agent a chance to start.
type Starter interface {
	Start(ctx context.Context) error
}

// CommandStarter runs a command and waits for it to exit. The exit status
// is ignored; only a failure to launch the command is reported.
type CommandStarter struct {
	Path   string
	Args   []string
	Stderr io.Writer
}

// NewCommandStarter builds a CommandStarter from an argv slice.
func NewCommandStarter(argv []string, stderr io.Writer) CommandStarter {
	if len(argv) == 0 {
		argv = DefaultStartCommand
	}

	return CommandStarter{
		Path:   argv[0],
		Args:   argv[1:],
		Stderr: stderr,
	}
}

// Start runs the command. Its stdout is discarded since the process's own
// stdout carries agent replies.
func (s CommandStarter) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Stderr = s.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}

	return err
}

// Locator finds the agent window, starting the agent once if needed.
type Locator struct {
	Finder  WindowFinder
	Starter Starter
	Class   string
	Title   string
	Logger  zerolog.Logger
}

// Locate returns the agent's endpoint. If the window is missing the
// Starter is run once and the lookup repeated; a second miss is
// ErrAgentUnavailable.
func (l Locator) Locate(ctx context.Context) (Endpoint, error) {
	class, title := l.Class, l.Title
	if class == "" {
		class = DefaultWindowClass
	}
	if title == "" {
		title = DefaultWindowTitle
	}

	endpoint, found, err := l.Finder.FindWindow(class, title)
	if err != nil {
		return 0, fmt.Errorf("failed to look up agent window %q: %w", title, err)
	}
	if found {
		l.Logger.Debug().Uint64("endpoint", uint64(endpoint)).Msg("found agent window")
		return endpoint, nil
	}

	l.Logger.Info().Str("window", title).Msg("agent window not found, starting agent")
	if l.Starter != nil {
		err = l.Starter.Start(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to start agent: %w", err)
		}
	}

	endpoint, found, err = l.Finder.FindWindow(class, title)
	if err != nil {
		return 0, fmt.Errorf("failed to look up agent window %q: %w", title, err)
	}
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrAgentUnavailable, title)
	}

	l.Logger.Debug().Uint64("endpoint", uint64(endpoint)).Msg("found agent window after start")
	return endpoint, nil
}
