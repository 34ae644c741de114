package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/moby/term"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ryanmoran/agentrelay/internal"
	"github.com/ryanmoran/agentrelay/internal/gpg"
	"github.com/ryanmoran/agentrelay/internal/pageant"
	"github.com/ryanmoran/agentrelay/internal/version"
)

func main() {
	stdin, stdout, stderr := term.StdStreams()
	w := internal.NewCustomWriter(stdout, stderr)

	defer func() {
		if r := recover(); r != nil {
			w.Errorf("panic occurred: %v", r)
			os.Exit(1)
		}
	}()

	if err := run(os.Args, os.Environ(), stdin, stdout, stderr); err != nil {
		w.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(args, env []string, stdin io.Reader, stdout, stderr io.Writer) error {
	w := internal.NewCustomWriter(stdout, stderr)

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	config, err := internal.ParseConfig(args[1:], env, executable)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid arguments: %w\nUsage: %s --gpg [socket-file] | --ssh", err, args[0])
	}

	if config.ShowVersion {
		w.Println(version.String("agentrelay"))
		return nil
	}

	cleanupMgr := internal.NewCleanupManager()

	logger, closeLog, err := internal.NewLogger(config)
	if err != nil {
		return fmt.Errorf("failed to set up debug log: %w\nCheck that the directory of %q is writable", err, config.LogFile)
	}
	cleanupMgr.Add("log-file", closeLog)
	defer cleanupMgr.Execute(logger)

	logger.Debug().
		Str("version", version.String("agentrelay")).
		Str("config", config.ConfigFile).
		Msg("starting")

	if _, isTerminal := term.GetFdInfo(stdin); isTerminal {
		w.Warningf("stdin is a terminal; agentrelay expects to be driven by an agent client")
	}

	// Create context with cancellation for proper goroutine cleanup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals to cancel context and cleanup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("interrupted")
			cancel()
			// A second signal terminates the process even while stdin blocks.
			signal.Stop(sigChan)
		case <-ctx.Done():
		}
	}()

	switch config.Mode {
	case internal.ModeGPG:
		return runGPG(ctx, config, logger, stdin, stdout, stderr)
	case internal.ModeSSH:
		return runSSH(ctx, config, logger, stdin, stdout, stderr)
	default:
		return internal.ErrModeRequired
	}
}

func runGPG(ctx context.Context, config internal.Config, logger zerolog.Logger, stdin io.Reader, stdout, stderr io.Writer) error {
	bridge := gpg.Bridge{
		SocketPath:   config.SocketPath,
		Dialer:       &net.Dialer{},
		DrainTimeout: config.DrainTimeout,
		Logger:       logger,
	}
	if config.AutoStart {
		bridge.Starter = pageant.NewCommandStarter(config.StartCommand, stderr)
	}

	logger.Debug().Str("socket", config.SocketPath).Msg("connecting to gpg-agent")
	stats, err := bridge.Run(ctx, stdin, stdout)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w\nMake sure gpg-agent is running (try 'gpg-connect-agent /bye') and GNUPGHOME is correct", err)
	}
	if err != nil {
		return fmt.Errorf("gpg-agent relay failed: %w", err)
	}
	logger.Debug().Int64("sent", stats.Sent).Int64("received", stats.Received).Msg("relay finished")

	return nil
}

func runSSH(ctx context.Context, config internal.Config, logger zerolog.Logger, stdin io.Reader, stdout, stderr io.Writer) error {
	locator := pageant.Locator{
		Finder: pageant.NewWindowFinder(),
		Class:  config.AgentWindow,
		Title:  config.AgentWindow,
		Logger: logger,
	}
	if config.AutoStart {
		locator.Starter = pageant.NewCommandStarter(config.StartCommand, stderr)
	}

	endpoint, err := locator.Locate(ctx)
	if err != nil {
		return fmt.Errorf("%w\nMake sure gpg-agent runs with enable-putty-support (or Pageant is started)", err)
	}

	out := bufio.NewWriterSize(stdout, pageant.MaxMessageLength)
	loop := pageant.Loop{
		Client: pageant.Client{
			Transport: pageant.NewTransport(),
			Timeout:   config.IPCTimeout,
			Logger:    logger,
		},
		Endpoint: endpoint,
		Logger:   logger,
	}

	err = loop.Run(ctx, stdin, out)
	if err != nil {
		return fmt.Errorf("ssh agent relay failed: %w", err)
	}

	return nil
}
