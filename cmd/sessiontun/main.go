// Command sessiontun establishes an IP tunnel over an interactive session
// opened by an external command. The session command is given after "--";
// its stdin/stdout become the tunnel channel and the remote agent is
// started inside it.
//
//	sessiontun --route 10.0.0.0/16 -- aws ssm start-session --target i-1234567890abcdef0
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/irctrakz/sessiontun/pkg/channel"
	"github.com/irctrakz/sessiontun/pkg/config"
	"github.com/irctrakz/sessiontun/pkg/logging"
	"github.com/irctrakz/sessiontun/pkg/tunnel"
)

const (
	exitOK               = 0
	exitFatal            = 1
	exitHandshakeTimeout = 2
	exitChannelClosed    = 3
)

var (
	flagConfig   string
	flagCIDR     string
	flagLocalIP  string
	flagRemoteIP string
	flagMTU      int
	flagRoutes   []string
	flagUpDown   string
	flagAgentCmd string
	flagReadyPat string
	flagNoStats  bool
	flagLogLevel string
	flagLogFile  string
)

func main() {
	code := exitOK

	root := &cobra.Command{
		Use:   "sessiontun [flags] -- <session-command> [args...]",
		Short: "IP tunnel over an interactive session channel",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			code = run(args)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&flagConfig, "config", "c", "", "config file (yaml or json)")
	root.Flags().StringVar(&flagCIDR, "tunnel-cidr", "", "CIDR to assign the endpoint pair from")
	root.Flags().StringVar(&flagLocalIP, "local-ip", "", "explicit local tunnel address")
	root.Flags().StringVar(&flagRemoteIP, "remote-ip", "", "explicit remote tunnel address")
	root.Flags().IntVar(&flagMTU, "mtu", 0, "tunnel MTU")
	root.Flags().StringArrayVarP(&flagRoutes, "route", "r", nil, "CIDR to route through the tunnel (repeatable)")
	root.Flags().StringVar(&flagUpDown, "up-down", "", "script run with up/down around the tunnel lifetime")
	root.Flags().StringVar(&flagAgentCmd, "agent-command", "", "remote command that starts the tunnel agent")
	root.Flags().StringVar(&flagReadyPat, "ready-pattern", "", "regexp matched against session output before use")
	root.Flags().BoolVar(&flagNoStats, "no-stats", false, "disable the live statistics line")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.Flags().StringVar(&flagLogFile, "log-file", "", "log file path")

	if err := root.Execute(); err != nil {
		os.Exit(exitFatal)
	}
	os.Exit(code)
}

func run(sessionArgs []string) int {
	cfg := config.DefaultConfig()
	if flagConfig != "" {
		if err := config.LoadFromFile(flagConfig, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "sessiontun: %v\n", err)
			return exitFatal
		}
	}
	config.LoadFromEnv(cfg)
	applyFlags(cfg, sessionArgs)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "sessiontun: %v\n", err)
		return exitFatal
	}
	if err := cfg.ApplyLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "sessiontun: %v\n", err)
		return exitFatal
	}

	local, remote, err := cfg.Tunnel.EndpointPair()
	if err != nil {
		logging.Errorf("%v", err)
		return exitFatal
	}

	var readyPat *regexp.Regexp
	if cfg.Session.ReadyPattern != "" {
		readyPat, err = regexp.Compile(cfg.Session.ReadyPattern)
		if err != nil {
			logging.Errorf("bad ready pattern: %v", err)
			return exitFatal
		}
	}

	driver, err := tunnel.NewDriver(tunnel.DriverOptions{
		LocalIP:  local,
		RemoteIP: remote,
		MTU:      cfg.Tunnel.MTU,
		Routes:   cfg.Tunnel.Routes,
		StartTransport: func() (channel.Transport, error) {
			ch := channel.NewProcess(channel.ProcessConfig{
				Command:      cfg.Session.Command,
				Args:         cfg.Session.Args,
				ReadyPattern: readyPat,
				ReadyTimeout: cfg.Session.ReadyTimeout(),
			})
			if err := ch.Start(); err != nil {
				return nil, err
			}
			return ch, nil
		},
		AgentCommand:         cfg.Session.AgentCommand,
		HandshakeTimeout:     cfg.Tunnel.HandshakeTimeout(),
		Keepalive:            cfg.Tunnel.Keepalive(),
		DegradedWindow:       cfg.Tunnel.DegradedWindow(),
		DecodeErrorThreshold: cfg.Tunnel.DecodeErrorThreshold,
		UpDownScript:         cfg.Tunnel.UpDownScript,
	})
	if err != nil {
		logging.Errorf("%v", err)
		return exitFatal
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Infof("received %s, closing tunnel", sig)
		stopOnce.Do(func() { close(stop) })
	}()

	if !flagNoStats {
		reporter := tunnel.NewStatsReporter(driver.Session(),
			cfg.Tunnel.StatsWindow(), cfg.Tunnel.StatsRefresh(), os.Stdout)
		go reporter.Run(stop)
	}

	err = driver.Run(stop)
	stopOnce.Do(func() { close(stop) })
	// Give the stats line a moment to print its final newline.
	time.Sleep(50 * time.Millisecond)

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, tunnel.ErrHandshakeTimeout):
		logging.Errorf("%v", err)
		return exitHandshakeTimeout
	case errors.Is(err, channel.ErrChannelClosed):
		return exitChannelClosed
	default:
		logging.Errorf("tunnel failed: %v", err)
		return exitFatal
	}
}

// applyFlags layers command-line flags over the loaded configuration. The
// positional arguments are the session command.
func applyFlags(cfg *config.Config, sessionArgs []string) {
	cfg.Session.Command = sessionArgs[0]
	cfg.Session.Args = sessionArgs[1:]

	if flagCIDR != "" {
		cfg.Tunnel.CIDR = flagCIDR
	}
	if flagLocalIP != "" {
		cfg.Tunnel.LocalIP = flagLocalIP
	}
	if flagRemoteIP != "" {
		cfg.Tunnel.RemoteIP = flagRemoteIP
	}
	if flagMTU > 0 {
		cfg.Tunnel.MTU = flagMTU
	}
	if len(flagRoutes) > 0 {
		cfg.Tunnel.Routes = append(cfg.Tunnel.Routes, flagRoutes...)
	}
	if flagUpDown != "" {
		cfg.Tunnel.UpDownScript = flagUpDown
	}
	if flagAgentCmd != "" {
		cfg.Session.AgentCommand = flagAgentCmd
	}
	if flagReadyPat != "" {
		cfg.Session.ReadyPattern = flagReadyPat
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFile != "" {
		cfg.Logging.File = flagLogFile
	}
}
