// Command sessiontun-agent is the remote side of the tunnel. It is started
// inside an interactive session by the driver and bridges a local TUN
// device to its own stdin/stdout. All logging goes to stderr or a file;
// stdout carries only tunnel frames.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/irctrakz/sessiontun/pkg/channel"
	"github.com/irctrakz/sessiontun/pkg/logging"
	"github.com/irctrakz/sessiontun/pkg/tunnel"
)

var (
	flagIdleTimeout int
	flagKeepalive   int
	flagNAT         bool
	flagLogFile     string
	flagVerbose     bool
)

func main() {
	code := 0

	root := &cobra.Command{
		Use:   "sessiontun-agent",
		Short: "remote tunnel agent speaking frames over stdin/stdout",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			code = run()
		},
		SilenceUsage: true,
	}

	root.Flags().IntVar(&flagIdleTimeout, "idle-timeout", 60, "exit after this many seconds without input")
	root.Flags().IntVar(&flagKeepalive, "keepalive", 10, "outbound-idle seconds before a keepalive frame")
	root.Flags().BoolVar(&flagNAT, "nat", false, "enable IPv4 forwarding and masquerade tunnel traffic")
	root.Flags().StringVar(&flagLogFile, "log-file", "", "log file path")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(code)
}

func run() int {
	if flagVerbose {
		logging.SetLevel(logging.DebugLevel)
	}
	if flagLogFile != "" {
		dir, file := filepath.Split(flagLogFile)
		if dir == "" {
			dir = "."
		}
		if err := logging.EnableFileLogging(dir, file, 10, 3, 7); err != nil {
			logging.Warnf("file logging unavailable: %v", err)
		}
	}

	agent, err := tunnel.NewAgent(tunnel.AgentOptions{
		Transport:   channel.Stdio(),
		Keepalive:   time.Duration(flagKeepalive) * time.Second,
		IdleTimeout: time.Duration(flagIdleTimeout) * time.Second,
		EnableNAT:   flagNAT,
	})
	if err != nil {
		logging.Errorf("%v", err)
		return 1
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		logging.Infof("received %s, shutting down", sig)
		stopOnce.Do(func() { close(stop) })
	}()

	if err := agent.Run(stop); err != nil {
		logging.Errorf("agent failed: %v", err)
		return 1
	}
	return 0
}
