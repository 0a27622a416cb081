// Command courier is the courier CLI client.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/GoCodeAlone/courier/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var serverURL, token string
	flags := pflag.NewFlagSet("courier", pflag.ContinueOnError)
	flags.StringVarP(&serverURL, "server", "s", envOr("COURIER_SERVER", defaultServer), "courier server URL (or $COURIER_SERVER)")
	flags.StringVarP(&token, "token", "t", os.Getenv("COURIER_TOKEN"), "JWT auth token (or $COURIER_TOKEN)")
	flags.Usage = func() { usage(flags) }
	flags.SetInterspersed(false)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		usage(flags)
		return errors.New("no command given")
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(serverURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Out:        out,
	}
	return cli.dispatch(rest[0], rest[1:])
}

func (c *Client) dispatch(cmd string, args []string) error {
	switch cmd {
	case "version":
		fmt.Fprintf(c.Out, "courier %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
		return nil
	case "login":
		return c.cmdLogin(args)
	case "status":
		return c.cmdStatus()
	case "agents":
		return c.cmdAgents()
	case "agent":
		return c.cmdAgent(args)
	case "activate", "deactivate":
		return c.cmdSetActive(cmd, args)
	case "send":
		return c.cmdSend(args)
	case "messages":
		return c.cmdMessages(args)
	case "conversation":
		return c.cmdConversation(args)
	case "policies":
		return c.cmdPolicies()
	case "enable", "disable":
		return c.cmdSetPolicy(cmd, args)
	case "violations":
		return c.cmdViolations(args)
	case "metrics":
		return c.cmdMetrics(args)
	}
	return fmt.Errorf("unknown command: %s", cmd)
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `courier: command-line client for the courier daemon

Usage:
  courier [flags] <command> [args]

Flags:
%s
Commands:
  version                               print version
  login <user> <password>               obtain a token
  status                                show server status
  agents                                list agents
  agent <name>                          show one agent
  activate <name>                       activate an agent
  deactivate <name>                     deactivate an agent
  send <sender> <recipient> <payload>   queue a message
  messages [--sender] [--recipient]     list recent messages
  conversation <a> <b>                  show messages between two agents
  policies                              list policies
  enable <policy>                       enable a policy
  disable <policy>                      disable a policy
  violations [--policy]                 list recent policy violations
  metrics [--agent]                     show per-agent metrics
`, flags.FlagUsages())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
