package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	types "github.com/sebas/agentline/api/types/v1"
	"github.com/sebas/agentline/internal/api/client"
)

const usage = `Usage: agentlinectl [--addr URL] <command> [args]

Commands:
  health              daemon health
  agents [category]   list callable agents
  status              current call state
  call <agent>        start a call, ending the current one first
  hangup              end the current call
  watch               stream call state changes
`

func main() {
	flags := pflag.NewFlagSet("agentlinectl", pflag.ContinueOnError)
	addr := flags.String("addr", envOr("AGENTLINE_ADDR", "http://localhost:8080"), "agentline API base URL")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.NewClient(*addr)
	if err := run(ctx, c, os.Stdout, flags.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
	switch cmd := args[0]; cmd {
	case "health":
		health, err := c.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (up %ds)\n", health.Status, health.Uptime)
	case "agents":
		category := ""
		if len(args) > 1 {
			category = args[1]
		}
		agents, err := c.Agents(ctx, category)
		if err != nil {
			return err
		}
		printAgents(out, agents.Agents)
	case "status":
		state, err := c.Call(ctx)
		if err != nil {
			return err
		}
		printState(out, *state)
	case "call":
		if len(args) < 2 {
			return fmt.Errorf("call: agent code required")
		}
		state, err := c.StartCall(ctx, args[1])
		if err != nil {
			return err
		}
		printState(out, *state)
	case "hangup":
		state, err := c.EndCall(ctx)
		if err != nil {
			return err
		}
		printState(out, *state)
	case "watch":
		err := c.Watch(ctx, func(state types.CallState) bool {
			printState(out, state)
			return true
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func printAgents(out io.Writer, agents []types.Agent) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tCATEGORY\tTAGS")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Code, a.Name, a.Category, strings.Join(a.Tags, ", "))
	}
	w.Flush()
}

func printState(out io.Writer, s types.CallState) {
	line := s.Phase
	if s.AgentID != "" {
		line += " agent=" + s.AgentID
	}
	if s.BusyAgentID != "" {
		line += " busy=" + s.BusyAgentID
	}
	if s.CallID != "" {
		line += " call_id=" + s.CallID
	}
	if s.Live && s.ConnectedAt != "" {
		line += fmt.Sprintf(" duration=%ds", s.Duration)
	}
	if s.MicError != "" {
		line += " mic_error=" + s.MicError
	}
	if s.LastError != "" {
		line += " last_error=" + s.LastError
	}
	fmt.Fprintln(out, line)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
