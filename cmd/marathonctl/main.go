// Package main implements marathonctl, the CLI for the marathond HTTP API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/marathon/internal/events"
	"github.com/fyrsmithlabs/marathon/internal/graph"
)

// version information (set via ldflags during build)
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options holds the persistent flags shared by every command.
type options struct {
	serverURL string
	timeout   time.Duration
}

func (o *options) client() *client {
	return newClient(o.serverURL, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "marathonctl",
		Short: "CLI for the marathon orchestrator",
		Long: `marathonctl drives a running marathond over its HTTP API.
It starts and stops tasks and shows their phases, transcripts and memory.`,
		Version:      version,
		SilenceUsage: true,
	}

	serverDefault := "http://localhost:9090"
	if env := os.Getenv("MARATHON_SERVER_URL"); env != "" {
		serverDefault = env
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", serverDefault, "marathond server URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(opts),
		newStatusCmd(opts),
		newStartCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newStopCmd(opts),
		newEvictCmd(opts),
		newMessagesCmd(opts),
		newThreadCmd(opts),
		newMemoryCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check marathond health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.client().health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server services and task counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.client().status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderServerStatus(resp))
			return nil
		},
	}
}

func newStartCmd(opts *options) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start <description>",
		Short: "Start a task",
		Long: `Start a task and print its id.

Examples:
  # Start and return immediately
  marathonctl start "Design a rate limiter"

  # Start and block until the task finishes
  marathonctl start --wait "Design a rate limiter"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			task, err := c.start(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), task.ID)
				return nil
			}
			done, err := c.wait(cmd.Context(), task.ID, interval)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTask(done, false))
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the task to finish")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "polling interval with --wait")
	return cmd
}

func newListCmd(opts *options) *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.client().list(cmd.Context(), archived)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTaskList(resp))
			return nil
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived tasks")
	return cmd
}

func newShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTask(resp.Task, resp.Archived))
			return nil
		},
	}
}

func newStopCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Request cancellation of a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := opts.client().stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for %s (%s)\n", task.ID, renderStatus(string(task.Status)))
			return nil
		},
	}
}

func newEvictCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "evict <task-id>",
		Short: "Drop a finished task from the server's memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().evict(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %s\n", args[0])
			return nil
		},
	}
}

func newMessagesCmd(opts *options) *cobra.Command {
	var (
		phase  int
		traces bool
	)
	cmd := &cobra.Command{
		Use:   "messages <task-id>",
		Short: "Print a task's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderMessages(filterPhase(resp.Messages, phase), traces))
			return nil
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "only show this phase")
	cmd.Flags().BoolVar(&traces, "traces", false, "include thought traces")
	return cmd
}

func filterPhase(msgs []graph.Message, phase int) []graph.Message {
	if phase <= 0 {
		return msgs
	}
	out := make([]graph.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Phase == phase {
			out = append(out, m)
		}
	}
	return out
}

func newThreadCmd(opts *options) *cobra.Command {
	var traces bool
	cmd := &cobra.Command{
		Use:   "thread <message-id>",
		Short: "Print the thread rooted at a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().thread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderMessages(resp.Messages, traces))
			return nil
		},
	}
	cmd.Flags().BoolVar(&traces, "traces", false, "include thought traces")
	return cmd
}

func newMemoryCmd(opts *options) *cobra.Command {
	var before int
	cmd := &cobra.Command{
		Use:   "memory <task-id>",
		Short: "Show a task's memory and compressed context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().memory(cmd.Context(), args[0], before)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderMemory(resp))
			return nil
		},
	}
	cmd.Flags().IntVar(&before, "before", 0, "render the context as seen before this phase")
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's events until it finishes",
		Long: `Stream a task's events until it finishes.

Requires marathond to run with events enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.client().events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer body.Close()
			return streamEvents(cmd.Context(), body, cmd.OutOrStdout())
		},
	}
}

// streamEvents prints every SSE data frame until the stream ends.
func streamEvents(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var env events.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		fmt.Fprintln(w, renderEnvelope(env))
		if env.Terminal() {
			return nil
		}
	}
	return scanner.Err()
}
