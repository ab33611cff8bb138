package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/flowq/internal/protocol"
	"github.com/roach88/flowq/internal/querystate"
	"github.com/roach88/flowq/internal/server"
)

const dialTimeout = 10 * time.Second

// serverURL turns --addr into a websocket URL. A bare host:port is
// dialled as ws://host:port/.
func serverURL(addr string) string {
	switch {
	case addr == "":
		return DefaultAddr
	case strings.Contains(addr, "://"):
		return addr
	default:
		return "ws://" + strings.TrimSuffix(addr, "/") + "/"
	}
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// withClient dials the server, runs fn and closes the connection.
func withClient(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, c *server.Client, f *OutputFormatter) error) error {
	f := newFormatter(opts, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	url := serverURL(opts.Addr)
	f.VerboseLog("Dialing %s", url)
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	c, err := server.Dial(dialCtx, url)
	cancel()
	if err != nil {
		_ = f.Error(ErrCodeConnection, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer c.Close()

	return fn(ctx, c, f)
}

// call sends one request. Error replies are printed and returned as
// ExitFailure.
func call(ctx context.Context, c *server.Client, f *OutputFormatter, action string, params map[string]any) (protocol.Reply, error) {
	f.VerboseLog("-> %s %v", action, params)
	reply, err := c.Call(ctx, action, params)
	if err != nil {
		_ = f.Error(ErrCodeConnection, err.Error(), nil)
		return reply, WrapExitError(ExitCommandError, "call "+action, err)
	}
	f.VerboseLog("<- %s (request_id=%s)", reply.Status, reply.RequestID)
	if reply.Status == protocol.StatusError {
		printErrorReply(f, reply)
		return reply, NewExitError(ExitFailure, errorText(reply))
	}
	return reply, nil
}

// errorText is the message shown for an error reply. Validation failures
// carry no message, only field errors in data.
func errorText(reply protocol.Reply) string {
	if reply.Msg == "" {
		return "request rejected by server"
	}
	return reply.Msg
}

func printErrorReply(f *OutputFormatter, reply protocol.Reply) {
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status:    "error",
			Error:     &CLIError{Code: ErrCodeReply, Message: reply.Msg, Details: reply.Data},
			RequestID: reply.RequestID,
		})
		return
	}

	fmt.Fprintf(f.Writer, "Error: %s\n", errorText(reply))
	keys := make([]string, 0, len(reply.Data))
	for k := range reply.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(f.Writer, "  %s: %v\n", k, reply.Data[k])
	}
}

// printReply writes reply as a CLIResponse in JSON mode, or calls text.
func printReply(f *OutputFormatter, reply protocol.Reply, text func(w io.Writer) error) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status:    "ok",
			Data:      reply,
			RequestID: reply.RequestID,
		})
	}
	return text(f.Writer)
}

func writeIndented(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// NewPingCommand creates the ping command.
func NewPingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "ping",
		Short:         "Check that the server is responding",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *server.Client, f *OutputFormatter) error {
				reply, err := call(ctx, c, f, "ping", nil)
				if err != nil {
					return err
				}
				return printReply(f, reply, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, reply.Msg)
					return err
				})
			})
		},
	}
}

// NewQueriesCommand creates the queries command.
func NewQueriesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "queries",
		Short:         "List the query kinds the server accepts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *server.Client, f *OutputFormatter) error {
				reply, err := call(ctx, c, f, "get_available_queries", nil)
				if err != nil {
					return err
				}
				return printReply(f, reply, func(w io.Writer) error {
					kinds, _ := reply.Data["available_queries"].([]any)
					for _, k := range kinds {
						fmt.Fprintln(w, k)
					}
					return nil
				})
			})
		},
	}
}

// NewSchemasCommand creates the schemas command.
func NewSchemasCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "schemas",
		Short:         "Print the JSON schema of every query kind",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *server.Client, f *OutputFormatter) error {
				reply, err := call(ctx, c, f, "get_query_schemas", nil)
				if err != nil {
					return err
				}
				return printReply(f, reply, func(w io.Writer) error {
					return writeIndented(w, reply.Data["query_schemas"])
				})
			})
		},
	}
}

// WaitOptions controls polling until a query settles.
type WaitOptions struct {
	Wait     bool
	Interval time.Duration
	Timeout  time.Duration
}

func (o *WaitOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.Wait, "wait", false, "poll until the query is completed or errored")
	cmd.Flags().DurationVar(&o.Interval, "interval", 500*time.Millisecond, "poll interval with --wait")
	cmd.Flags().DurationVar(&o.Timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	WaitOptions
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <spec.json|->",
		Short: "Run a query on the server",
		Long: `Send a query specification to the server with run_query.

The server replies with the query id straight away; materialization
continues in the background. Use --wait, or "flowq poll --wait", to block
until the query settles.

Examples:
  flowq run spec.json
  flowq run --wait --addr 10.0.0.5:5555 spec.json
  echo '{"query_kind":"dummy_query","dummy_param":"x"}' | flowq run -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readSpec(args[0], cmd.InOrStdin())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load specification", err)
			}
			return withClient(cmd, rootOpts, func(ctx context.Context, c *server.Client, f *OutputFormatter) error {
				reply, err := call(ctx, c, f, "run_query", raw)
				if err != nil {
					return err
				}
				id, _ := reply.Data["query_id"].(string)
				if opts.Wait {
					return waitFor(ctx, c, f, id, opts.WaitOptions)
				}
				return printReply(f, reply, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, id)
					return err
				})
			})
		},
	}
	opts.addFlags(cmd)

	return cmd
}

// PollOptions holds flags for the poll command.
type PollOptions struct {
	*RootOptions
	WaitOptions
}

// NewPollCommand creates the poll command.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PollOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "poll <query-id>",
		Short: "Show the state of a query",
		Long: `Show the state of a query: unknown, queued, running, completed or errored.

With --wait the command polls until the query is completed or errored, and
exits with code 1 if it errored.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *server.Client, f *OutputFormatter) error {
				if opts.Wait {
					return waitFor(ctx, c, f, args[0], opts.WaitOptions)
				}
				reply, err := call(ctx, c, f, "poll_query", map[string]any{"query_id": args[0]})
				if err != nil {
					return err
				}
				return printReply(f, reply, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s %v\n", args[0], reply.Data["query_state"])
					return err
				})
			})
		},
	}
	opts.addFlags(cmd)

	return cmd
}

// waitFor polls id until it is completed or errored, then prints the
// last reply. An errored query is an ExitFailure.
func waitFor(ctx context.Context, c *server.Client, f *OutputFormatter, id string, opts WaitOptions) error {
	// Calls use ctx; the timeout only bounds the wait between polls.
	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		reply, err := call(ctx, c, f, "poll_query", map[string]any{"query_id": id})
		if err != nil {
			return err
		}
		state, _ := reply.Data["query_state"].(string)
		if querystate.IsTerminal(querystate.State(state)) {
			if err := printReply(f, reply, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %s\n", id, state)
				return err
			}); err != nil {
				return err
			}
			if state == string(querystate.Errored) {
				return NewExitError(ExitFailure, fmt.Sprintf("query %s errored", id))
			}
			return nil
		}
		f.VerboseLog("%s is %s", id, state)

		select {
		case <-waitCtx.Done():
			_ = f.Error(ErrCodeGeneric, fmt.Sprintf("gave up waiting for %s (state %s)", id, state), nil)
			return WrapExitError(ExitFailure, "wait for "+id, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// NewParamsCommand creates the params command.
func NewParamsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "params <query-id>",
		Short:         "Print the stored specification of a query",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *server.Client, f *OutputFormatter) error {
				reply, err := call(ctx, c, f, "get_query_params", map[string]any{"query_id": args[0]})
				if err != nil {
					return err
				}
				return printReply(f, reply, func(w io.Writer) error {
					return writeIndented(w, reply.Data["query_params"])
				})
			})
		},
	}
}

// NewSQLCommand creates the sql command.
func NewSQLCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sql <query-id>",
		Short:         "Print the SQL that reads a completed query's result",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *server.Client, f *OutputFormatter) error {
				reply, err := call(ctx, c, f, "get_sql_for_query_result", map[string]any{"query_id": args[0]})
				if err != nil {
					return err
				}
				return printReply(f, reply, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, reply.Data["sql"])
					return err
				})
			})
		},
	}
}
