// Package cli implements mediaqctl, the client used by shell hooks and
// operators to drive a running mediaqd.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mediaq/internal/control"
	"mediaq/internal/jobs"
	"mediaq/pkg/systemd"
)

const (
	envAddr  = "MEDIAQ_ADDR"
	envToken = "MEDIAQ_TOKEN"
)

type globals struct {
	addr    string
	token   string
	timeout time.Duration
	json    bool
}

func (g *globals) client() *control.Client {
	addr := g.addr
	if addr == "" {
		addr = os.Getenv(envAddr)
	}
	token := g.token
	if token == "" {
		token = os.Getenv(envToken)
	}
	return control.NewClient(addr, token)
}

func (g *globals) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), g.timeout)
}

// NewRootCmd builds the mediaqctl command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "mediaqctl",
		Short: "Control a running mediaqd",
		Long: `mediaqctl submits media jobs to mediaqd and inspects its queue.

The daemon address and token default to $MEDIAQ_ADDR and $MEDIAQ_TOKEN.`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.addr, "addr", "", "control address (host:port or URL)")
	pf.StringVar(&g.token, "token", "", "bearer token")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout (0 = none)")
	pf.BoolVar(&g.json, "json", false, "Output as JSON")

	root.AddCommand(
		newSubmitCmd(g),
		newListCmd(g),
		newGetCmd(g),
		newCancelCmd(g),
		newRemoveCmd(g),
		newClearCmd(g),
		newLimitCmd(g),
		newOpsCmd(g),
		newStatsCmd(g),
		newEventsCmd(g),
		newDaemonCmd(),
	)
	return root
}

// Execute runs mediaqctl with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func newSubmitCmd(g *globals) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <kind> <input>...",
		Short: "Queue one job per input",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			if wait {
				// Waiting is bounded by the job, not the request timeout.
				cancel()
				ctx, cancel = context.WithCancel(cmd.Context())
			}
			defer cancel()
			c := g.client()
			ids := make([]string, 0, len(args)-1)
			for _, in := range args[1:] {
				id, err := c.Submit(ctx, args[0], in)
				if err != nil {
					return fmt.Errorf("submit %s: %w", in, err)
				}
				ids = append(ids, id)
			}
			if !wait {
				if g.json {
					return writeJSON(cmd.OutOrStdout(), ids)
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}
			recs := make([]jobs.Record, 0, len(ids))
			for _, id := range ids {
				rec, err := waitTerminal(ctx, c, id, 250*time.Millisecond)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			printJobs(cmd.OutOrStdout(), recs)
			for _, r := range recs {
				if r.Status != jobs.StatusCompleted {
					return fmt.Errorf("job %s %s", r.ID, r.Status)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the jobs to finish")
	return cmd
}

func waitTerminal(ctx context.Context, c *control.Client, id string, every time.Duration) (jobs.Record, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		rec, err := c.Get(ctx, id)
		if err != nil {
			return rec, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-t.C:
		}
	}
}

func newListCmd(g *globals) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			recs, err := g.client().List(ctx, jobs.Status(strings.ToLower(strings.TrimSpace(status))))
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			printJobs(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status (pending, running, completed, failed, cancelled)")
	return cmd
}

func newGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			rec, err := g.client().Get(ctx, args[0])
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %s\nkind:    %s\ninput:   %s\nstatus:  %s\ncreated: %s\n",
				rec.ID, rec.Kind, rec.Input, rec.Status, rec.CreatedAt.Format(time.RFC3339))
			if rec.Output != "" {
				fmt.Fprintf(out, "output:  %s\n", rec.Output)
			}
			if rec.Message != "" {
				fmt.Fprintf(out, "message: %s\n", rec.Message)
			}
			if rec.Error != "" {
				fmt.Fprintf(out, "error:   %s\n", rec.Error)
			}
			return nil
		},
	}
}

// eachID runs fn for every argument and stops at the first error.
func eachID(g *globals, verb string, fn func(*control.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>...",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			c := g.client()
			for _, id := range args {
				if err := fn(c, ctx, id); err != nil {
					return fmt.Errorf("%s %s: %w", verb, id, err)
				}
			}
			return nil
		},
	}
}

func newCancelCmd(g *globals) *cobra.Command {
	return eachID(g, "cancel", func(c *control.Client, ctx context.Context, id string) error { return c.Cancel(ctx, id) })
}

func newRemoveCmd(g *globals) *cobra.Command {
	return eachID(g, "remove", func(c *control.Client, ctx context.Context, id string) error { return c.Remove(ctx, id) })
}

func newClearCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every finished job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			n, err := g.client().ClearCompleted(ctx)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), control.ClearResponse{Removed: n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", n)
			return nil
		},
	}
}

func newLimitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "limit [n]",
		Short: "Show or set the concurrency limit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			c := g.client()
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("limit must be a positive integer, got %q", args[0])
				}
				if err := c.SetLimit(ctx, n); err != nil {
					return err
				}
			}
			snap, err := c.Snapshot(ctx)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), control.LimitRequest{Limit: snap.Limit})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "limit %d (running %d, pending %d)\n", snap.Limit, snap.Running, snap.Pending)
			return nil
		},
	}
}

func newOpsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ops [path]",
		Short: "List operations, or those that accept path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			var p string
			if len(args) == 1 {
				p = args[0]
			}
			ops, err := g.client().Operations(ctx, p)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), ops)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tACCEPTS\tDESCRIPTION")
			for _, d := range ops {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Kind, strings.Join(d.Accepts, " "), d.Description)
			}
			return tw.Flush()
		},
	}
}

func newStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show daemon statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			st, err := g.client().Stats(ctx)
			if err != nil {
				return err
			}
			// Always JSON; the sections are free-form.
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newEventsCmd(g *globals) *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow daemon events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return g.client().Events(cmd.Context(), typ, func(l control.EventLine) error {
				if g.json {
					return json.NewEncoder(out).Encode(l)
				}
				data, _ := json.Marshal(l.Data)
				_, err := fmt.Fprintf(out, "%s  %-22s %s\n", l.Time, l.Type, data)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Only events whose type starts with this prefix")
	return cmd
}

func newDaemonCmd() *cobra.Command {
	var (
		unit   string
		system bool
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the mediaqd systemd unit",
	}
	// withManager opens a manager connection for one subcommand.
	withManager := func(fn func(*cobra.Command, *systemd.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			m, err := systemd.Connect(cmd.Context(), !system)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(cmd, m)
		}
	}
	verb := func(name, short string, fn func(*systemd.Manager, context.Context, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: withManager(func(cmd *cobra.Command, m *systemd.Manager) error {
				return fn(m, cmd.Context(), unit)
			}),
		}
	}
	cmd.AddCommand(
		verb("start", "Start the unit", (*systemd.Manager).Start),
		verb("stop", "Stop the unit", (*systemd.Manager).Stop),
		verb("restart", "Restart the unit", (*systemd.Manager).Restart),
		&cobra.Command{
			Use:   "status",
			Short: "Show the unit state",
			Args:  cobra.NoArgs,
			RunE: withManager(func(cmd *cobra.Command, m *systemd.Manager) error {
				st, err := m.Status(cmd.Context(), unit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %s (%s)\n", st.Name, st.Active, st.SubState)
				switch {
				case st.Active == "active" && !st.ActiveSince.IsZero():
					fmt.Fprintf(out, "since %s\n", st.ActiveSince.Format(time.RFC3339))
				case st.Active != "active" && !st.InactiveSince.IsZero():
					fmt.Fprintf(out, "down since %s\n", st.InactiveSince.Format(time.RFC3339))
				}
				return nil
			}),
		},
	)
	cmd.PersistentFlags().StringVar(&unit, "unit", "mediaqd", "systemd unit name")
	cmd.PersistentFlags().BoolVar(&system, "system", false, "Use the system manager instead of the user manager")
	return cmd
}

func printJobs(w io.Writer, recs []jobs.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tINPUT\tRESULT")
	for _, r := range recs {
		res := r.Output
		if r.Error != "" {
			res = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.Status, r.Input, res)
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
