package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"report-scheduler/internal/client"
	"report-scheduler/internal/errs"
)

type globals struct {
	api     string
	owner   string
	timeout time.Duration
	asJSON  bool
}

func (g *globals) client() *client.Client {
	return client.New(g.api, g.owner, g.timeout)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "schedctl",
		Short: "Register and inspect scheduled SQL report jobs",
		Long: `schedctl talks to the report scheduler API.

Examples:
  schedctl register --name daily-sales --due +10m --query-file sales.sql
  schedctl ls --all
  schedctl status 42
  schedctl logs 42
  schedctl kill 42`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.api, "api", envOr("SCHEDCTL_API", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&g.owner, "owner", envOr("SCHEDCTL_OWNER", os.Getenv("USER")), "owner sent as X-Owner")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&g.asJSON, "json", false, "print raw JSON")

	root.AddCommand(registerCmd(g), statusCmd(g), killCmd(g), lsCmd(g), logsCmd(g))
	return root
}

func registerCmd(g *globals) *cobra.Command {
	var name, due, query, queryFile string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a report job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, err := parseDue(due, time.Now())
			if err != nil {
				return err
			}
			if queryFile != "" {
				raw, err := readQuery(queryFile, cmd.InOrStdin())
				if err != nil {
					return err
				}
				query = raw
			}
			id, err := g.client().Register(cmd.Context(), name, when, query)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": id})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered job %d due %s\n", id, when.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&due, "due", "now", "due time: RFC3339, +duration or now")
	cmd.Flags().StringVar(&query, "query", "", "SQL text")
	cmd.Flags().StringVar(&queryFile, "query-file", "", "read SQL from file (- for stdin)")
	_ = cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("query", "query-file")
	return cmd
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show a job's status and latest log message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			v, err := g.client().Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), v)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "id:      %d\nname:    %s\nowner:   %s\ndue:     %s\nstatus:  %s\n",
				v.ID, v.Name, v.Owner, v.DueTime.Local().Format(time.RFC3339), v.Status)
			if v.Detail != "" {
				fmt.Fprintf(w, "detail:  %s\n", v.Detail)
			}
			return nil
		},
	}
}

func killCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "kill ID",
		Short: "Kill a registered or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := g.client().Kill(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d killed\n", id)
			return nil
		},
	}
}

func lsCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := g.client().List(cmd.Context(), all)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tOWNER\tDUE\tSTATUS")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", j.ID, j.Name, j.Owner, j.DueTime.Local().Format("2006-01-02 15:04:05"), j.Status)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include other owners")
	return cmd
}

func logsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logs ID",
		Short: "Show a job's execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			logs, err := g.client().Logs(cmd.Context(), id)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), logs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTATUS\tRUN\tMESSAGE")
			for _, e := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.LogTime.Local().Format("2006-01-02 15:04:05"), e.Status, shortRun(e.RunID), e.Message)
			}
			return tw.Flush()
		},
	}
}

// parseDue accepts "now", "+90s" style offsets and RFC3339 timestamps.
func parseDue(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "now":
		return now, nil
	case strings.HasPrefix(s, "+"):
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, errs.Wrapf(err, "parse --due %q", s)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errs.WithHint(errs.Wrapf(err, "parse --due %q", s), "use RFC3339, +duration or now")
	}
	return t, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Newf("invalid job id %q", s)
	}
	return id, nil
}

func readQuery(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		raw, err := io.ReadAll(stdin)
		return string(raw), errs.Wrap(err, "read stdin")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Wrapf(err, "read %s", path)
	}
	return string(raw), nil
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
