package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-winrmexec/history"
	"github.com/smnsjas/go-winrmexec/internal/config"
	"github.com/smnsjas/go-winrmexec/internal/output"
)

func newHistoryCommand() *cobra.Command {
	var (
		dbPath     string
		sessionID  string
		limit      int
		pruneAfter time.Duration
		format     string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded invocations",
		Example: `  winrm-exec history --limit 10
  winrm-exec history --session 6f1c0e1a-... -o json
  winrm-exec history --prune-older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return err
			}
			store, err := openHistory(cmd, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if pruneAfter > 0 {
				n, err := store.Prune(cmd.Context(), time.Now().Add(-pruneAfter))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d records\n", n)
			}

			var recs []history.Record
			if sessionID != "" {
				recs, err = store.BySession(cmd.Context(), sessionID, limit)
			} else {
				recs, err = store.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			return output.Print(cmd.OutOrStdout(), f, recs, len(recs) == 0, "No invocations recorded.", historyTable(recs))
		},
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "history database (default history.path)")
	cmd.Flags().StringVar(&sessionID, "session", "", "only list invocations of this session")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to list, 0 for all")
	cmd.Flags().DurationVar(&pruneAfter, "prune-older-than", 0, "delete records started longer ago than this first")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table, json or yaml")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <invocation-id>",
		Short: "Print the output and errors of one invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			output, err := rec.DecodeOutput()
			if err != nil {
				return err
			}
			errs, err := rec.DecodeErrors()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %s\n", rec.InvocationID, rec.State, rec.Command)
			for _, v := range output {
				fmt.Fprintln(cmd.OutOrStdout(), formatValue(v))
			}
			for _, e := range errs {
				fmt.Fprintln(cmd.ErrOrStderr(), e.String())
			}
			return nil
		},
	})
	return cmd
}

// openHistory opens --db, or history.path from the configuration.
func openHistory(cmd *cobra.Command, dbPath string) (*history.Store, error) {
	if dbPath == "" {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		dbPath = cfg.History.Path
	}
	return history.Open(dbPath)
}

// historyTable renders records as a table.
type historyTable []history.Record

// Headers implements output.TableRenderer.
func (h historyTable) Headers() []string {
	return []string{"INVOCATION", "SESSION", "STATE", "STARTED", "DURATION", "COMMAND"}
}

// Rows implements output.TableRenderer.
func (h historyTable) Rows() [][]string {
	rows := make([][]string, 0, len(h))
	for _, r := range h {
		rows = append(rows, []string{
			r.InvocationID,
			r.SessionID,
			r.State,
			r.StartedAt.Local().Format(time.DateTime),
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
			truncate(r.Command, 60),
		})
	}
	return rows
}

// truncate shortens s to n runes on one line.
func truncate(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\r' {
			r = append(r[:i:i], []rune(" ...")...)
			break
		}
	}
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return string(r)
}
