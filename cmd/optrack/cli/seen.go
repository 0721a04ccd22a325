package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"optrack/internal/idset"
)

func (a *app) newSeenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seen",
		Short: "Inspect and edit per-source seen-sets",
	}
	cmd.AddCommand(a.newSeenListCmd(), a.newSeenIDsCmd(), a.newSeenAddCmd())
	return cmd
}

func (a *app) newSeenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sources with their seen-id counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.newTracker()
			if err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if outputFormat(cmd) == "json" {
				out := make(map[string]int)
				for _, s := range tr.Sources() {
					out[s] = tr.Count(s)
				}
				return p.json(out)
			}
			var rows [][]string
			for _, s := range tr.Sources() {
				rows = append(rows, []string{s, formatInt(tr.Count(s))})
			}
			return p.rows([]string{"SOURCE", "SEEN"}, rows)
		},
	}
}

func (a *app) newSeenIDsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ids",
		Short: "Print the seen ids of a source, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				return errors.New("--source is required")
			}
			tr, err := a.newTracker()
			if err != nil {
				return err
			}
			ids := tr.IDs(source).Sorted()
			if outputFormat(cmd) == "json" {
				return newPrinter("json", cmd.OutOrStdout()).json(ids)
			}
			for _, id := range ids {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().String("source", "", "source name")
	return cmd
}

func (a *app) newSeenAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id>...",
		Short: "Mark ids as seen without reconciling",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				return errors.New("--source is required")
			}
			tr, err := a.newTracker()
			if err != nil {
				return err
			}
			added, err := tr.Add(source, idset.Of(args...))
			if err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if outputFormat(cmd) == "json" {
				return p.json(map[string]any{"source": source, "added": added, "count": tr.Count(source)})
			}
			p.kv([][2]string{
				{"Source", source},
				{"Added", formatInt(added)},
				{"Seen", formatInt(tr.Count(source))},
			})
			return nil
		},
	}
	cmd.Flags().String("source", "", "source name")
	return cmd
}
