package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
	"github.com/hyperengineering/foundry/pkg/tracker"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var createFile string

var partsCmd = &cobra.Command{
	Use:   "parts",
	Short: "Inspect and manage parts",
	Long:  "List, show, create, and delete parts on a running Foundry server.",
}

var partsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all parts with their progress",
	Args:  cobra.NoArgs,
	RunE:  runPartsList,
}

var partsShowCmd = &cobra.Command{
	Use:   "show <part-id>",
	Short: "Show the progress tree of a part",
	Args:  cobra.ExactArgs(1),
	RunE:  runPartsShow,
}

var partsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a part from a YAML definition",
	Long:  "Create a part with its whole tree. The definition is read from --file, or stdin when --file is \"-\".",
	Args:  cobra.NoArgs,
	RunE:  runPartsCreate,
}

var partsDeleteCmd = &cobra.Command{
	Use:   "delete <part-id>",
	Short: "Delete a part and everything under it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPartsDelete,
}

func init() {
	partsCmd.PersistentFlags().StringVar(&serverOverride, "server", "",
		"Server URL (overrides config and FOUNDRY_SERVER_URL)")
	partsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
	partsCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false,
		"Do not read or write the local tooling cache")
	partsCreateCmd.Flags().StringVarP(&createFile, "file", "f", "-",
		"YAML part definition")

	partsCmd.AddCommand(partsListCmd)
	partsCmd.AddCommand(partsShowCmd)
	partsCmd.AddCommand(partsCreateCmd)
	partsCmd.AddCommand(partsDeleteCmd)
}

func runPartsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	env, err := resolveClient()
	if err != nil {
		return err
	}
	defer env.Close()

	board, err := tracker.OpenBoard(ctx, env.client, nil, env.opts)
	if err != nil {
		return fmt.Errorf("load parts: %w", err)
	}
	defer board.Close()

	ids := board.PartIDs()
	sort.Strings(ids)
	failed := board.Failed()

	if jsonOutput {
		items := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			s := board.Session(id)
			p := s.Part()
			items = append(items, map[string]any{
				"id":       p.ID,
				"name":     p.Name,
				"number":   p.Number,
				"customer": p.Customer,
				"progress": s.Rollup(),
			})
		}
		errs := make(map[string]string, len(failed))
		for id, err := range failed {
			errs[id] = err.Error()
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"parts":  items,
			"total":  len(items),
			"failed": errs,
		})
	}

	if len(ids) == 0 && len(failed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No parts found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tNUMBER\tNAME\tCUSTOMER\tPROGRESS")
	for _, id := range ids {
		s := board.Session(id)
		p := s.Part()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.ID, dash(p.Number), p.Name, dash(p.Customer), formatPercent(s.Rollup()))
	}
	w.Flush()

	for id, err := range failed {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed to load %s: %v\n", id, err)
	}
	return nil
}

func runPartsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	env, err := resolveClient()
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := tracker.OpenSession(ctx, env.client, args[0], env.opts)
	if err != nil {
		if tracker.IsNotFound(err) {
			return fmt.Errorf("part %q not found", args[0])
		}
		return err
	}
	defer s.Close()

	part, pp := s.Part(), s.Rollup()
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"part":     part,
			"progress": pp,
		})
	}
	printTree(cmd.OutOrStdout(), part, pp)
	return nil
}

// printTree renders a part's evaluated tree, one line per node.
func printTree(out io.Writer, part progress.Part, pp progress.PartProgress) {
	fmt.Fprintf(out, "%s  %s  %s\n", part.Name, dash(part.Number), formatPercent(pp))
	for ci, c := range part.Categories {
		cp := pp.Categories[ci]
		fmt.Fprintf(out, "  %s  %d%%\n", c.Name, cp.Percent)
		for pi, proc := range c.Processes {
			prp := cp.Processes[pi]
			fmt.Fprintf(out, "    %s %s  %d%%\n", checkMark(prp.Completed), proc.Name, prp.Percent)
			for si, sub := range proc.SubProcesses {
				spp := prp.SubProcesses[si]
				line := fmt.Sprintf("      %s %s", checkMark(spp.Completed), sub.Name)
				if sub.IsTooling() {
					if spp.Pending {
						line += "  (pending)"
					} else {
						line += fmt.Sprintf("  %.2f%%", spp.Percent)
					}
				}
				fmt.Fprintln(out, line)
			}
		}
	}
}

func runPartsCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var (
		data []byte
		err  error
	)
	if createFile == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(createFile)
	}
	if err != nil {
		return fmt.Errorf("read part definition: %w", err)
	}

	var np types.NewPart
	if err := yaml.Unmarshal(data, &np); err != nil {
		return fmt.Errorf("parse part definition: %w", err)
	}

	env, err := resolveClient()
	if err != nil {
		return err
	}
	defer env.Close()

	part, err := env.client.CreatePart(ctx, np)
	if err != nil {
		return describeAPIError(err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), part)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created part %q (%s)\n", part.Name, part.ID)
	return nil
}

func runPartsDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	env, err := resolveClient()
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.client.DeletePart(ctx, args[0]); err != nil {
		if tracker.IsNotFound(err) {
			return fmt.Errorf("part %q not found", args[0])
		}
		return describeAPIError(err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      args[0],
			"deleted": true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted part %q\n", args[0])
	return nil
}

// describeAPIError flattens field errors of a validation problem into the message.
func describeAPIError(err error) error {
	var apiErr *tracker.APIError
	if !errors.As(err, &apiErr) || len(apiErr.Errors) == 0 {
		return err
	}
	msg := apiErr.Detail
	for _, fe := range apiErr.Errors {
		msg += fmt.Sprintf("\n  %s: %s", fe.Field, fe.Message)
	}
	return errors.New(msg)
}

func checkMark(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
