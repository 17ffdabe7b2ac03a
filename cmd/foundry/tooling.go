package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hyperengineering/foundry/pkg/progress"
	"github.com/hyperengineering/foundry/pkg/tracker"
	"github.com/spf13/cobra"
)

var (
	setCheck           []string
	setUncheck         []string
	setMaterialActual  string
	setMaterialPlanned string
	setTrials          int
	setToggleTrials    []int
	setRenameTrials    []string
)

var toolingCmd = &cobra.Command{
	Use:   "tooling",
	Short: "Inspect and edit tooling checklists",
	Long:  "Show and edit the weighted tooling checklist of a process. A process is given by id or name.",
}

var toolingShowCmd = &cobra.Command{
	Use:   "show <part-id> <process>",
	Short: "Show a tooling checklist",
	Args:  cobra.ExactArgs(2),
	RunE:  runToolingShow,
}

var toolingSetCmd = &cobra.Command{
	Use:   "set <part-id> <process>",
	Short: "Edit a tooling checklist and save it",
	Example: `  foundry tooling set 01J... Die --check designTooling --check machining2
  foundry tooling set 01J... Die --material-actual 4 --material-planned 10
  foundry tooling set 01J... Die --trials 3 --toggle-trial 1 --rename-trial 2=T2-rework`,
	Args: cobra.ExactArgs(2),
	RunE: runToolingSet,
}

func init() {
	toolingCmd.PersistentFlags().StringVar(&serverOverride, "server", "",
		"Server URL (overrides config and FOUNDRY_SERVER_URL)")
	toolingCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
	toolingCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false,
		"Do not read or write the local tooling cache")

	toolingSetCmd.Flags().StringArrayVar(&setCheck, "check", nil, "Checkbox row to check (repeatable)")
	toolingSetCmd.Flags().StringArrayVar(&setUncheck, "uncheck", nil, "Checkbox row to uncheck (repeatable)")
	toolingSetCmd.Flags().StringVar(&setMaterialActual, "material-actual", "", "Raw material actual quantity")
	toolingSetCmd.Flags().StringVar(&setMaterialPlanned, "material-planned", "", "Raw material planned quantity")
	toolingSetCmd.Flags().IntVar(&setTrials, "trials", -1, "Number of trials")
	toolingSetCmd.Flags().IntSliceVar(&setToggleTrials, "toggle-trial", nil, "Trial index to toggle (repeatable)")
	toolingSetCmd.Flags().StringArrayVar(&setRenameTrials, "rename-trial", nil, "Trial rename as index=name (repeatable)")

	toolingCmd.AddCommand(toolingShowCmd)
	toolingCmd.AddCommand(toolingSetCmd)
}

// findToolingKey resolves the tooling sub-process of the process named or
// identified by process.
func findToolingKey(part progress.Part, process string) (progress.ToolingKey, error) {
	var matches []progress.ToolingKey
	for _, key := range part.ToolingKeys() {
		proc := part.Process(key.CategoryID, key.ProcessID)
		if key.ProcessID == process || strings.EqualFold(proc.Name, process) {
			matches = append(matches, key)
		}
	}
	switch len(matches) {
	case 0:
		return progress.ToolingKey{}, fmt.Errorf("no tooling sub-process under process %q", process)
	case 1:
		return matches[0], nil
	default:
		return progress.ToolingKey{}, fmt.Errorf("process %q is ambiguous; use its id", process)
	}
}

func openTooling(ctx context.Context, env *clientEnv, partID, process string) (*tracker.Session, progress.ToolingKey, error) {
	s, err := tracker.OpenSession(ctx, env.client, partID, env.opts)
	if err != nil {
		if tracker.IsNotFound(err) {
			return nil, progress.ToolingKey{}, fmt.Errorf("part %q not found", partID)
		}
		return nil, progress.ToolingKey{}, err
	}
	key, err := findToolingKey(s.Part(), process)
	if err != nil {
		s.Close()
		return nil, progress.ToolingKey{}, err
	}
	return s, key, nil
}

func runToolingShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	env, err := resolveClient()
	if err != nil {
		return err
	}
	defer env.Close()

	s, key, err := openTooling(ctx, env, args[0], args[1])
	if err != nil {
		return err
	}
	defer s.Close()

	return printTooling(cmd.OutOrStdout(), s, key)
}

func runToolingSet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	edits, err := toolingEdits(cmd)
	if err != nil {
		return err
	}

	env, err := resolveClient()
	if err != nil {
		return err
	}
	defer env.Close()

	s, key, err := openTooling(ctx, env, args[0], args[1])
	if err != nil {
		return err
	}
	defer s.Close()

	if part := s.Part(); part.Tooling(key) == nil {
		return fmt.Errorf("tooling detail of %s could not be loaded; retry when the server is reachable", key)
	}

	for _, build := range edits {
		current := s.Part()
		if _, err := s.Apply(build(key, current.Tooling(key))); err != nil {
			return err
		}
	}

	if err := s.Save(ctx); err != nil && !errors.Is(err, tracker.ErrNothingToSave) {
		return describeAPIError(err)
	}
	return printTooling(cmd.OutOrStdout(), s, key)
}

// editBuilder makes an edit against the detail as it stands when applied.
type editBuilder func(key progress.ToolingKey, d *progress.ToolingDetail) progress.Edit

// toolingEdits turns the set flags into edits, in the order a user would
// make them in the checklist: trial count before trial toggles.
func toolingEdits(cmd *cobra.Command) ([]editBuilder, error) {
	var edits []editBuilder

	for _, group := range []struct {
		rows    []string
		checked bool
	}{{setCheck, true}, {setUncheck, false}} {
		for _, name := range group.rows {
			row, err := progress.ParseRow(name)
			if err != nil {
				return nil, err
			}
			if !row.IsCheckbox() {
				return nil, fmt.Errorf("row %q is computed and cannot be checked", name)
			}
			checked := group.checked
			edits = append(edits, func(key progress.ToolingKey, _ *progress.ToolingDetail) progress.Edit {
				return progress.SetToolingCheck{Key: key, Row: row, Checked: checked}
			})
		}
	}

	actualSet, plannedSet := cmd.Flags().Changed("material-actual"), cmd.Flags().Changed("material-planned")
	if actualSet || plannedSet {
		edits = append(edits, func(key progress.ToolingKey, d *progress.ToolingDetail) progress.Edit {
			actual, planned := formatQuantity(d.MaterialActual), formatQuantity(d.MaterialPlanned)
			if actualSet {
				actual = setMaterialActual
			}
			if plannedSet {
				planned = setMaterialPlanned
			}
			return progress.SetMaterial{Key: key, Actual: actual, Planned: planned}
		})
	}

	if setTrials >= 0 {
		if setTrials > progress.MaxTrials {
			return nil, fmt.Errorf("--trials must be at most %d", progress.MaxTrials)
		}
		n := setTrials
		edits = append(edits, func(key progress.ToolingKey, _ *progress.ToolingDetail) progress.Edit {
			return progress.SetTrialCount{Key: key, Count: n}
		})
	}

	for _, idx := range setToggleTrials {
		edits = append(edits, func(key progress.ToolingKey, _ *progress.ToolingDetail) progress.Edit {
			return progress.ToggleTrial{Key: key, Index: idx}
		})
	}

	for _, arg := range setRenameTrials {
		idxStr, name, ok := strings.Cut(arg, "=")
		idx, err := strconv.Atoi(idxStr)
		if !ok || err != nil {
			return nil, fmt.Errorf("--rename-trial %q must be index=name", arg)
		}
		edits = append(edits, func(key progress.ToolingKey, _ *progress.ToolingDetail) progress.Edit {
			return progress.RenameTrial{Key: key, Index: idx, Name: name}
		})
	}

	if len(edits) == 0 {
		return nil, errors.New("no edits given")
	}
	return edits, nil
}

func formatQuantity(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func printTooling(out io.Writer, s *tracker.Session, key progress.ToolingKey) error {
	part := s.Part()
	d := part.Tooling(key)

	if jsonOutput {
		return printJSON(out, map[string]any{
			"key":      key,
			"detail":   d,
			"state":    s.State().String(),
			"progress": s.Rollup(),
		})
	}

	proc := part.Process(key.CategoryID, key.ProcessID)
	if d == nil {
		fmt.Fprintf(out, "%s / %s: tooling detail pending\n", part.Name, proc.Name)
		return nil
	}

	fmt.Fprintf(out, "%s / %s  %.2f%%  (%s, %s)\n", part.Name, proc.Name, d.Effective(), d.Source, s.State())
	w := newTabWriter(out)
	fmt.Fprintln(w, "ROW\tWEIGHT\tPROGRESS")
	for _, rw := range progress.Weights() {
		label := rw.Label
		if rw.Row.IsCheckbox() {
			label = checkMark(d.Checked(rw.Row)) + " " + label
		} else {
			label = "    " + label
		}
		fmt.Fprintf(w, "%s\t%d\t%d%%\n", label, rw.Weight, d.RowProgress(rw.Row))
	}
	w.Flush()

	for _, t := range d.Trials {
		fmt.Fprintf(out, "  %s trial %d %s\n", checkMark(t.Completed), t.Index, t.Name)
	}
	return nil
}
