package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/noex/noex-rules/internal/chaining"
	"github.com/noex/noex-rules/internal/facts"
	"github.com/noex/noex-rules/internal/reload"
	"github.com/noex/noex-rules/internal/rule"
)

// ExplainOptions holds flags for the explain command.
type ExplainOptions struct {
	*RootOptions
	RulePaths []string
	Facts     []string
	Event     string
	Operator  string
	Value     string
	MaxDepth  int
	MaxRules  int
}

// NewExplainCommand creates the explain command, which answers "can this
// goal be achieved, and through which rules" via backward chaining.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExplainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "explain [fact-key]",
		Short: "Explain how a fact or event could be produced",
		Long: `Run a backward-chaining query over a rule set: which rules could set
the given fact (or emit the given event), and are their conditions
satisfiable from the current facts?

Example:
  noex-rules explain "customer:42:vip" --rules ./rules --fact "customer:42:points=1200"
  noex-rules explain --event alerts.fraud --rules ./rules`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(opts, args, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.RulePaths, "rules", nil, "rule file or directory (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Facts, "fact", nil, "seed fact as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Event, "event", "", "query an event topic instead of a fact key")
	cmd.Flags().StringVar(&opts.Operator, "op", "", "constrain the goal fact value (eq, gt, ...)")
	cmd.Flags().StringVar(&opts.Value, "value", "", "goal value for the operator (JSON literal)")
	cmd.Flags().IntVar(&opts.MaxDepth, "max-depth", chaining.DefaultMaxDepth, "recursion depth limit")
	cmd.Flags().IntVar(&opts.MaxRules, "max-rules", chaining.DefaultMaxExploredRules, "explored rules limit")
	_ = cmd.MarkFlagRequired("rules")

	return cmd
}

func runExplain(opts *ExplainOptions, args []string, cmd *cobra.Command) error {
	f := &Formatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	goal, err := buildGoal(opts, args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid goal", err)
	}

	src := reload.NewFileSource("explain", opts.RulePaths...)
	inputs, err := src.LoadRules()
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot load rules", err)
	}

	mgr := rule.NewManager()
	for _, in := range inputs {
		if _, err := mgr.Register(in); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("rule %s", in.ID), err)
		}
	}

	fs := facts.NewStore()
	for _, kv := range opts.Facts {
		key, value, err := parseFactFlag(kv)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --fact", err)
		}
		fs.Set(key, value, "cli")
	}

	result := chaining.New(mgr, fs,
		chaining.WithMaxDepth(opts.MaxDepth),
		chaining.WithMaxExploredRules(opts.MaxRules),
	).Evaluate(goal)

	if opts.Format == "json" {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "goal %s achievable=%t exploredRules=%d\n",
			describeGoal(goal), result.Achievable, result.ExploredRules)
		renderNode(&b, result.Root, 0)
		fmt.Fprint(cmd.OutOrStdout(), b.String())
	}

	if !result.Achievable {
		return NewExitError(ExitFailure, "goal not achievable")
	}
	return nil
}

func buildGoal(opts *ExplainOptions, args []string) (chaining.Goal, error) {
	var goal chaining.Goal
	switch {
	case opts.Event != "" && len(args) > 0:
		return goal, fmt.Errorf("give either a fact key or --event, not both")
	case opts.Event != "":
		goal = chaining.Goal{Type: chaining.GoalEvent, Topic: opts.Event}
	case len(args) == 1:
		goal = chaining.Goal{Type: chaining.GoalFact, Key: args[0]}
	default:
		return goal, fmt.Errorf("a fact key argument or --event is required")
	}
	if opts.Operator != "" {
		if goal.Type != chaining.GoalFact {
			return goal, fmt.Errorf("--op applies only to fact goals")
		}
		goal.Operator = opts.Operator
		var v any
		if err := json.Unmarshal([]byte(opts.Value), &v); err != nil {
			// Bare strings are accepted without quoting.
			v = opts.Value
		}
		goal.Value = v
	}
	return goal, nil
}

func describeGoal(g chaining.Goal) string {
	if g.Type == chaining.GoalEvent {
		return "event:" + g.Topic
	}
	return "fact:" + g.Key
}

// parseFactFlag splits "key=value", decoding the value as a JSON literal
// with a bare-string fallback.
func parseFactFlag(kv string) (string, any, error) {
	key, raw, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("%q: expected key=value", kv)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	return key, v, nil
}

// renderNode prints the proof tree with two-space indentation.
func renderNode(b *strings.Builder, n *chaining.Node, depth int) {
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	switch n.Type {
	case chaining.NodeFactExists:
		fmt.Fprintf(b, "%sfact %s = %v\n", indent, n.Key, n.CurrentValue)
	case chaining.NodeRule:
		fmt.Fprintf(b, "%srule %s (%s)\n", indent, n.RuleID, n.RuleName)
		for _, c := range n.Conditions {
			state := "unsatisfied"
			switch {
			case c.Satisfied:
				state = "satisfied"
			case c.Chained:
				state = "chained"
			}
			fmt.Fprintf(b, "%s  condition[%d] %s: %s", indent, c.Index, c.Source, state)
			if c.Reason != "" {
				fmt.Fprintf(b, " (%s)", c.Reason)
			}
			fmt.Fprintln(b)
		}
	case chaining.NodeUnachievable:
		fmt.Fprintf(b, "%sunachievable: %s", indent, n.Reason)
		if n.Details != "" {
			fmt.Fprintf(b, " (%s)", n.Details)
		}
		fmt.Fprintln(b)
	}
	for _, child := range n.Children {
		renderNode(b, child, depth+1)
	}
}
