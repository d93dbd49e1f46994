package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/DeusData/completion-db/internal/lang"
	"github.com/DeusData/completion-db/internal/parser"
)

// newASTCmd prints the syntax tree, diagnostics and call sites of one file.
// It takes only --version from the shared flags.
func newASTCmd(f *flags, stdout io.Writer) *cobra.Command {
	var calls bool
	cmd := &cobra.Command{
		Use:    "ast <file.py>",
		Short:  "Print the syntax tree of a Python file",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(_ *cobra.Command, args []string) error {
			v := lang.Version{Major: 3, Minor: 8}
			if f.version != "" {
				parsed, err := lang.ParseVersion(f.version)
				if err != nil {
					return argumentError(fmt.Errorf("--version %q: %w", f.version, err))
				}
				v = parsed
			}
			tree, diags, err := parser.ParseFile(args[0], v, parser.Options{BindReferences: calls})
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			defer tree.Close()

			printAST(stdout, tree.Root(), tree.Source, "", 0)
			for _, d := range diags {
				fmt.Fprintln(stdout, d)
			}
			for _, c := range tree.Calls {
				fmt.Fprintf(stdout, "call %s(%s) line %d\n", c.Callee, strings.Join(c.ArgTypes, ", "), c.Line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&calls, "calls", false, "also list call sites with literal argument types")
	return cmd
}

func printAST(w io.Writer, node *tree_sitter.Node, source []byte, field string, indent int) {
	if node == nil {
		return
	}
	text := parser.NodeText(node, source)
	if len(text) > 60 {
		text = text[:60] + "..."
	}
	if field != "" {
		field += ": "
	}
	pos := node.StartPosition()
	fmt.Fprintf(w, "%s%s%s [%d:%d] %q\n", strings.Repeat("  ", indent), field, node.Kind(), pos.Row+1, pos.Column, text)
	for i := uint(0); i < node.ChildCount(); i++ {
		printAST(w, node.Child(i), source, node.FieldNameForChild(uint32(i)), indent+1)
	}
}
