package parser

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"unicode/utf8"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"

	"github.com/DeusData/completion-db/internal/lang"
)

// ErrUnparsable is returned when a file yields no usable syntax tree.
var ErrUnparsable = errors.New("unparsable source")

var (
	languageOnce sync.Once
	language     *tree_sitter.Language
	parserPool   *sync.Pool
)

func initLanguage() {
	languageOnce.Do(func() {
		language = tree_sitter.NewLanguage(tree_sitter_python.Language())
		parserPool = &sync.Pool{
			New: func() any {
				p := tree_sitter.NewParser()
				if err := p.SetLanguage(language); err != nil {
					panic(fmt.Sprintf("set language: %v", err))
				}
				return p
			},
		}
	})
}

// Severity of a diagnostic.
type Severity int

const (
	Warning Severity = iota
	Error
)

func (s Severity) String() string {
	if s == Error {
		return "error"
	}
	return "warning"
}

// Diagnostic is one problem reported while parsing.
type Diagnostic struct {
	Line     int // 1-based
	Column   int // 0-based
	Severity Severity
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s: %s", d.Line, d.Column, d.Severity, d.Message)
}

// Options controls a parse.
type Options struct {
	// BindReferences records call sites so the analyzer can specialize
	// callee parameters.
	BindReferences bool
	// ErrorSink receives each diagnostic as it is found.
	ErrorSink func(Diagnostic)
}

// CallSite is a call expression whose callee is a plain or dotted name.
type CallSite struct {
	Callee   string   // e.g. "helper" or "os.path.join"
	ArgTypes []string // literal argument types; "" when not a literal
	Line     int
}

// Tree is a parsed module. The caller must call Close when done.
type Tree struct {
	ts      *tree_sitter.Tree
	Source  []byte
	Version lang.Version
	Calls   []CallSite
}

// Root returns the module node.
func (t *Tree) Root() *tree_sitter.Node {
	if t == nil || t.ts == nil {
		return nil
	}
	return t.ts.RootNode()
}

// Close releases the underlying tree-sitter tree.
func (t *Tree) Close() {
	if t != nil && t.ts != nil {
		t.ts.Close()
		t.ts = nil
	}
}

// ParseFile reads and parses a source file.
func ParseFile(path string, v lang.Version, opts Options) (*Tree, []Diagnostic, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Parse(source, v, opts)
}

// Parse parses Python source under the grammar rules of version v.
// Diagnostics are advisory; an error is returned only when no usable tree
// could be produced.
// Parsers are pooled via sync.Pool to avoid per-file allocation.
func Parse(source []byte, v lang.Version, opts Options) (*Tree, []Diagnostic, error) {
	initLanguage()

	source = stripBOM(source)
	if bytes.IndexByte(source, 0) >= 0 || !utf8.Valid(source) {
		return nil, nil, fmt.Errorf("%w: not UTF-8 text", ErrUnparsable)
	}

	p, _ := parserPool.Get().(*tree_sitter.Parser)
	if p == nil {
		return nil, nil, errors.New("failed to get python parser")
	}
	ts := p.Parse(source, nil)
	parserPool.Put(p)
	if ts == nil {
		return nil, nil, fmt.Errorf("%w: parser returned no tree", ErrUnparsable)
	}

	tree := &Tree{ts: ts, Source: source, Version: v}
	root := ts.RootNode()
	if root.IsError() || (root.NamedChildCount() > 0 && allErrors(root)) {
		tree.Close()
		return nil, nil, fmt.Errorf("%w: no statements recognized", ErrUnparsable)
	}

	c := &collector{tree: tree, opts: opts}
	Walk(root, c.visit)
	return tree, c.diags, nil
}

func allErrors(root *tree_sitter.Node) bool {
	for i := uint(0); i < root.NamedChildCount(); i++ {
		child := root.NamedChild(i)
		if child != nil && !child.IsError() {
			return false
		}
	}
	return true
}

type collector struct {
	tree  *Tree
	opts  Options
	diags []Diagnostic
}

func (c *collector) report(node *tree_sitter.Node, sev Severity, msg string) {
	pos := node.StartPosition()
	d := Diagnostic{Line: int(pos.Row) + 1, Column: int(pos.Column), Severity: sev, Message: msg}
	c.diags = append(c.diags, d)
	if c.opts.ErrorSink != nil {
		c.opts.ErrorSink(d)
	}
}

func (c *collector) visit(node *tree_sitter.Node) bool {
	kind := node.Kind()
	switch {
	case node.IsMissing():
		c.report(node, Error, "missing "+kind)
	case node.IsError():
		c.report(node, Error, "invalid syntax")
		return false
	case c.tree.Version.Major >= 3 && lang.Has(lang.Python.Py2OnlyNodeTypes, kind):
		c.report(node, Error, kind+" is not valid in Python "+c.tree.Version.String())
	case c.tree.Version.Major < 3 && lang.Has(lang.Python.Py3OnlyNodeTypes, kind):
		c.report(node, Error, kind+" is not valid in Python "+c.tree.Version.String())
	case kind == "call" && c.opts.BindReferences:
		c.bindCall(node)
	}
	return true
}

func (c *collector) bindCall(node *tree_sitter.Node) {
	fn := node.ChildByFieldName("function")
	if fn == nil {
		return
	}
	callee := DottedName(fn, c.tree.Source)
	if callee == "" {
		return
	}
	site := CallSite{Callee: callee, Line: int(node.StartPosition().Row) + 1}
	if args := node.ChildByFieldName("arguments"); args != nil {
		for i := uint(0); i < args.NamedChildCount(); i++ {
			arg := args.NamedChild(i)
			if arg == nil || arg.Kind() == "keyword_argument" || arg.Kind() == "comment" {
				continue
			}
			site.ArgTypes = append(site.ArgTypes, LiteralType(arg))
		}
	}
	c.tree.Calls = append(c.tree.Calls, site)
}

// DottedName renders an identifier or attribute chain ("a.b.c"), or "" for
// any other expression.
func DottedName(node *tree_sitter.Node, source []byte) string {
	switch node.Kind() {
	case "identifier":
		return NodeText(node, source)
	case "attribute":
		obj := node.ChildByFieldName("object")
		attr := node.ChildByFieldName("attribute")
		if obj == nil || attr == nil {
			return ""
		}
		prefix := DottedName(obj, source)
		if prefix == "" {
			return ""
		}
		return prefix + "." + NodeText(attr, source)
	case "dotted_name":
		return NodeText(node, source)
	}
	return ""
}

// LiteralType returns the builtin type name of a literal expression, or "".
func LiteralType(node *tree_sitter.Node) string {
	switch node.Kind() {
	case "integer":
		return "int"
	case "float":
		return "float"
	case "string", "concatenated_string":
		return "str"
	case "true", "false":
		return "bool"
	case "none":
		return "NoneType"
	case "list", "list_comprehension":
		return "list"
	case "dictionary", "dictionary_comprehension":
		return "dict"
	case "set", "set_comprehension":
		return "set"
	case "tuple":
		return "tuple"
	}
	return ""
}

// WalkFunc is called for each node during AST traversal.
// Return false to skip children.
type WalkFunc func(node *tree_sitter.Node) bool

// Walk traverses the AST in depth-first order.
func Walk(node *tree_sitter.Node, fn WalkFunc) {
	if node == nil {
		return
	}
	if !fn(node) {
		return
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child != nil {
			Walk(child, fn)
		}
	}
}

// NodeText returns the text content of a node.
func NodeText(node *tree_sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

func stripBOM(source []byte) []byte {
	return bytes.TrimPrefix(source, []byte{0xEF, 0xBB, 0xBF})
}
