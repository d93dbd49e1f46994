package analysis

import (
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/DeusData/completion-db/internal/fqn"
	"github.com/DeusData/completion-db/internal/lang"
	"github.com/DeusData/completion-db/internal/parser"
)

// bindKind is what a top-level statement binds a name to.
type bindKind int

const (
	bindFunc bindKind = iota
	bindClass
	bindVar
	bindImport
)

type param struct {
	Name       string // with "*" or "**" prefix for splats
	Annotation string
	Default    string // literal type of the default value
}

type funcDef struct {
	Name    string
	Doc     string
	Returns string // return annotation text
	Params  []param
}

type classDef struct {
	Name    string
	Doc     string
	Bases   []string // dotted names as written
	Methods []funcDef
	Attrs   []varDef
}

type varDef struct {
	Name       string
	Annotation string
	Literal    string // builtin type of a literal right-hand side
	Callee     string // dotted callee of a call right-hand side
	Ref        string // dotted name of a plain reference right-hand side
}

// importDef binds Local to a module (Attr == "") or to an attribute of one.
// Star imports have Local == "*".
type importDef struct {
	Local  string
	Module string // absolute
	Attr   string
}

type binding struct {
	Name   string
	Kind   bindKind
	Func   *funcDef
	Class  *classDef
	Var    *varDef
	Import *importDef
}

// moduleInfo is the syntax-level summary of a module, kept after its tree
// is released.
type moduleInfo struct {
	Doc      string
	Bindings []binding // source order
	Calls    []parser.CallSite
}

// compound statements whose blocks still execute at module scope
var moduleScopeBlocks = map[string]bool{
	"if_statement": true, "elif_clause": true, "else_clause": true,
	"try_statement": true, "except_clause": true, "finally_clause": true,
	"with_statement": true, "block": true,
}

type collector struct {
	source []byte
	module string
	pkg    string // package that relative imports are resolved against
	info   *moduleInfo
}

func collect(tree *parser.Tree, module string, isPackage bool) *moduleInfo {
	root := tree.Root()
	c := &collector{source: tree.Source, module: module, info: &moduleInfo{}}
	c.pkg = fqn.Parent(module)
	if isPackage {
		c.pkg = module
	}
	c.info.Doc = parser.Docstring(root, tree.Source)
	c.block(root)
	c.info.Calls = append(c.info.Calls, tree.Calls...)
	return c.info
}

func (c *collector) block(node *tree_sitter.Node) {
	for i := uint(0); i < node.NamedChildCount(); i++ {
		child := node.NamedChild(i)
		if child == nil {
			continue
		}
		c.statement(child)
	}
}

func (c *collector) statement(node *tree_sitter.Node) {
	kind := node.Kind()
	switch {
	case lang.Has(lang.Python.FunctionNodeTypes, kind):
		if fd := c.function(node); fd != nil {
			c.add(binding{Name: fd.Name, Kind: bindFunc, Func: fd})
		}
	case lang.Has(lang.Python.ClassNodeTypes, kind):
		if cd := c.class(node); cd != nil {
			c.add(binding{Name: cd.Name, Kind: bindClass, Class: cd})
		}
	case lang.Has(lang.Python.DecoratedNodeTypes, kind):
		if def := node.ChildByFieldName("definition"); def != nil {
			c.statement(def)
		}
	case kind == "expression_statement":
		for _, vd := range c.assignments(node) {
			c.add(binding{Name: vd.Name, Kind: bindVar, Var: vd})
		}
	case kind == "import_statement":
		c.importStatement(node)
	case kind == "import_from_statement":
		c.importFrom(node)
	case moduleScopeBlocks[kind]:
		c.block(node)
	}
}

func (c *collector) add(b binding) {
	c.info.Bindings = append(c.info.Bindings, b)
}

func (c *collector) text(node *tree_sitter.Node) string {
	return parser.NodeText(node, c.source)
}

func (c *collector) function(node *tree_sitter.Node) *funcDef {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	fd := &funcDef{Name: c.text(nameNode), Doc: parser.Docstring(node, c.source)}
	if rt := node.ChildByFieldName("return_type"); rt != nil {
		fd.Returns = c.text(rt)
	}
	if params := node.ChildByFieldName("parameters"); params != nil {
		for i := uint(0); i < params.NamedChildCount(); i++ {
			if p, ok := c.param(params.NamedChild(i)); ok {
				fd.Params = append(fd.Params, p)
			}
		}
	}
	return fd
}

func (c *collector) param(node *tree_sitter.Node) (param, bool) {
	if node == nil {
		return param{}, false
	}
	switch node.Kind() {
	case "identifier":
		return param{Name: c.text(node)}, true
	case "list_splat_pattern", "dictionary_splat_pattern":
		return param{Name: c.text(node)}, true
	case "default_parameter", "typed_default_parameter":
		p := param{}
		if name := node.ChildByFieldName("name"); name != nil {
			p.Name = c.text(name)
		}
		if t := node.ChildByFieldName("type"); t != nil {
			p.Annotation = c.text(t)
		}
		if v := node.ChildByFieldName("value"); v != nil {
			p.Default = parser.LiteralType(v)
		}
		return p, p.Name != ""
	case "typed_parameter":
		p := param{}
		if node.NamedChildCount() > 0 {
			p.Name = c.text(node.NamedChild(0))
		}
		if t := node.ChildByFieldName("type"); t != nil {
			p.Annotation = c.text(t)
		}
		return p, p.Name != ""
	}
	return param{}, false
}

func (c *collector) class(node *tree_sitter.Node) *classDef {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	cd := &classDef{Name: c.text(nameNode), Doc: parser.Docstring(node, c.source)}
	if supers := node.ChildByFieldName("superclasses"); supers != nil {
		for i := uint(0); i < supers.NamedChildCount(); i++ {
			if base := parser.DottedName(supers.NamedChild(i), c.source); base != "" {
				cd.Bases = append(cd.Bases, base)
			}
		}
	}
	body := node.ChildByFieldName("body")
	if body == nil {
		return cd
	}
	for i := uint(0); i < body.NamedChildCount(); i++ {
		stmt := body.NamedChild(i)
		if stmt == nil {
			continue
		}
		if stmt.Kind() == "decorated_definition" {
			stmt = stmt.ChildByFieldName("definition")
			if stmt == nil {
				continue
			}
		}
		switch stmt.Kind() {
		case "function_definition":
			if fd := c.function(stmt); fd != nil {
				cd.Methods = append(cd.Methods, *fd)
			}
		case "expression_statement":
			for _, vd := range c.assignments(stmt) {
				cd.Attrs = append(cd.Attrs, *vd)
			}
		}
	}
	return cd
}

// assignments returns the names bound by an assignment statement.
func (c *collector) assignments(stmt *tree_sitter.Node) []*varDef {
	if stmt.NamedChildCount() == 0 {
		return nil
	}
	node := stmt.NamedChild(0)
	if node == nil || !lang.Has(lang.Python.AssignmentNodeTypes, node.Kind()) {
		return nil
	}
	left := node.ChildByFieldName("left")
	if left == nil {
		return nil
	}
	right := node.ChildByFieldName("right")

	var out []*varDef
	switch left.Kind() {
	case "identifier":
		vd := &varDef{Name: c.text(left)}
		if t := node.ChildByFieldName("type"); t != nil {
			vd.Annotation = c.text(t)
		}
		if right != nil && node.Kind() == "assignment" {
			c.describeValue(vd, right)
		}
		out = append(out, vd)
	case "pattern_list", "tuple_pattern", "list_pattern":
		for i := uint(0); i < left.NamedChildCount(); i++ {
			if id := left.NamedChild(i); id != nil && id.Kind() == "identifier" {
				out = append(out, &varDef{Name: c.text(id)})
			}
		}
	}
	return out
}

func (c *collector) describeValue(vd *varDef, value *tree_sitter.Node) {
	switch value.Kind() {
	case "call":
		if fn := value.ChildByFieldName("function"); fn != nil {
			vd.Callee = parser.DottedName(fn, c.source)
		}
	case "identifier", "attribute":
		vd.Ref = parser.DottedName(value, c.source)
	case "assignment":
		// a = b = value
		if right := value.ChildByFieldName("right"); right != nil {
			c.describeValue(vd, right)
		}
	default:
		vd.Literal = parser.LiteralType(value)
	}
}

// importStatement handles "import a.b" and "import a.b as c". The plain
// form binds the top-level package.
func (c *collector) importStatement(node *tree_sitter.Node) {
	for i := uint(0); i < node.NamedChildCount(); i++ {
		child := node.NamedChild(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "dotted_name":
			name := c.text(child)
			top := name
			if i := strings.IndexByte(name, '.'); i >= 0 {
				top = name[:i]
			}
			c.add(binding{Name: top, Kind: bindImport, Import: &importDef{Local: top, Module: top}})
		case "aliased_import":
			nameNode := child.ChildByFieldName("name")
			aliasNode := child.ChildByFieldName("alias")
			if nameNode == nil || aliasNode == nil {
				continue
			}
			local := c.text(aliasNode)
			c.add(binding{Name: local, Kind: bindImport, Import: &importDef{Local: local, Module: c.text(nameNode)}})
		}
	}
}

// importFrom handles "from m import x", "from m import x as y",
// "from m import *" and their relative forms.
func (c *collector) importFrom(node *tree_sitter.Node) {
	moduleNode := node.ChildByFieldName("module_name")
	if moduleNode == nil {
		return
	}
	module := c.absolute(moduleNode)
	if module == "" {
		return
	}

	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		if child.Kind() == "wildcard_import" {
			c.add(binding{Name: "*", Kind: bindImport, Import: &importDef{Local: "*", Module: module}})
			continue
		}
		if node.FieldNameForChild(uint32(i)) != "name" {
			continue
		}
		var nameNode, aliasNode *tree_sitter.Node
		switch child.Kind() {
		case "dotted_name":
			nameNode = child
		case "aliased_import":
			nameNode = child.ChildByFieldName("name")
			aliasNode = child.ChildByFieldName("alias")
		}
		if nameNode == nil {
			continue
		}
		attr := c.text(nameNode)
		local := attr
		if aliasNode != nil {
			local = c.text(aliasNode)
		}
		c.add(binding{Name: local, Kind: bindImport, Import: &importDef{Local: local, Module: module, Attr: attr}})
	}
}

// absolute resolves a module_name node, including relative imports, to an
// absolute module name. Returns "" when a relative import climbs above the
// top-level package.
func (c *collector) absolute(node *tree_sitter.Node) string {
	if node.Kind() != "relative_import" {
		return c.text(node)
	}
	text := c.text(node)
	dots := len(text) - len(strings.TrimLeft(text, "."))
	rest := strings.TrimSpace(text[dots:])

	base := c.pkg
	for i := 1; i < dots; i++ {
		if base == "" {
			return ""
		}
		base = fqn.Parent(base)
	}
	if base == "" {
		return ""
	}
	if rest == "" {
		return base
	}
	return fqn.Join(base, rest)
}
