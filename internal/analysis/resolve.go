package analysis

import (
	"sort"
	"strings"

	"github.com/DeusData/completion-db/internal/database"
	"github.com/DeusData/completion-db/internal/fqn"
	"github.com/DeusData/completion-db/internal/lang"
)

// scope computes the exported table of one entry.
type scope struct {
	c       *Context
	e       *Entry
	members map[string]database.Member
}

func (s *scope) resolve() {
	for _, b := range s.e.info.Bindings {
		switch b.Kind {
		case bindFunc:
			s.members[b.Name] = s.c.function(s.e.Name, b.Func, false)
		case bindClass:
			s.members[b.Name] = s.class(b.Class)
		case bindVar:
			s.members[b.Name] = s.variable(b.Var)
		case bindImport:
			s.importBinding(b.Import)
		}
	}
}

// function renders a function member. Methods drop their receiver and are
// never specialized from call sites.
func (c *Context) function(module string, fd *funcDef, method bool) database.Member {
	m := database.Member{Kind: database.KindFunction, Doc: fd.Doc, Type: fd.Returns}
	params := fd.Params
	var observed []map[string]bool
	if method {
		if len(params) > 0 && (params[0].Name == "self" || params[0].Name == "cls") {
			params = params[1:]
		}
	} else {
		observed = c.observed[module][fd.Name]
	}
	positional := true
	for i, p := range params {
		if strings.HasPrefix(p.Name, "*") {
			positional = false
		}
		var seen map[string]bool
		if positional && i < len(observed) {
			seen = observed[i]
		}
		m.Params = append(m.Params, formatParam(p, seen))
	}
	return m
}

func formatParam(p param, seen map[string]bool) string {
	typ := p.Annotation
	if typ == "" {
		set := make(map[string]bool, len(seen)+1)
		for t := range seen {
			set[t] = true
		}
		if p.Default != "" {
			set[p.Default] = true
		}
		typ = strings.Join(sortedKeys(set), "|")
	}
	if typ == "" {
		return p.Name
	}
	return p.Name + ": " + typ
}

func (s *scope) class(cd *classDef) database.Member {
	m := database.Member{Kind: database.KindClass, Doc: cd.Doc, Members: make(map[string]database.Member)}
	for _, base := range cd.Bases {
		if q, _, ok := s.lookup(base); ok {
			m.Bases = append(m.Bases, q)
		} else {
			m.Bases = append(m.Bases, base)
		}
	}
	for _, attr := range cd.Attrs {
		m.Members[attr.Name] = s.variable(&attr)
	}
	for i := range cd.Methods {
		m.Members[cd.Methods[i].Name] = s.c.function(s.e.Name, &cd.Methods[i], true)
	}
	return m
}

func (s *scope) variable(v *varDef) database.Member {
	m := database.Member{Kind: database.KindVariable}
	switch {
	case v.Annotation != "":
		m.Type = v.Annotation
		if q, target, ok := s.lookup(v.Annotation); ok && target.Kind == database.KindClass {
			m.Type = q
		}
	case v.Literal != "":
		m.Type = v.Literal
	case v.Callee != "":
		q, target, ok := s.lookup(v.Callee)
		if !ok {
			break
		}
		switch target.Kind {
		case database.KindClass:
			m.Type = q
		case database.KindFunction:
			m.Type = target.Type
		}
	case v.Ref != "":
		q, target, ok := s.lookup(v.Ref)
		if !ok {
			break
		}
		if target.Kind == database.KindVariable {
			m.Type = target.Type
			break
		}
		// an alias of a function, class or module
		alias := target
		if alias.Target == "" {
			alias.Target = q
		}
		return alias
	}
	return m
}

func (s *scope) importBinding(imp *importDef) {
	if imp.Local == "*" {
		members, ok := s.module(imp.Module)
		if !ok {
			return
		}
		for name, mem := range members {
			if strings.HasPrefix(name, "_") {
				continue
			}
			if mem.Target == "" {
				mem.Target = fqn.Join(imp.Module, name)
			}
			s.members[name] = mem
		}
		return
	}
	if imp.Attr == "" {
		s.members[imp.Local] = database.Member{Kind: database.KindModule, Target: imp.Module}
		return
	}
	if members, ok := s.module(imp.Module); ok {
		if mem, ok := members[imp.Attr]; ok {
			if mem.Target == "" {
				mem.Target = fqn.Join(imp.Module, imp.Attr)
			}
			s.members[imp.Local] = mem
			return
		}
	}
	sub := fqn.Join(imp.Module, imp.Attr)
	if s.c.moduleExists(sub) {
		s.members[imp.Local] = database.Member{Kind: database.KindModule, Target: sub}
		return
	}
	s.members[imp.Local] = database.Member{Kind: database.KindReference, Target: sub}
}

// module returns the table of a module in the group or a base database.
// Reading a group module makes the current entry its dependent.
func (s *scope) module(name string) (map[string]database.Member, bool) {
	if name == s.e.Name {
		return s.members, true
	}
	if dep, ok := s.c.entries[name]; ok {
		s.c.addDependent(name, s.e)
		return dep.members, true
	}
	return s.c.base.lookup(name)
}

func (c *Context) moduleExists(name string) bool {
	if _, ok := c.entries[name]; ok {
		return true
	}
	return c.base.has(name)
}

// lookup resolves a dotted name visible in the module to its qualified name
// and member. Unknown first segments fall back to the builtins module.
func (s *scope) lookup(dotted string) (string, database.Member, bool) {
	parts := strings.Split(dotted, ".")
	mem, ok := s.members[parts[0]]
	qual := mem.Target
	if ok && qual == "" {
		qual = fqn.Join(s.e.Name, parts[0])
	}
	if !ok {
		builtins, found := s.c.base.lookup(lang.BuiltinsModuleName(s.c.opts.Version))
		if !found {
			return "", database.Member{}, false
		}
		if mem, ok = builtins[parts[0]]; !ok {
			return "", database.Member{}, false
		}
		qual = parts[0]
	}

	for _, part := range parts[1:] {
		switch mem.Kind {
		case database.KindModule:
			members, found := s.module(mem.Target)
			next, ok := members[part]
			if !found || !ok {
				sub := fqn.Join(mem.Target, part)
				if !s.c.moduleExists(sub) {
					return "", database.Member{}, false
				}
				mem = database.Member{Kind: database.KindModule, Target: sub}
				qual = sub
				continue
			}
			qual = next.Target
			if qual == "" {
				qual = fqn.Join(mem.Target, part)
			}
			mem = next
		case database.KindClass:
			next, ok := mem.Members[part]
			if !ok {
				return "", database.Member{}, false
			}
			qual = fqn.Join(qual, part)
			mem = next
		default:
			return "", database.Member{}, false
		}
	}
	return qual, mem, true
}

// specialize feeds the entry's call sites into the observed argument types
// of group functions, requeueing any callee module that learned something.
func (s *scope) specialize() {
	var learned []string
	for _, call := range s.e.info.Calls {
		q, target, ok := s.lookup(call.Callee)
		if !ok || target.Kind != database.KindFunction {
			continue
		}
		module, fn := fqn.Parent(q), q[strings.LastIndexByte(q, '.')+1:]
		callee, inGroup := s.c.entries[module]
		if !inGroup || callee.info == nil {
			continue
		}
		if s.c.observe(module, fn, call.ArgTypes) {
			learned = append(learned, module)
		}
	}
	sort.Strings(learned)
	for _, module := range learned {
		s.c.enqueue(s.c.entries[module])
	}
}
