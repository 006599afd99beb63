// Package analyzer extracts the dependency declarations of a module source
// file without executing it.
//
// Scripts declare dependencies in a prologue of simple attributes:
//
//	use    = "server"
//	Header = public.common.Header
//	row    = __module__.row.html
//	util   = file("../shared/util.hcl")
//
// Templates depend on the template engine and on every partial they include
// that they do not define themselves.
package analyzer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SourceKind classifies module files by extension.
type SourceKind int

const (
	KindAuxiliary SourceKind = iota
	KindScript
	KindTemplate
	KindStylesheet
)

// String returns the kind name.
func (k SourceKind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindTemplate:
		return "template"
	case KindStylesheet:
		return "stylesheet"
	default:
		return "auxiliary"
	}
}

// KindOf returns the source kind of a file name.
func KindOf(name string) SourceKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hcl":
		return KindScript
	case ".html", ".tmpl", ".gohtml":
		return KindTemplate
	case ".css":
		return KindStylesheet
	default:
		return KindAuxiliary
	}
}

// RefKind is the addressing scheme of a dependency reference.
type RefKind int

const (
	// RefTree is a dotted module path resolved lexically through the tree.
	RefTree RefKind = iota
	// RefModule addresses another nickname of the referencing module.
	RefModule
	// RefAbsolute addresses a file on disk.
	RefAbsolute
	// RefEngine is the template engine itself.
	RefEngine
)

// ModulePrefix is the root name of in-module references.
const ModulePrefix = "__module__"

// EngineName identifies the template engine dependency.
const EngineName = "html/template"

// Reference is one declared, unresolved dependency.
type Reference struct {
	// LocalName is the name the dependency is bound to inside the source.
	LocalName string
	Kind      RefKind
	// Path is a dotted tree path, a nickname, a file path or the engine
	// name depending on Kind.
	Path string
	Line int
}

// String renders the reference the way it is written in a script.
func (r Reference) String() string {
	switch r.Kind {
	case RefModule:
		return ModulePrefix + "." + r.Path
	case RefAbsolute:
		return fmt.Sprintf("file(%q)", r.Path)
	case RefEngine:
		return "engine:" + r.Path
	default:
		return r.Path
	}
}

// Environment is a target environment a script is meant to run in.
type Environment string

const (
	EnvServer  Environment = "server"
	EnvBrowser Environment = "browser"
)

// Analysis is the result of analyzing one source file.
type Analysis struct {
	Kind         SourceKind
	References   []Reference
	Environments []Environment
	// Strict is set by the "strict" directive.
	Strict bool
}

// Targets reports whether the analyzed file should run in env.
func (a *Analysis) Targets(env Environment) bool {
	for _, e := range a.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// Analyzer extracts dependency references from source text.
type Analyzer interface {
	Analyze(filename string, src []byte) (*Analysis, error)
}

// ForKind returns the analyzer for a source kind.
func ForKind(kind SourceKind) Analyzer {
	switch kind {
	case KindScript:
		return ScriptAnalyzer{}
	case KindTemplate:
		return TemplateAnalyzer{}
	default:
		return staticAnalyzer{kind: kind}
	}
}

// Analyze runs the analyzer matching the file extension.
func Analyze(filename string, src []byte) (*Analysis, error) {
	return ForKind(KindOf(filename)).Analyze(filename, src)
}

func defaultEnvironments() []Environment {
	return []Environment{EnvServer, EnvBrowser}
}

// staticAnalyzer handles stylesheets and auxiliary files, which never
// declare dependencies.
type staticAnalyzer struct {
	kind SourceKind
}

func (s staticAnalyzer) Analyze(string, []byte) (*Analysis, error) {
	return &Analysis{Kind: s.kind, Environments: defaultEnvironments()}, nil
}

// ParseTreePath splits a dotted reference written in a template or a
// configuration value into a Reference.
func ParseTreePath(localName, ref string) Reference {
	switch {
	case strings.HasPrefix(ref, ModulePrefix+"."):
		return Reference{LocalName: localName, Kind: RefModule, Path: strings.TrimPrefix(ref, ModulePrefix+".")}
	case strings.HasPrefix(ref, "/"), strings.HasPrefix(ref, "./"), strings.HasPrefix(ref, "../"):
		return Reference{LocalName: localName, Kind: RefAbsolute, Path: ref}
	default:
		return Reference{LocalName: localName, Kind: RefTree, Path: ref}
	}
}
