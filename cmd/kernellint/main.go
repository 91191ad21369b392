// Command kernellint is a go/analysis pass grounded on
// misc/depgraph/main.go (the teacher's only other host-side static-
// analysis tool): it flags syscall handlers that copy from user memory
// (vm.CopyIn/CopyInString/CopyOut/CopyOutString, §4.6) without first
// calling vm.ValidateUserPtr or vm.ValidateUserPtrMapped in the same
// function (§7 tier 3: every pointer crossing the syscall boundary must
// be validated before use, never just before a silent return).
//
// With -pointer it additionally builds the SSA form of the package under
// lint and runs golang.org/x/tools/go/pointer over it, flagging a Copy*
// call whose first argument may point to more than one allocation; it
// does not track whether any of those values passed a ValidateUserPtr*
// call. This is necessarily intra-package: the
// pack carries no whole-program entry point for this tool to build a
// cross-package call graph from, so -pointer only strengthens the
// single-package result, never replaces it.
package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"os"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/analysis/singlechecker"
	"golang.org/x/tools/go/ast/inspector"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

var usePointer *bool

// Analyzer is kernellint's single check. It is run through singlechecker,
// the same minimal driver convention `go vet`'s built-in analyzers use.
var Analyzer = &analysis.Analyzer{
	Name:     "kernellint",
	Doc:      "flags vm.CopyIn/CopyOut calls not preceded by a vm.ValidateUserPtr* call in the same function",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

const validatedPkg = "goos32/vm"

var copyFuncs = map[string]bool{
	"CopyIn":       true,
	"CopyInString": true,
	"CopyOut":      true,
	"CopyOutString": true,
}

var validateFuncs = map[string]bool{
	"ValidateUserPtr":       true,
	"ValidateUserPtrMapped": true,
}

func init() {
	usePointer = Analyzer.Flags.Bool("pointer", false, "also run a go/pointer aliasing check (intra-package only)")
}

func main() {
	singlechecker.Main(Analyzer)
}

// vmCall reports the unqualified name of a goos32/vm.X(...) call, if call
// is exactly that shape.
func vmCall(pass *analysis.Pass, call *ast.CallExpr) string {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return ""
	}
	pkgIdent, ok := sel.X.(*ast.Ident)
	if !ok {
		return ""
	}
	pkgName, ok := pass.TypesInfo.Uses[pkgIdent].(*types.PkgName)
	if !ok || pkgName.Imported().Path() != validatedPkg {
		return ""
	}
	return sel.Sel.Name
}

func run(pass *analysis.Pass) (interface{}, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{(*ast.FuncDecl)(nil)}
	insp.Preorder(nodeFilter, func(n ast.Node) {
		fd := n.(*ast.FuncDecl)
		if fd.Body == nil {
			return
		}
		checkFunc(pass, fd)
	})

	if *usePointer {
		runPointerCheck(pass)
	}
	return nil, nil
}

// checkFunc walks fd's body in source order, tracking whether a
// validating call has been seen yet, and reports every Copy* call that
// precedes one.
func checkFunc(pass *analysis.Pass, fd *ast.FuncDecl) {
	type event struct {
		pos      token.Pos
		validate bool
		copyName string
	}
	var events []event

	ast.Inspect(fd.Body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		name := vmCall(pass, call)
		if validateFuncs[name] {
			events = append(events, event{pos: call.Pos(), validate: true})
		} else if copyFuncs[name] {
			events = append(events, event{pos: call.Pos(), copyName: name})
		}
		return true
	})

	validated := false
	for _, e := range events {
		if e.validate {
			validated = true
			continue
		}
		if e.copyName != "" && !validated {
			pass.Reportf(e.pos, "%s.%s called before any vm.ValidateUserPtr/ValidateUserPtrMapped in %s", validatedPkg, e.copyName, fd.Name.Name)
		}
	}
}

// runPointerCheck builds single-package SSA for the package under lint,
// queries go/pointer for the first argument of every Copy* call, and
// reports each one whose points-to set holds more than one allocation.
// It does not consult ValidateUserPtr* call sites.
func runPointerCheck(pass *analysis.Pass) {
	ssaPkg, _, err := ssautil.BuildPackage(
		&types.Config{Importer: nil},
		pass.Fset, pass.Pkg, pass.Files, ssa.SanityCheckFunctions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernellint: -pointer: building SSA for %s: %v\n", pass.Pkg.Path(), err)
		return
	}
	ssaPkg.Build()

	var queries []ssa.Value
	for _, mem := range ssaPkg.Members {
		fn, ok := mem.(*ssa.Function)
		if !ok {
			continue
		}
		for _, b := range fn.Blocks {
			for _, instr := range b.Instrs {
				call, ok := instr.(*ssa.Call)
				if !ok {
					continue
				}
				callee := call.Call.StaticCallee()
				if callee == nil || callee.Pkg == nil || callee.Pkg.Pkg.Path() != validatedPkg {
					continue
				}
				if copyFuncs[callee.Name()] && len(call.Call.Args) > 0 {
					queries = append(queries, call.Call.Args[0])
				}
			}
		}
	}
	if len(queries) == 0 {
		return
	}

	cfg := &pointer.Config{Mains: []*ssa.Package{ssaPkg}, BuildCallGraph: false}
	for _, q := range queries {
		cfg.AddQuery(q)
	}
	result, err := pointer.Analyze(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernellint: -pointer: %v\n", err)
		return
	}
	for _, q := range queries {
		ptr, ok := result.Queries[q]
		if !ok {
			continue
		}
		if ptr.PointsTo().Len() > 1 {
			pass.Reportf(q.Pos(), "copy source may alias %d distinct allocations; verify every alias was validated", ptr.PointsTo().Len())
		}
	}
}
