// Command depgraph-check verifies this repository's flat package layout
// (pfa, vmm, kheap, sched, proc, ...) has no import cycles, the same
// discipline the teacher's misc/depgraph tool exists to support for
// biscuit's many single-purpose packages — that tool renders a Graphviz
// dependency graph from `go mod graph`; this one goes a step further and
// actually fails closed when a cycle is present, using
// golang.org/x/tools/go/packages to load the real import graph rather
// than shelling out to `go mod graph` (which only sees module-level, not
// package-level, edges).
package main

import (
	"fmt"
	"os"

	"golang.org/x/tools/go/packages"
)

func main() {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		fmt.Fprintln(os.Stderr, "depgraph-check:", err)
		os.Exit(1)
	}

	visiting := map[string]bool{}
	visited := map[string]bool{}
	var cyclePath []string
	var visit func(p *packages.Package) bool
	visit = func(p *packages.Package) bool {
		if visited[p.PkgPath] {
			return false
		}
		if visiting[p.PkgPath] {
			cyclePath = append(cyclePath, p.PkgPath)
			return true
		}
		visiting[p.PkgPath] = true
		cyclePath = append(cyclePath, p.PkgPath)
		for _, imp := range p.Imports {
			if visit(imp) {
				return true
			}
		}
		cyclePath = cyclePath[:len(cyclePath)-1]
		visiting[p.PkgPath] = false
		visited[p.PkgPath] = true
		return false
	}

	for _, p := range pkgs {
		cyclePath = nil
		if visit(p) {
			fmt.Fprintln(os.Stderr, "depgraph-check: import cycle detected:")
			for _, step := range cyclePath {
				fmt.Fprintln(os.Stderr, "  ", step)
			}
			os.Exit(1)
		}
	}
}
