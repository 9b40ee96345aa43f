package compound

import (
	"os"
	"path/filepath"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// ProjectType names the build ecosystem detected in a working directory.
type ProjectType string

const (
	ProjectNode   ProjectType = "node"
	ProjectRust   ProjectType = "rust"
	ProjectGo     ProjectType = "go"
	ProjectPython ProjectType = "python"
	ProjectMake   ProjectType = "make"
)

// detectProject decides the project type by marker-file presence,
// first match wins.
func detectProject(dir string) (ProjectType, error) {
	markers := []struct {
		file string
		typ  ProjectType
	}{
		{"package.json", ProjectNode},
		{"Cargo.toml", ProjectRust},
		{"go.mod", ProjectGo},
		{"pyproject.toml", ProjectPython},
		{"setup.py", ProjectPython},
		{"Makefile", ProjectMake},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.typ, nil
		}
	}
	return "", fault.New(fault.KindInvariantViolation, "no recognizable project in %s", dir)
}

// Gate is one quality check the loop runs between iterations.
type Gate struct {
	Name string
	Cmd  []string

	parse func(lines []string) []GateError
}

// gatesFor returns the gate table for a project type. Typecheck, lint,
// tests, and build gates are included where the ecosystem has them.
func gatesFor(t ProjectType) []Gate {
	switch t {
	case ProjectNode:
		return []Gate{
			{Name: "typecheck", Cmd: []string{"npx", "tsc", "--noEmit"}, parse: parseTSC},
			{Name: "lint", Cmd: []string{"npx", "eslint", "."}, parse: parseESLint},
			{Name: "tests", Cmd: []string{"npm", "test", "--silent"}, parse: parseNodeTests},
		}
	case ProjectRust:
		return []Gate{
			{Name: "typecheck", Cmd: []string{"cargo", "check", "--quiet"}, parse: parseRust},
			{Name: "lint", Cmd: []string{"cargo", "clippy", "--quiet"}, parse: parseRust},
			{Name: "tests", Cmd: []string{"cargo", "test", "--quiet"}, parse: parseRust},
		}
	case ProjectGo:
		return []Gate{
			{Name: "build", Cmd: []string{"go", "build", "./..."}, parse: parseGoTool},
			{Name: "vet", Cmd: []string{"go", "vet", "./..."}, parse: parseGoTool},
			{Name: "tests", Cmd: []string{"go", "test", "./..."}, parse: parseGoTool},
		}
	case ProjectPython:
		return []Gate{
			{Name: "tests", Cmd: []string{"pytest", "-q"}, parse: parsePytest},
		}
	case ProjectMake:
		return []Gate{
			{Name: "build", Cmd: []string{"make"}, parse: parseMake},
			{Name: "tests", Cmd: []string{"make", "test"}, parse: parseMake},
		}
	}
	return nil
}
