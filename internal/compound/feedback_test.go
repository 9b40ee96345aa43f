package compound

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeGate(name string) Gate {
	for _, g := range gatesFor(ProjectNode) {
		if g.Name == name {
			return g
		}
	}
	panic("no such gate: " + name)
}

func TestStructuredErrorsCappedPerGate(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 35; i++ {
		fmt.Fprintf(&b, "src/file%d.ts(%d,1): error TS2304: Cannot find name 'x%d'.\n", i, i, i)
	}
	res := gateResult(nodeGate("typecheck"), b.String(), false)

	assert.Len(t, res.Errors, maxErrorsPerGate)
	assert.Empty(t, res.RawTail, "raw tail only appears when nothing parsed")
	assert.Equal(t, "src/file1.ts", res.Errors[0].File)
	assert.Equal(t, 1, res.Errors[0].Line)
	assert.Equal(t, "TS2304", res.Errors[0].Code)
}

func TestRawTailOnlyWhenNothingParsed(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 30; i++ {
		fmt.Fprintf(&b, "opaque diagnostic line %d\n", i)
	}
	b.WriteString("\n\n")
	res := gateResult(nodeGate("typecheck"), b.String(), false)

	assert.Empty(t, res.Errors)
	require.Len(t, res.RawTail, rawTailLines)
	assert.Equal(t, "opaque diagnostic line 16", res.RawTail[0])
	assert.Equal(t, "opaque diagnostic line 30", res.RawTail[len(res.RawTail)-1])
}

func TestFailedGateAlwaysCountsAtLeastOneError(t *testing.T) {
	fb := Feedback{Gates: []GateResult{
		{Gate: "typecheck", Passed: true},
		{Gate: "lint", Passed: false}, // failed, nothing parsed
		{Gate: "tests", Passed: false, Errors: []GateError{{Message: "FAIL x"}, {Message: "FAIL y"}}},
	}}
	fb.finalize()
	assert.Equal(t, 3, fb.TotalErrors)
	assert.False(t, fb.AllPassed())
}

func TestESLintBothFormats(t *testing.T) {
	out := strings.Join([]string{
		"/repo/src/a.js:3:1: Unexpected var, use let or const instead.  no-var",
		"src/b.js: line 7, col 2 - no-unused-vars: 'x' is defined but never used.",
		"noise line",
	}, "\n")
	errs := parseESLint(strings.Split(out, "\n"))
	require.Len(t, errs, 2)
	assert.Equal(t, "no-var", errs[0].Code)
	assert.Equal(t, 3, errs[0].Line)
	assert.Equal(t, "src/b.js", errs[1].File)
	assert.Equal(t, "no-unused-vars", errs[1].Code)
	assert.Equal(t, "'x' is defined but never used.", errs[1].Message)
}

func TestNodeTestsExcludeENOENT(t *testing.T) {
	out := []string{
		"FAIL test/a.test.js",
		"Error: ENOENT: no such file or directory, open 'x'",
		"Error: expected 2 to equal 3",
		"  at Object.<anonymous>",
	}
	errs := parseNodeTests(out)
	require.Len(t, errs, 2)
	assert.Equal(t, "FAIL test/a.test.js", errs[0].Message)
	assert.Equal(t, "Error: expected 2 to equal 3", errs[1].Message)
}

func TestRustErrorsAssociateLocations(t *testing.T) {
	out := []string{
		"error[E0425]: cannot find value `f` in this scope",
		" --> src/main.rs:3:5",
		"  |",
		"error: aborting due to previous error",
	}
	errs := parseRust(out)
	require.Len(t, errs, 2)
	assert.Equal(t, "E0425", errs[0].Code)
	assert.Equal(t, "src/main.rs", errs[0].File)
	assert.Equal(t, 3, errs[0].Line)
	assert.Equal(t, 5, errs[0].Col)
	assert.Equal(t, "aborting due to previous error", errs[1].Message)
	assert.Empty(t, errs[1].File)
}

func TestGoAndMakeDiagnostics(t *testing.T) {
	goErrs := parseGoTool([]string{
		"# github.com/x/y",
		"pkg/a.go:12:6: undefined: frobnicate",
	})
	require.Len(t, goErrs, 1)
	assert.Equal(t, "pkg/a.go", goErrs[0].File)
	assert.Equal(t, 12, goErrs[0].Line)

	makeErrs := parseMake([]string{
		"src/x.c:3: error: expected ';' before 'return'",
		"make: *** [all] Error 1",
	})
	require.Len(t, makeErrs, 1)
	assert.Equal(t, "src/x.c", makeErrs[0].File)
	assert.Equal(t, "expected ';' before 'return'", makeErrs[0].Message)
}

func TestPytestLines(t *testing.T) {
	errs := parsePytest([]string{
		"FAILED tests/test_a.py::test_add - assert 1 == 2",
		"ERROR tests/test_b.py - ImportError",
		"E       AssertionError: lists differ",
		"1 failed, 3 passed in 0.2s",
	})
	assert.Len(t, errs, 3)
}

func TestRingDoneScopedToLastReengage(t *testing.T) {
	// Iteration 1 completion satisfies iteration 1 only.
	first := []string{"working on it", "TASK COMPLETE"}
	assert.True(t, ringDone(first, 1))
	assert.False(t, ringDone(first, 2), "stale completion must not satisfy a later round")

	second := append(first, "RE-ENGAGED for iteration 2.", "still working")
	assert.False(t, ringDone(second, 2))

	third := append(second, "TASK COMPLETE")
	assert.True(t, ringDone(third, 2))
}

func TestDetectProject(t *testing.T) {
	cases := []struct {
		marker string
		want   ProjectType
	}{
		{"package.json", ProjectNode},
		{"Cargo.toml", ProjectRust},
		{"go.mod", ProjectGo},
		{"pyproject.toml", ProjectPython},
		{"setup.py", ProjectPython},
		{"Makefile", ProjectMake},
	}
	for _, tc := range cases {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, tc.marker), []byte("x"), 0o644))
		got, err := detectProject(dir)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.marker)
	}

	// package.json wins when several markers coexist.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))
	got, err := detectProject(dir)
	require.NoError(t, err)
	assert.Equal(t, ProjectNode, got)

	_, err = detectProject(t.TempDir())
	require.Error(t, err)
}
