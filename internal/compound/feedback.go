package compound

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxErrorsPerGate = 20
	rawTailLines     = 15
)

// GateError is one structured diagnostic extracted from gate output.
type GateError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Col     int    `json:"col,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// GateResult is one gate's outcome: its errors when parsing found any,
// otherwise the raw tail of its output.
type GateResult struct {
	Gate    string      `json:"gate"`
	Passed  bool        `json:"passed"`
	Errors  []GateError `json:"errors,omitempty"`
	RawTail []string    `json:"rawTail,omitempty"`
}

// Feedback is a full gate sweep, fed back to workers between
// iterations.
type Feedback struct {
	Gates       []GateResult `json:"gates"`
	TotalErrors int          `json:"totalErrors"`
}

// AllPassed reports whether every gate in the sweep passed.
func (f *Feedback) AllPassed() bool {
	for _, g := range f.Gates {
		if !g.Passed {
			return false
		}
	}
	return true
}

// finalize computes TotalErrors. A failed gate whose output parsed to
// nothing still counts as one error so the failure stays visible.
func (f *Feedback) finalize() {
	f.TotalErrors = 0
	for _, g := range f.Gates {
		if g.Passed {
			continue
		}
		n := len(g.Errors)
		if n == 0 {
			n = 1
		}
		f.TotalErrors += n
	}
}

// Summary renders the feedback as a prompt fragment for the next
// iteration.
func (f *Feedback) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d error(s) across quality gates.\n", f.TotalErrors)
	for _, g := range f.Gates {
		if g.Passed {
			fmt.Fprintf(&b, "[%s] passed\n", g.Gate)
			continue
		}
		fmt.Fprintf(&b, "[%s] FAILED\n", g.Gate)
		for _, e := range g.Errors {
			switch {
			case e.File != "" && e.Col > 0:
				fmt.Fprintf(&b, "  %s:%d:%d: %s\n", e.File, e.Line, e.Col, e.Message)
			case e.File != "":
				fmt.Fprintf(&b, "  %s:%d: %s\n", e.File, e.Line, e.Message)
			default:
				fmt.Fprintf(&b, "  %s\n", e.Message)
			}
		}
		for _, line := range g.RawTail {
			fmt.Fprintf(&b, "  > %s\n", line)
		}
	}
	return b.String()
}

// gateResult parses a gate's combined output. Structured errors are
// capped; a failed gate with no parse hits keeps a raw output tail
// instead.
func gateResult(g Gate, output string, passed bool) GateResult {
	res := GateResult{Gate: g.Name, Passed: passed}
	if passed {
		return res
	}
	lines := strings.Split(output, "\n")
	if g.parse != nil {
		res.Errors = g.parse(lines)
		if len(res.Errors) > maxErrorsPerGate {
			res.Errors = res.Errors[:maxErrorsPerGate]
		}
	}
	if len(res.Errors) == 0 {
		res.RawTail = rawTail(lines, rawTailLines)
	}
	return res
}

// rawTail returns the last limit non-empty lines.
func rawTail(lines []string, limit int) []string {
	var tail []string
	for i := len(lines) - 1; i >= 0 && len(tail) < limit; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			tail = append(tail, s)
		}
	}
	// Collected backwards; restore file order.
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return tail
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// tsc: src/x.ts(3,1): error TS2304: Cannot find name 'f'.
var tscRe = regexp.MustCompile(`^(.+)\((\d+),(\d+)\): error (\w+): (.*)$`)

func parseTSC(lines []string) []GateError {
	var out []GateError
	for _, line := range lines {
		m := tscRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		out = append(out, GateError{File: m[1], Line: atoi(m[2]), Col: atoi(m[3]), Code: m[4], Message: m[5]})
		if len(out) == maxErrorsPerGate {
			break
		}
	}
	return out
}

// eslint stylish: /abs/path/x.js:3:1: Unexpected var.  no-var
// eslint compact: src/x.js: line 3, col 1 - no-var: Unexpected var.
var (
	eslintStylishRe = regexp.MustCompile(`^(/.+):(\d+):(\d+): (.*?)\s{2,}(\S+)$`)
	eslintCompactRe = regexp.MustCompile(`^(.+): line (\d+), col (\d+) - ([-\w/]+): (.*)$`)
)

func parseESLint(lines []string) []GateError {
	var out []GateError
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if m := eslintStylishRe.FindStringSubmatch(line); m != nil {
			out = append(out, GateError{File: m[1], Line: atoi(m[2]), Col: atoi(m[3]), Code: m[5], Message: m[4]})
		} else if m := eslintCompactRe.FindStringSubmatch(line); m != nil {
			out = append(out, GateError{File: m[1], Line: atoi(m[2]), Col: atoi(m[3]), Code: m[4], Message: m[5]})
		}
		if len(out) == maxErrorsPerGate {
			break
		}
	}
	return out
}

// node test runners: FAIL headers and thrown Error lines. ENOENT lines
// are tool noise (missing script, missing binary), not test failures.
func parseNodeTests(lines []string) []GateError {
	var out []GateError
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "FAIL ") && !strings.HasPrefix(line, "Error: ") {
			continue
		}
		if strings.Contains(line, "ENOENT") {
			continue
		}
		out = append(out, GateError{Message: line})
		if len(out) == maxErrorsPerGate {
			break
		}
	}
	return out
}

// rustc: error[E0425]: cannot find value `f`
//          --> src/main.rs:3:5
var (
	rustErrRe = regexp.MustCompile(`^error(?:\[(\w+)\])?: (.*)$`)
	rustLocRe = regexp.MustCompile(`^\s*--> (.+):(\d+):(\d+)$`)
)

func parseRust(lines []string) []GateError {
	var out []GateError
	var pending *GateError
	flush := func() {
		if pending != nil && len(out) < maxErrorsPerGate {
			out = append(out, *pending)
		}
		pending = nil
	}
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if m := rustErrRe.FindStringSubmatch(line); m != nil {
			flush()
			pending = &GateError{Code: m[1], Message: m[2]}
			continue
		}
		if m := rustLocRe.FindStringSubmatch(line); m != nil && pending != nil {
			pending.File = m[1]
			pending.Line = atoi(m[2])
			pending.Col = atoi(m[3])
			flush()
		}
	}
	flush()
	return out
}

// go tool chain: file.go:3:5: undefined: f
var goDiagRe = regexp.MustCompile(`^(.+?\.go):(\d+):(\d+): (.*)$`)

func parseGoTool(lines []string) []GateError {
	var out []GateError
	for _, line := range lines {
		m := goDiagRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		out = append(out, GateError{File: m[1], Line: atoi(m[2]), Col: atoi(m[3]), Message: m[4]})
		if len(out) == maxErrorsPerGate {
			break
		}
	}
	return out
}

// pytest: FAILED test_x.py::test_f - assert 1 == 2, plus collection
// ERROR lines and bare assertion output.
func parsePytest(lines []string) []GateError {
	var out []GateError
	for _, line := range lines {
		line = strings.TrimSpace(line)
		ok := strings.HasPrefix(line, "FAILED ") ||
			strings.HasPrefix(line, "ERROR ") ||
			strings.Contains(line, "AssertionError:")
		if !ok {
			continue
		}
		out = append(out, GateError{Message: line})
		if len(out) == maxErrorsPerGate {
			break
		}
	}
	return out
}

// make / gcc style: src/x.c:3: error: expected ';'
var makeErrRe = regexp.MustCompile(`^(.+?):(\d+):(?:\d+:)? error: (.*)$`)

func parseMake(lines []string) []GateError {
	var out []GateError
	for _, line := range lines {
		m := makeErrRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		out = append(out, GateError{File: m[1], Line: atoi(m[2]), Message: m[3]})
		if len(out) == maxErrorsPerGate {
			break
		}
	}
	return out
}
