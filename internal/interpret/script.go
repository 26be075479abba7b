package interpret

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Verb is a build script directive.
type Verb int

const (
	// VerbNone is a blank line. It does nothing but still completes.
	VerbNone Verb = iota
	VerbLog
	VerbMount
	VerbUnmount
	VerbPopulate
	VerbRunScript
	VerbPivot
	VerbKernel
	VerbTarIt
	VerbISOIt
	VerbNetbootIt
	VerbHashIt
)

type verbShape struct {
	name    string
	minArgs int
	maxArgs int
}

// restOfLine marks a verb whose single argument is the remainder of the line.
const restOfLine = -1

var verbs = map[Verb]verbShape{
	VerbLog:       {"log", 1, restOfLine},
	VerbMount:     {"mount", 0, 0},
	VerbUnmount:   {"unmount", 0, 0},
	VerbPopulate:  {"populate", 1, 1},
	VerbRunScript: {"runscript", 1, 1},
	VerbPivot:     {"pivot", 1, 1},
	VerbKernel:    {"kernel", 0, 1},
	VerbTarIt:     {"tarit", 0, 1},
	VerbISOIt:     {"isoit", 0, 1},
	VerbNetbootIt: {"netbootit", 0, 1},
	VerbHashIt:    {"hashit", 0, 0},
}

var verbsByName = func() map[string]Verb {
	byName := make(map[string]Verb, len(verbs))
	for verb, shape := range verbs {
		byName[shape.name] = verb
	}
	return byName
}()

func (v Verb) String() string {
	if v == VerbNone {
		return "none"
	}
	if shape, ok := verbs[v]; ok {
		return shape.name
	}
	return fmt.Sprintf("verb(%d)", int(v))
}

// Directive is one executable line of a build script.
type Directive struct {
	// Line is the 1-based physical line number, comments included. It keys
	// the line's progress stamp.
	Line int
	// Text is the line as written, without the trailing newline.
	Text string
	// Update marks a line prefixed with '+'.
	Update bool
	Verb   Verb
	Args   []string
	// Cycle is the parsed argument of populate.
	Cycle int
}

// Arg returns the first argument, or "".
func (d Directive) Arg() string {
	if len(d.Args) == 0 {
		return ""
	}
	return d.Args[0]
}

// Script is a parsed build script.
type Script struct {
	Directives []Directive
}

// ParseError rejects a script line.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// ParseFile parses the build script at path.
func ParseFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open build script: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a build script. Lines starting with '#' are comments; they
// produce no directive but still advance the line number.
func Parse(r io.Reader) (*Script, error) {
	script := &Script{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(text, "#") {
			continue
		}
		directive, err := parseLine(line, text)
		if err != nil {
			return nil, err
		}
		script.Directives = append(script.Directives, directive)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read build script: %w", err)
	}
	return script, nil
}

func parseLine(line int, text string) (Directive, error) {
	d := Directive{Line: line, Text: text}
	body := text
	if strings.HasPrefix(body, "+") {
		d.Update = true
		body = body[1:]
	}

	fields := strings.Fields(body)
	if len(fields) == 0 {
		return d, nil
	}

	verb, ok := verbsByName[fields[0]]
	if !ok {
		return d, &ParseError{Line: line, Text: text, Reason: fmt.Sprintf("unknown verb %q", fields[0])}
	}
	d.Verb = verb
	shape := verbs[verb]
	args := fields[1:]

	if shape.maxArgs == restOfLine {
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(body), fields[0]))
		if rest != "" {
			args = []string{rest}
		}
	}
	if len(args) < shape.minArgs || (shape.maxArgs != restOfLine && len(args) > shape.maxArgs) {
		return d, &ParseError{Line: line, Text: text, Reason: fmt.Sprintf("%s takes %s", shape.name, arity(shape))}
	}
	d.Args = args

	if verb == VerbPopulate {
		cycle, err := strconv.Atoi(args[0])
		if err != nil {
			return d, &ParseError{Line: line, Text: text, Reason: "populate cycle must be an integer"}
		}
		d.Cycle = cycle
	}
	return d, nil
}

func arity(shape verbShape) string {
	switch {
	case shape.maxArgs == restOfLine:
		return "a message"
	case shape.minArgs == shape.maxArgs && shape.maxArgs == 0:
		return "no arguments"
	case shape.minArgs == shape.maxArgs:
		return fmt.Sprintf("%d argument", shape.minArgs)
	default:
		return fmt.Sprintf("at most %d argument", shape.maxArgs)
	}
}
