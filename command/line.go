package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cverna/browserd/fault"
)

// The one-line form accepts a single call expression such as
//
//	await page.click("#submit")
//	page.click({position:{x:795,y:60}})
//	page.mouse.click(400.5, 200)
//	page.goto("https://example.com", "networkidle")
//
// The parser is a small token scanner, not a JS engine. It understands
// string literals (single or double quoted), integers, floats, and exactly
// one {position:{x:N,y:N}} object. Anything else fails with an
// unparsable_line fault carrying the reason and byte offset.

var callRE = regexp.MustCompile(`^page\.((?:mouse\.)?[A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*;?\s*$`)

var positionRE = regexp.MustCompile(`^\{\s*position\s*:\s*\{\s*x\s*:\s*(-?\d+(?:\.\d+)?)\s*,\s*y\s*:\s*(-?\d+(?:\.\d+)?)\s*\}\s*\}$`)

// lineMethods maps the client-side camelCase vocabulary onto the dispatch
// table names.
var lineMethods = map[string]string{
	"goto":             "goto",
	"click":            "click",
	"fill":             "fill",
	"type":             "type",
	"press":            "press",
	"selectOption":     "select_option",
	"select_option":    "select_option",
	"waitForSelector":  "wait_for_selector",
	"waitForLoadState": "wait_for_load_state",
	"waitForTimeout":   "wait",
	"wait":             "wait",
	"screenshot":       "screenshot",
	"evaluate":         "evaluate",
	"reload":           "reload",
	"goBack":           "back",
	"back":             "back",
	"goForward":        "forward",
	"forward":          "forward",
	"mouse.click":      "mouse_click_xy",
	"getInfo":          "get_info",
	"get_info":         "get_info",
}

func unparsable(reason string, offset int) error {
	return fault.New(fault.UnparsableLine, "cannot parse line: %s", reason).
		WithDetail("reason", reason).
		WithDetail("offset", offset)
}

// ParseLine turns a one-line call expression into a structured request.
// A line whose page.<method> shape matched but whose method is unknown
// returns an unknown_command fault, so the caller can decide about the
// JavaScript fallback.
func ParseLine(line string) (Request, error) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "await ")
	trimmed = strings.TrimSpace(trimmed)

	m := callRE.FindStringSubmatch(trimmed)
	if m == nil {
		return Request{}, unparsable("expected page.<method>(...)", 0)
	}
	method, argSrc := m[1], m[2]

	name, ok := lineMethods[method]
	if !ok {
		return Request{}, fault.New(fault.UnknownCommand, "unknown method %q", method).
			WithDetail("method", method)
	}

	args, kwargs, err := parseArgList(argSrc)
	if err != nil {
		return Request{}, err
	}
	return Request{Command: name, Args: args, Kwargs: kwargs}, nil
}

// parseArgList scans a comma-separated literal list. The position object is
// matched whole and lands in kwargs, matching the structured click form.
func parseArgList(src string) (args []any, kwargs map[string]any, err error) {
	rest := strings.TrimSpace(src)
	if rest == "" {
		return nil, nil, nil
	}

	for {
		offset := len(src) - len(rest)
		value, consumed, perr := parseLiteral(rest)
		if perr != nil {
			if fe, ok := fault.As(perr); ok {
				fe.WithDetail("offset", offset)
			}
			return nil, nil, perr
		}
		if pos, ok := value.(map[string]any); ok {
			if kwargs != nil {
				return nil, nil, unparsable("more than one object literal", offset)
			}
			kwargs = map[string]any{"position": pos}
		} else {
			args = append(args, value)
		}

		rest = strings.TrimSpace(rest[consumed:])
		if rest == "" {
			return args, kwargs, nil
		}
		if rest[0] != ',' {
			return nil, nil, unparsable("expected ',' between arguments", len(src)-len(rest))
		}
		rest = strings.TrimSpace(rest[1:])
		if rest == "" {
			return nil, nil, unparsable("trailing comma", len(src))
		}
	}
}

// parseLiteral consumes one literal from the head of s and reports how many
// bytes it used.
func parseLiteral(s string) (any, int, error) {
	switch {
	case s[0] == '\'' || s[0] == '"':
		return parseString(s)
	case s[0] == '{':
		return parseObject(s)
	default:
		return parseNumber(s)
	}
}

func parseString(s string) (any, int, error) {
	quote := s[0]
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return nil, 0, unparsable("unterminated escape", i)
			}
			next := s[i+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			i += 2
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
			i++
		}
	}
	return nil, 0, unparsable("unterminated string literal", 0)
}

// parseObject accepts only the click-position shape. The object must run to
// its matching close brace; nesting deeper than two levels is rejected.
func parseObject(s string) (any, int, error) {
	depth := 0
	end := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
			if depth > 2 {
				return nil, 0, unparsable("object literal nested too deep", i)
			}
		case '}':
			depth--
			if depth == 0 {
				end = i + 1
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return nil, 0, unparsable("unterminated object literal", 0)
	}
	m := positionRE.FindStringSubmatch(s[:end])
	if m == nil {
		return nil, 0, unparsable("only {position:{x:N,y:N}} objects are supported", 0)
	}
	x, _ := strconv.ParseFloat(m[1], 64)
	y, _ := strconv.ParseFloat(m[2], 64)
	return map[string]any{"x": x, "y": y}, end, nil
}

var numberRE = regexp.MustCompile(`^-?\d+(\.\d+)?`)

func parseNumber(s string) (any, int, error) {
	m := numberRE.FindString(s)
	if m == "" {
		return nil, 0, unparsable(fmt.Sprintf("unexpected token %q", firstToken(s)), 0)
	}
	if strings.Contains(m, ".") {
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil, 0, unparsable("bad float literal", 0)
		}
		return f, len(m), nil
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return nil, 0, unparsable("bad integer literal", 0)
	}
	return n, len(m), nil
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, ", )"); i > 0 {
		return s[:i]
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// canonicalMethod renders dispatch-table names back into the camelCase
// client vocabulary.
var canonicalMethod = map[string]string{
	"select_option":       "selectOption",
	"wait_for_selector":   "waitForSelector",
	"wait_for_load_state": "waitForLoadState",
	"wait":                "waitForTimeout",
	"back":                "goBack",
	"forward":             "goForward",
	"mouse_click_xy":      "mouse.click",
	"get_info":            "getInfo",
}

// Line renders the request back into its one-line form. Inverse of
// ParseLine for the supported vocabulary; used by tests and diagnostics.
func (r Request) Line() string {
	method := r.Command
	if m, ok := canonicalMethod[r.Command]; ok {
		method = m
	}
	parts := make([]string, 0, len(r.Args)+1)
	for _, a := range r.Args {
		switch v := a.(type) {
		case string:
			parts = append(parts, strconv.Quote(v))
		case float64:
			parts = append(parts, strconv.FormatFloat(v, 'f', -1, 64))
		case int:
			parts = append(parts, strconv.Itoa(v))
		default:
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	if pos, ok := r.Kwargs["position"].(map[string]any); ok {
		x, _ := pos["x"].(float64)
		y, _ := pos["y"].(float64)
		parts = append(parts, fmt.Sprintf("{position:{x:%s,y:%s}}",
			strconv.FormatFloat(x, 'f', -1, 64), strconv.FormatFloat(y, 'f', -1, 64)))
	}
	return fmt.Sprintf("page.%s(%s)", method, strings.Join(parts, ", "))
}
