package command

import (
	"reflect"
	"testing"

	"github.com/cverna/browserd/fault"
)

func TestParseLine_Selector(t *testing.T) {
	req, err := ParseLine(`page.click("#submit")`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Request{Command: "click", Args: []any{"#submit"}}
	if !reflect.DeepEqual(req, want) {
		t.Fatalf("got %+v, want %+v", req, want)
	}
}

func TestParseLine_AwaitPrefixAndSingleQuotes(t *testing.T) {
	req, err := ParseLine(`await page.fill('#q', 'hello world')`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Request{Command: "fill", Args: []any{"#q", "hello world"}}
	if !reflect.DeepEqual(req, want) {
		t.Fatalf("got %+v, want %+v", req, want)
	}
}

func TestParseLine_PositionObject(t *testing.T) {
	req, err := ParseLine(`page.click({position:{x:795,y:60}})`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pos, ok := req.Kwargs["position"].(map[string]any)
	if !ok {
		t.Fatalf("kwargs: %+v", req.Kwargs)
	}
	if pos["x"] != 795.0 || pos["y"] != 60.0 {
		t.Fatalf("position: %+v", pos)
	}
	if len(req.Args) != 0 {
		t.Fatalf("args: %+v", req.Args)
	}
}

func TestParseLine_MouseClickFloats(t *testing.T) {
	req, err := ParseLine(`page.mouse.click(400.5, 200)`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Request{Command: "mouse_click_xy", Args: []any{400.5, 200}}
	if !reflect.DeepEqual(req, want) {
		t.Fatalf("got %+v, want %+v", req, want)
	}
}

func TestParseLine_CamelCaseMapping(t *testing.T) {
	cases := map[string]string{
		`page.waitForSelector("#x")`:     "wait_for_selector",
		`page.waitForLoadState("load")`:  "wait_for_load_state",
		`page.waitForTimeout(500)`:       "wait",
		`page.selectOption("#s", "v")`:   "select_option",
		`page.goBack()`:                  "back",
		`page.goForward()`:               "forward",
		`page.goto("https://a.example")`: "goto",
	}
	for line, want := range cases {
		req, err := ParseLine(line)
		if err != nil {
			t.Errorf("%s: %v", line, err)
			continue
		}
		if req.Command != want {
			t.Errorf("%s: got %q, want %q", line, req.Command, want)
		}
	}
}

func TestParseLine_EscapedQuote(t *testing.T) {
	req, err := ParseLine(`page.type("say \"hi\"")`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Args[0] != `say "hi"` {
		t.Fatalf("arg: %q", req.Args[0])
	}
}

func TestParseLine_UnknownMethod(t *testing.T) {
	_, err := ParseLine(`page.teleport("#x")`)
	if !fault.Is(err, fault.UnknownCommand) {
		t.Fatalf("got %v, want unknown command", err)
	}
}

func TestParseLine_Unparsable(t *testing.T) {
	cases := []string{
		`document.title`,
		`page.click(`,
		`page.click({foo:{x:1,y:2}})`,
		`page.click("#a" "#b")`,
		`page.click(#a)`,
		`page.click("#a",)`,
	}
	for _, line := range cases {
		_, err := ParseLine(line)
		if !fault.Is(err, fault.UnparsableLine) {
			t.Errorf("%s: got %v, want unparsable line", line, err)
		}
	}
}

func TestParseLine_OffsetDetail(t *testing.T) {
	_, err := ParseLine(`page.fill("#q", nope)`)
	fe, ok := fault.As(err)
	if !ok || fe.Kind != fault.UnparsableLine {
		t.Fatalf("got %v", err)
	}
	if _, has := fe.Details["offset"]; !has {
		t.Fatalf("details: %+v", fe.Details)
	}
}

// Parsing a supported line, rendering it back and parsing again must yield
// the same structured command.
func TestParseLine_RoundTrip(t *testing.T) {
	lines := []string{
		`page.click("#submit")`,
		`page.fill("#q", "hello")`,
		`page.goto("https://example.com")`,
		`page.mouse.click(400.5, 200)`,
		`page.click({position:{x:795,y:60}})`,
		`page.waitForSelector("#x")`,
		`page.waitForTimeout(500)`,
		`page.goBack()`,
	}
	for _, line := range lines {
		first, err := ParseLine(line)
		if err != nil {
			t.Fatalf("%s: %v", line, err)
		}
		second, err := ParseLine(first.Line())
		if err != nil {
			t.Fatalf("re-parse %q: %v", first.Line(), err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%s: %+v != %+v (via %q)", line, first, second, first.Line())
		}
	}
}
