package doc

import (
	"strings"
	"testing"

	"github.com/metatocome/hyperflow/pkg/api"
)

// fixture exercises every node type plus UI-only attributes and inner
// content that the engine must carry through untouched.
const fixture = `<div class="template" data-zoom="0.8">
<div class="node START" id="start" data-x="10" data-y="20"><p>begin</p></div>
<div class="node ACTION" id="approve" role="dept-leader" transferable="true" data-x="120"></div>
<div class="node OR" id="gate"></div>
<div class="node SCRIPT" id="calc" code="cmV0dXJuIGhpZ2g="></div>
<div class="node WAIT" id="cooloff" delay="3600"></div>
<div class="node WAIT" id="extern" cbp="true" wecombotkey="bot-1"></div>
<div class="node END" id="done"></div>
<div class="link" from="start" to="approve"></div>
<div class="link" from="approve" to="gate"></div>
<div class="link" from="gate" to="calc" case="high"></div>
<div class="link" from="gate" to="cooloff"></div>
<div class="link" from="calc" to="extern"></div>
<div class="link" from="cooloff" to="done"></div>
<div class="link" from="extern" to="done"></div>
</div>`

func TestParseRoundTripUnmodified(t *testing.T) {
	d, err := Parse(fixture)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out := d.Serialize()
	if out != fixture {
		t.Fatalf("round trip changed the document:\n got: %q\nwant: %q", out, fixture)
	}
}

func TestParseGraphShape(t *testing.T) {
	d, err := Parse(fixture)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := len(d.Nodes()); got != 7 {
		t.Fatalf("expected 7 nodes, got %d", got)
	}
	if got := len(d.Links()); got != 7 {
		t.Fatalf("expected 7 links, got %d", got)
	}

	start := d.Start()
	if start == nil || start.ID != "start" {
		t.Fatalf("expected start node, got %+v", start)
	}

	approve := d.Node("approve")
	if approve.Type != TypeAction {
		t.Fatalf("approve type = %s", approve.Type)
	}
	if approve.PDS() != "dept-leader" {
		t.Fatalf("approve pds = %q", approve.PDS())
	}
	if !approve.Transferable() {
		t.Fatalf("approve should be transferable")
	}

	if got := d.Node("calc").Code(); got != "return high" {
		t.Fatalf("calc code = %q", got)
	}
	if got := d.Node("cooloff").DelaySeconds(); got != 3600 {
		t.Fatalf("cooloff delay = %d", got)
	}
	ext := d.Node("extern")
	if !ext.IsCallback() {
		t.Fatalf("extern should expect a callback")
	}
	if ext.BotKey() != "bot-1" {
		t.Fatalf("extern botkey = %q", ext.BotKey())
	}
}

func TestRouteFrom(t *testing.T) {
	d, err := Parse(fixture)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if l := d.RouteFrom("gate", "high"); l == nil || l.To != "calc" {
		t.Fatalf("route high: got %+v", l)
	}
	// Unknown route falls back to the default link.
	if l := d.RouteFrom("gate", "whatever"); l == nil || l.To != "cooloff" {
		t.Fatalf("route fallback: got %+v", l)
	}
	if l := d.RouteFrom("gate", ""); l == nil || l.To != "cooloff" {
		t.Fatalf("route default: got %+v", l)
	}
	if l := d.RouteFrom("done", ""); l != nil {
		t.Fatalf("END must have no outgoing link, got %+v", l)
	}
}

func TestSetStatusDirtiesOnlyThatNode(t *testing.T) {
	d, err := Parse(fixture)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	d.Node("approve").SetStatus(string(api.StatusRun))
	out := d.Serialize()

	if !strings.Contains(out, `id="approve" role="dept-leader" transferable="true" data-x="120" status="ST_RUN"`) {
		t.Fatalf("approve not re-rendered with status: %s", out)
	}
	// Untouched elements keep their exact source bytes.
	if !strings.Contains(out, `<div class="node START" id="start" data-x="10" data-y="20">`) {
		t.Fatalf("untouched start node was rewritten: %s", out)
	}

	// Parse the mutated doc again: status round-trips.
	d2, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if got := d2.Node("approve").Status(); got != string(api.StatusRun) {
		t.Fatalf("status after reparse = %q", got)
	}
	if d2.Serialize() != out {
		t.Fatalf("second round trip not stable")
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"missing id", `<div class="node START"></div>`},
		{"unknown type", `<div class="node FROB" id="a"></div>`},
		{"duplicate id", `<div class="node START" id="a"></div><div class="node END" id="a"></div>`},
		{"link without to", `<div class="node START" id="a"></div><div class="link" from="a"></div>`},
		{"dangling link", `<div class="node START" id="a"></div><div class="link" from="a" to="ghost"></div>`},
		{"no start", `<div class="node END" id="a"></div>`},
		{"two starts", `<div class="node START" id="a"></div><div class="node START" id="b"></div>`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.src)
			if err == nil {
				t.Fatalf("expected parse error")
			}
			if !api.IsErrType(err, api.ErrDocParse) {
				t.Fatalf("expected DOC_PARSE_ERROR, got %v", err)
			}
		})
	}
}

func TestKVarsTransport(t *testing.T) {
	kv := map[string]any{"amount": float64(120), "urgency": "high"}
	src := `<div class="node START" id="s" kvars="` + EncodeKVars(kv) + `"></div>`
	d, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := d.Node("s").KVars()
	if got["amount"] != float64(120) || got["urgency"] != "high" {
		t.Fatalf("kvars = %#v", got)
	}
}

func TestBuilderProducesParseableDoc(t *testing.T) {
	d := NewBuilder().
		Start("start").
		Action("approve", "manager").
		End("done").
		Link("start", "approve").
		CaseLink("approve", "done", "agree").
		MustParse()

	if d.Start() == nil {
		t.Fatalf("builder doc has no START")
	}
	if l := d.RouteFrom("approve", "agree"); l == nil || l.To != "done" {
		t.Fatalf("builder case link broken: %+v", l)
	}
}
