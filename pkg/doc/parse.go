package doc

import (
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/metatocome/hyperflow/pkg/api"
)

// Document is a parsed template document: the node/link graph plus every
// byte of the source needed to reproduce it exactly.
type Document struct {
	// segments hold the document in source order. Exactly one of node, link
	// or raw-only is meaningful per segment.
	segments []*segment

	nodes map[string]*Node
	links []*Link
}

// segment is one source-ordered piece of the document. Node and link
// segments own the raw bytes of their start tag; everything else (text,
// end tags, inner content, foreign elements) is carried verbatim in raw.
type segment struct {
	raw  string
	node *Node
	link *Link
}

func parseErr(format string, args ...any) error {
	return api.NewError(api.ErrDocParse, format, args...)
}

// Parse tokenizes a template document into a Document. It fails with a
// DOC_PARSE_ERROR when a node misses its id or carries an unknown type, when
// a link misses an endpoint or references a node that does not exist, or
// when the document has no (or more than one) START node.
func Parse(src string) (*Document, error) {
	d := &Document{nodes: map[string]*Node{}}

	z := html.NewTokenizer(strings.NewReader(src))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				break
			}
			return nil, parseErr("tokenize: %v", z.Err())
		}

		raw := string(z.Raw())
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			d.appendRaw(raw)
			continue
		}

		tok := z.Token()
		switch {
		case hasClass(tok.Attr, "node"):
			n := &Node{
				ID:    attrVal(tok.Attr, attrID),
				Type:  nodeType(tok.Attr),
				attrs: tok.Attr,
				raw:   raw,
			}
			if n.ID == "" {
				return nil, parseErr("node element without id")
			}
			if n.Type == "" {
				return nil, parseErr("node %s: missing or unknown node type", n.ID)
			}
			if _, dup := d.nodes[n.ID]; dup {
				return nil, parseErr("duplicate node id %s", n.ID)
			}
			d.nodes[n.ID] = n
			d.segments = append(d.segments, &segment{node: n})

		case hasClass(tok.Attr, "link"):
			l := &Link{
				From:  attrVal(tok.Attr, attrFrom),
				To:    attrVal(tok.Attr, attrTo),
				Case:  attrVal(tok.Attr, attrCase),
				attrs: tok.Attr,
				raw:   raw,
			}
			if l.From == "" || l.To == "" {
				return nil, parseErr("link element without from/to")
			}
			d.links = append(d.links, l)
			d.segments = append(d.segments, &segment{link: l})

		default:
			d.appendRaw(raw)
		}
	}

	// Links must connect existing nodes.
	for _, l := range d.links {
		if _, ok := d.nodes[l.From]; !ok {
			return nil, parseErr("link from dangling node %s", l.From)
		}
		if _, ok := d.nodes[l.To]; !ok {
			return nil, parseErr("link to dangling node %s", l.To)
		}
	}

	starts := 0
	for _, n := range d.nodes {
		if n.Type == TypeStart {
			starts++
		}
	}
	if starts == 0 {
		return nil, parseErr("document has no START node")
	}
	if starts > 1 {
		return nil, parseErr("document has %d START nodes", starts)
	}

	return d, nil
}

func (d *Document) appendRaw(raw string) {
	// Coalesce adjacent raw segments to keep the slice short.
	if n := len(d.segments); n > 0 && d.segments[n-1].node == nil && d.segments[n-1].link == nil {
		d.segments[n-1].raw += raw
		return
	}
	d.segments = append(d.segments, &segment{raw: raw})
}

func attrVal(attrs []html.Attribute, name string) string {
	for _, a := range attrs {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// Node returns the node with the given id, or nil.
func (d *Document) Node(id string) *Node { return d.nodes[id] }

// Start returns the document's single START node.
func (d *Document) Start() *Node {
	for _, n := range d.nodes {
		if n.Type == TypeStart {
			return n
		}
	}
	return nil
}

// Nodes returns all nodes in source order.
func (d *Document) Nodes() []*Node {
	var out []*Node
	for _, s := range d.segments {
		if s.node != nil {
			out = append(out, s.node)
		}
	}
	return out
}

// Links returns all links in source order.
func (d *Document) Links() []*Link { return d.links }

// LinksFrom returns the outgoing links of a node in source order.
func (d *Document) LinksFrom(nodeid string) []*Link {
	var out []*Link
	for _, l := range d.links {
		if l.From == nodeid {
			out = append(out, l)
		}
	}
	return out
}

// LinksTo returns the incoming links of a node in source order.
func (d *Document) LinksTo(nodeid string) []*Link {
	var out []*Link
	for _, l := range d.links {
		if l.To == nodeid {
			out = append(out, l)
		}
	}
	return out
}

// RouteFrom picks the outgoing link of a node matched by a route label.
// An empty route, or a route with no matching case, selects the default
// (case-less) link; a nil return means the node has no way forward for that
// route.
func (d *Document) RouteFrom(nodeid, route string) *Link {
	var fallback *Link
	for _, l := range d.LinksFrom(nodeid) {
		if l.Case == route && route != "" {
			return l
		}
		if l.Case == "" && fallback == nil {
			fallback = l
		}
	}
	return fallback
}

// Serialize renders the document. Untouched elements are emitted from their
// original raw bytes, so an unmodified Document serializes byte-identically
// to its source.
func (d *Document) Serialize() string {
	var b strings.Builder
	for _, s := range d.segments {
		switch {
		case s.node != nil:
			b.WriteString(renderTag(s.node.raw, s.node.attrs, s.node.dirty))
		case s.link != nil:
			b.WriteString(renderTag(s.link.raw, s.link.attrs, s.link.dirty))
		default:
			b.WriteString(s.raw)
		}
	}
	return b.String()
}

func renderTag(raw string, attrs []html.Attribute, dirty bool) string {
	if !dirty {
		return raw
	}

	// Re-render the start tag, keeping the original tag name and attribute
	// order; attributes added by the engine come last.
	name := tagName(raw)
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(name)
	for _, a := range attrs {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.Val))
		b.WriteByte('"')
	}
	if strings.HasSuffix(raw, "/>") {
		b.WriteString("/>")
	} else {
		b.WriteByte('>')
	}
	return b.String()
}

func tagName(raw string) string {
	s := strings.TrimPrefix(raw, "<")
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '>' || s[i] == '/' || s[i] == '\t' || s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
