// Package doc implements the workflow template document model.
//
// A template document is an HTML-like fragment in which elements carrying the
// "node" class define process nodes and elements carrying the "link" class
// define directed edges between them:
//
//	<div class="node START" id="start"></div>
//	<div class="node ACTION" id="approve" role="dept-leader"></div>
//	<div class="node END" id="end"></div>
//	<div class="link" from="start" to="approve"></div>
//	<div class="link" from="approve" to="end" case="agree"></div>
//
// Templates are edited visually, so the document carries plenty of layout
// and UI-only attributes the engine does not understand. Parsing therefore
// preserves every byte of the source: serializing an unmodified document
// returns the input unchanged, and only elements the engine actually mutated
// are re-rendered.
package doc

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Node types understood by the engine. Any other type found in a node's
// class list is a parse error.
const (
	TypeStart  = "START"
	TypeAction = "ACTION"
	TypeOr     = "OR"
	TypeScript = "SCRIPT"
	TypeWait   = "WAIT"
	TypeEnd    = "END"
)

// Engine-interpreted attribute names. Everything else on a node is UI-only
// and round-trips untouched.
const (
	attrID           = "id"
	attrClass        = "class"
	attrRole         = "role"
	attrKVars        = "kvars"
	attrInstruct     = "instruct"
	attrCode         = "code"
	attrSub          = "sub"
	attrDelay        = "delay"
	attrCbp          = "cbp"
	attrBotKey       = "wecombotkey"
	attrTransferable = "transferable"
	attrStatus       = "status"
	attrFrom         = "from"
	attrTo           = "to"
	attrCase         = "case"
)

// Node is one process node of a parsed document.
type Node struct {
	ID   string
	Type string

	attrs []html.Attribute
	raw   string
	dirty bool
}

// Link is one directed edge of a parsed document. Case is the optional
// decision label selecting this edge; empty means the default edge.
type Link struct {
	From string
	To   string
	Case string

	attrs []html.Attribute
	raw   string
	dirty bool
}

func (n *Node) attr(name string) string {
	for _, a := range n.attrs {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func (n *Node) setAttr(name, val string) {
	for i := range n.attrs {
		if n.attrs[i].Key == name {
			if n.attrs[i].Val == val {
				return
			}
			n.attrs[i].Val = val
			n.dirty = true
			return
		}
	}
	n.attrs = append(n.attrs, html.Attribute{Key: name, Val: val})
	n.dirty = true
}

// PDS returns the node's participant definition string (the role attribute).
func (n *Node) PDS() string { return n.attr(attrRole) }

// Sub returns the template id of the child workflow this node starts, or "".
func (n *Node) Sub() string { return n.attr(attrSub) }

// BotKey returns the notification bot key configured on the node, or "".
func (n *Node) BotKey() string { return n.attr(attrBotKey) }

// Transferable reports whether todos spawned for this node may be
// transferred to another doer.
func (n *Node) Transferable() bool { return n.attr(attrTransferable) == "true" }

// DelaySeconds returns the WAIT node's timed resume delay in seconds.
// Zero means the node has no delay timer.
func (n *Node) DelaySeconds() int {
	v := n.attr(attrDelay)
	if v == "" {
		return 0
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec < 0 {
		return 0
	}
	return sec
}

// IsCallback reports whether the WAIT node expects an external callback.
func (n *Node) IsCallback() bool { return n.attr(attrCbp) == "true" }

// Instruct returns the node's decoded instruction body.
func (n *Node) Instruct() string { return decodeB64(n.attr(attrInstruct)) }

// Code returns the SCRIPT node's decoded script body.
func (n *Node) Code() string { return decodeB64(n.attr(attrCode)) }

// KVars returns the node's default variables, decoded from the
// base64-transported JSON kvars attribute. A missing or malformed attribute
// yields an empty map.
func (n *Node) KVars() map[string]any {
	raw := decodeB64(n.attr(attrKVars))
	if raw == "" {
		return map[string]any{}
	}
	var kv map[string]any
	if err := json.Unmarshal([]byte(raw), &kv); err != nil {
		return map[string]any{}
	}
	return kv
}

// Status returns the node's runtime status attribute, set by the engine as
// tokens advance. Empty for nodes never activated.
func (n *Node) Status() string { return n.attr(attrStatus) }

// SetStatus records the node's runtime status on the document, dirtying the
// element so it re-renders on serialize.
func (n *Node) SetStatus(status string) { n.setAttr(attrStatus, status) }

// EncodeKVars encodes a kvar map the way the kvars attribute transports it.
func EncodeKVars(kv map[string]any) string {
	if len(kv) == 0 {
		return ""
	}
	b, err := json.Marshal(kv)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// EncodeB64 encodes an instruct/code payload for embedding in a document.
func EncodeB64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func decodeB64(s string) string {
	if s == "" {
		return ""
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(b)
}

func classList(attrs []html.Attribute) []string {
	for _, a := range attrs {
		if a.Key == attrClass {
			return strings.Fields(a.Val)
		}
	}
	return nil
}

func hasClass(attrs []html.Attribute, class string) bool {
	for _, c := range classList(attrs) {
		if c == class {
			return true
		}
	}
	return false
}

func nodeType(attrs []html.Attribute) string {
	for _, c := range classList(attrs) {
		switch c {
		case TypeStart, TypeAction, TypeOr, TypeScript, TypeWait, TypeEnd:
			return c
		}
	}
	return ""
}
