package doc

import (
	"fmt"
	"strconv"
	"strings"
)

// Builder provides a fluent API for composing template documents in code,
// mostly for tests and programmatic template creation:
//
//	src := doc.NewBuilder().
//	    Start("start").
//	    Action("approve", "dept-leader").
//	    End("done").
//	    Link("start", "approve").
//	    CaseLink("approve", "done", "agree").
//	    Doc()
//
// Visual editing remains the primary authoring path; Builder emits the same
// element vocabulary the editor produces.
type Builder struct {
	elems []string
}

// NewBuilder creates an empty template document builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) node(typ, id string, extra ...string) *Builder {
	if id == "" {
		panic(fmt.Sprintf("doc: %s node without id", typ))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `<div class="node %s" id="%s"`, typ, id)
	for i := 0; i+1 < len(extra); i += 2 {
		if extra[i+1] != "" {
			fmt.Fprintf(&sb, ` %s="%s"`, extra[i], extra[i+1])
		}
	}
	sb.WriteString("></div>")
	b.elems = append(b.elems, sb.String())
	return b
}

// Start appends the START node.
func (b *Builder) Start(id string) *Builder {
	return b.node(TypeStart, id)
}

// Action appends an ACTION node whose participants resolve from pds.
func (b *Builder) Action(id, pds string) *Builder {
	return b.node(TypeAction, id, attrRole, pds)
}

// TransferableAction appends an ACTION node whose todos may be transferred.
func (b *Builder) TransferableAction(id, pds string) *Builder {
	return b.node(TypeAction, id, attrRole, pds, attrTransferable, "true")
}

// SubAction appends an ACTION node that starts a child workflow from tplid
// and waits for it to finish.
func (b *Builder) SubAction(id, tplid string) *Builder {
	return b.node(TypeAction, id, attrSub, tplid)
}

// Or appends an OR decision node.
func (b *Builder) Or(id string) *Builder {
	return b.node(TypeOr, id)
}

// Script appends a SCRIPT node with the given (plain, unencoded) body.
func (b *Builder) Script(id, code string) *Builder {
	return b.node(TypeScript, id, attrCode, EncodeB64(code))
}

// Delay appends a WAIT node that resumes after the given number of seconds.
func (b *Builder) Delay(id string, seconds int) *Builder {
	return b.node(TypeWait, id, attrDelay, strconv.Itoa(seconds))
}

// Callback appends a WAIT node that resumes on an external callback.
func (b *Builder) Callback(id string) *Builder {
	return b.node(TypeWait, id, attrCbp, "true")
}

// End appends an END node.
func (b *Builder) End(id string) *Builder {
	return b.node(TypeEnd, id)
}

// Link appends a default (case-less) link.
func (b *Builder) Link(from, to string) *Builder {
	return b.CaseLink(from, to, "")
}

// CaseLink appends a link selected by the given decision label.
func (b *Builder) CaseLink(from, to, caseLabel string) *Builder {
	if from == "" || to == "" {
		panic("doc: link without endpoints")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `<div class="link" from="%s" to="%s"`, from, to)
	if caseLabel != "" {
		fmt.Fprintf(&sb, ` case="%s"`, caseLabel)
	}
	sb.WriteString("></div>")
	b.elems = append(b.elems, sb.String())
	return b
}

// Doc renders the document source.
func (b *Builder) Doc() string {
	return strings.Join(b.elems, "\n")
}

// MustParse renders the document and parses it, panicking on error.
// Intended for tests and static template definitions.
func (b *Builder) MustParse() *Document {
	d, err := Parse(b.Doc())
	if err != nil {
		panic(err)
	}
	return d
}
