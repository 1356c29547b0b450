// Package pds parses and evaluates participant definition strings.
//
// A PDS names who must act on a node. It is a semicolon-separated list of
// terms, each one of:
//
//	@eid                 literal employee reference
//	role-name            role looked up in the workflow's bound team
//	ou:regex/pos1:pos2   org-chart query: employees holding any of the
//	                     positions in org units matching the regex
//	$(name)              formula: the named workflow variable's value is
//	                     itself evaluated as a PDS (one nesting level)
//
// The PDS is parsed once into a small tagged-union AST and evaluated against
// explicit context, so resolution is a pure function of the document, team
// and org-chart state at the moment of node activation.
package pds

import (
	"fmt"
	"regexp"
	"strings"
)

type termKind int

const (
	termLiteral termKind = iota
	termRole
	termOrgQuery
	termFormula
)

// Term is one parsed element of a PDS.
type Term struct {
	kind termKind

	// literal eid, role name or formula variable name, depending on kind.
	ident string

	// org query parts.
	ouRegex   string
	positions []string
}

// PDS is a parsed participant definition string.
type PDS struct {
	src   string
	terms []Term
}

// Source returns the original string the PDS was parsed from.
func (p *PDS) Source() string { return p.src }

// Parse splits a participant definition string into terms. An empty or
// all-whitespace string parses to a PDS with no terms, which always resolves
// to an empty doer set.
func Parse(src string) (*PDS, error) {
	p := &PDS{src: src}
	for _, part := range strings.Split(src, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := parseTerm(part)
		if err != nil {
			return nil, err
		}
		p.terms = append(p.terms, t)
	}
	return p, nil
}

func parseTerm(s string) (Term, error) {
	switch {
	case strings.HasPrefix(s, "@"):
		eid := strings.TrimPrefix(s, "@")
		if eid == "" {
			return Term{}, fmt.Errorf("pds: empty literal reference")
		}
		return Term{kind: termLiteral, ident: eid}, nil

	case strings.HasPrefix(s, "$(") && strings.HasSuffix(s, ")"):
		name := s[2 : len(s)-1]
		if name == "" {
			return Term{}, fmt.Errorf("pds: empty formula reference")
		}
		return Term{kind: termFormula, ident: name}, nil

	case strings.HasPrefix(s, "ou:"):
		body := strings.TrimPrefix(s, "ou:")
		slash := strings.LastIndex(body, "/")
		if slash < 0 || slash == len(body)-1 {
			return Term{}, fmt.Errorf("pds: org query %q missing positions", s)
		}
		ouRegex := body[:slash]
		if _, err := regexp.Compile(ouRegex); err != nil {
			return Term{}, fmt.Errorf("pds: org query %q: bad ou regex: %w", s, err)
		}
		var positions []string
		for _, pos := range strings.Split(body[slash+1:], ":") {
			pos = strings.TrimSpace(pos)
			if pos != "" {
				positions = append(positions, pos)
			}
		}
		if len(positions) == 0 {
			return Term{}, fmt.Errorf("pds: org query %q missing positions", s)
		}
		return Term{kind: termOrgQuery, ouRegex: ouRegex, positions: positions}, nil

	default:
		return Term{kind: termRole, ident: s}, nil
	}
}
