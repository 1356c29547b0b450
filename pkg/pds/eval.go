package pds

import (
	"context"
	"fmt"
	"regexp"

	"github.com/metatocome/hyperflow/pkg/api"
)

// TeamGetter looks up a team's role mapping. A nil team with a nil error
// means "team not found", which resolution treats as an empty mapping.
type TeamGetter interface {
	GetTeam(ctx context.Context, tenant, teamid string) (*api.Team, error)
}

// Directory is the read-only org-chart lookup the resolver consumes.
type Directory interface {
	// QueryOrgChart returns the employees holding any of the given
	// positions within org units matching ouRegex.
	QueryOrgChart(ctx context.Context, tenant, ouRegex string, positions []string) ([]api.Employee, error)

	// OrgUnitOf returns the org unit an employee belongs to, or "" when the
	// employee is not on the chart.
	OrgUnitOf(ctx context.Context, tenant, eid string) (string, error)
}

// Env is the evaluation context of one resolution. Starter is the acting
// identity used only for the org-chart fallback of unresolved role terms.
type Env struct {
	Tenant  string
	WFID    string
	TeamID  string
	Starter string
	KVars   map[string]any
}

// Resolver evaluates parsed participant definition strings.
type Resolver struct {
	Teams TeamGetter
	Dir   Directory
}

// Resolve evaluates a PDS source string against env and returns the concrete
// doers, deduplicated, in term order. A PDS that resolves to nobody returns
// an empty slice and no error: a missing team or an unmatched role is a
// template configuration problem to report, not a fault.
func (r *Resolver) Resolve(ctx context.Context, src string, env Env) ([]string, error) {
	p, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return r.eval(ctx, p, env, 0)
}

// formula terms expand to a PDS themselves; one nesting level is enough for
// every template seen in practice and keeps evaluation trivially terminating.
const maxFormulaDepth = 2

func (r *Resolver) eval(ctx context.Context, p *PDS, env Env, depth int) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(eids ...string) {
		for _, eid := range eids {
			if eid != "" && !seen[eid] {
				seen[eid] = true
				out = append(out, eid)
			}
		}
	}

	for _, t := range p.terms {
		switch t.kind {
		case termLiteral:
			add(t.ident)

		case termRole:
			eids, err := r.evalRole(ctx, t.ident, env)
			if err != nil {
				return nil, err
			}
			add(eids...)

		case termOrgQuery:
			emps, err := r.Dir.QueryOrgChart(ctx, env.Tenant, t.ouRegex, t.positions)
			if err != nil {
				return nil, err
			}
			for _, e := range emps {
				add(e.EID)
			}

		case termFormula:
			if depth+1 >= maxFormulaDepth {
				return nil, fmt.Errorf("pds: formula $(%s) nested too deeply", t.ident)
			}
			sub, err := Parse(formulaValue(env.KVars, t.ident))
			if err != nil {
				return nil, err
			}
			eids, err := r.eval(ctx, sub, env, depth+1)
			if err != nil {
				return nil, err
			}
			add(eids...)
		}
	}

	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (r *Resolver) evalRole(ctx context.Context, role string, env Env) ([]string, error) {
	if env.TeamID != "" {
		team, err := r.Teams.GetTeam(ctx, env.Tenant, env.TeamID)
		if err != nil {
			return nil, err
		}
		if team != nil {
			if members, ok := team.TMap[role]; ok {
				eids := make([]string, 0, len(members))
				for _, m := range members {
					eids = append(eids, m.EID)
				}
				return eids, nil
			}
		}
	}

	// Unresolved identifier: fall back to an org-chart position lookup
	// within the starter's own org unit.
	if env.Starter == "" {
		return nil, nil
	}
	ou, err := r.Dir.OrgUnitOf(ctx, env.Tenant, env.Starter)
	if err != nil || ou == "" {
		return nil, err
	}
	emps, err := r.Dir.QueryOrgChart(ctx, env.Tenant, "^"+regexp.QuoteMeta(ou)+"$", []string{role})
	if err != nil {
		return nil, err
	}
	eids := make([]string, 0, len(emps))
	for _, e := range emps {
		eids = append(eids, e.EID)
	}
	return eids, nil
}

// formulaValue renders a kvar as PDS source: strings pass through, string
// slices join with ";". Anything else resolves to nobody.
func formulaValue(kvars map[string]any, name string) string {
	v, ok := kvars[name]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []string:
		out := ""
		for i, s := range val {
			if i > 0 {
				out += ";"
			}
			out += s
		}
		return out
	case []any:
		out := ""
		for i, s := range val {
			str, ok := s.(string)
			if !ok {
				return ""
			}
			if i > 0 {
				out += ";"
			}
			out += str
		}
		return out
	default:
		return ""
	}
}
