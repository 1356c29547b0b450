package pds

import (
	"context"
	"reflect"
	"testing"

	"github.com/metatocome/hyperflow/internal/directory"
	"github.com/metatocome/hyperflow/pkg/api"
)

type teamMap map[string]*api.Team

func (m teamMap) GetTeam(ctx context.Context, tenant, teamid string) (*api.Team, error) {
	return m[tenant+"/"+teamid], nil
}

func testResolver() (*Resolver, teamMap, *directory.MemDirectory) {
	teams := teamMap{
		"acme/sales": {
			Tenant: "acme",
			TeamID: "sales",
			TMap: map[string][]api.TeamMember{
				"leader":   {{EID: "carol", CN: "Carol"}},
				"reviewer": {{EID: "dave", CN: "Dave"}, {EID: "erin", CN: "Erin"}},
			},
		},
	}

	dir := directory.NewMemDirectory()
	dir.AddEmployee(api.Employee{Tenant: "acme", EID: "alice", Nickname: "Alice"})
	dir.AddEmployee(api.Employee{Tenant: "acme", EID: "bob", Nickname: "Bob"})
	dir.PlaceInOrgChart(api.OrgChartEntry{Tenant: "acme", OU: "hq.finance", EID: "alice", Positions: []string{"cfo"}})
	dir.PlaceInOrgChart(api.OrgChartEntry{Tenant: "acme", OU: "hq.finance", EID: "bob", Positions: []string{"auditor"}})

	return &Resolver{Teams: teams, Dir: dir}, teams, dir
}

func TestResolveLiterals(t *testing.T) {
	r, _, _ := testResolver()

	got, err := r.Resolve(context.Background(), "@alice;@bob;@alice", Env{Tenant: "acme"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("got %v", got)
	}
}

func TestResolveRoleAgainstTeam(t *testing.T) {
	r, _, _ := testResolver()
	env := Env{Tenant: "acme", TeamID: "sales"}

	got, err := r.Resolve(context.Background(), "reviewer", env)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"dave", "erin"}) {
		t.Fatalf("got %v", got)
	}
}

func TestResolveMissingTeamIsEmptyNotError(t *testing.T) {
	r, _, _ := testResolver()

	// No teamid bound at all.
	got, err := r.Resolve(context.Background(), "leader", Env{Tenant: "acme"})
	if err != nil {
		t.Fatalf("Resolve without team: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty set, got %v", got)
	}

	// Bound teamid that does not exist.
	got, err = r.Resolve(context.Background(), "leader", Env{Tenant: "acme", TeamID: "ghost"})
	if err != nil {
		t.Fatalf("Resolve with missing team: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty set, got %v", got)
	}
}

func TestResolveOrgQuery(t *testing.T) {
	r, _, _ := testResolver()

	got, err := r.Resolve(context.Background(), "ou:hq\\..*/cfo:auditor", Env{Tenant: "acme"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("got %v", got)
	}
}

func TestResolveRoleFallsBackToStarterOrgUnit(t *testing.T) {
	r, _, _ := testResolver()

	// "cfo" is not a team role; bob's org unit is hq.finance, where alice
	// holds the cfo position.
	got, err := r.Resolve(context.Background(), "cfo", Env{Tenant: "acme", TeamID: "sales", Starter: "bob"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("got %v", got)
	}
}

func TestResolveFormula(t *testing.T) {
	r, _, _ := testResolver()
	env := Env{
		Tenant: "acme",
		TeamID: "sales",
		KVars:  map[string]any{"approvers": "@alice;leader"},
	}

	got, err := r.Resolve(context.Background(), "$(approvers)", env)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"alice", "carol"}) {
		t.Fatalf("got %v", got)
	}

	// A formula whose value is itself a formula exceeds the nesting budget.
	env.KVars = map[string]any{"a": "$(a)"}
	if _, err := r.Resolve(context.Background(), "$(a)", env); err == nil {
		t.Fatalf("expected nesting error")
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{"@", "$()", "ou:hq", "ou:hq/", "ou:[bad/pos"} {
		if _, err := Parse(src); err == nil {
			t.Fatalf("Parse(%q): expected error", src)
		}
	}
}

func TestParseEmptyIsNoTerms(t *testing.T) {
	p, err := Parse("  ;; ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.terms) != 0 {
		t.Fatalf("expected no terms, got %d", len(p.terms))
	}
}
