// Package directory adapts the external user directory (employees and the
// org chart) into the read-only lookups the engine and resolver consume.
package directory

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"

	"github.com/metatocome/hyperflow/pkg/api"
)

// ErrEmployeeNotFound is returned when an eid does not exist in the
// directory for the given tenant.
var ErrEmployeeNotFound = errors.New("employee not found")

// Directory is the read-only identity and org-chart interface.
type Directory interface {
	GetEmployee(ctx context.Context, tenant, eid string) (*api.Employee, error)
	QueryOrgChart(ctx context.Context, tenant, ouRegex string, positions []string) ([]api.Employee, error)
	OrgUnitOf(ctx context.Context, tenant, eid string) (string, error)
}

// MemDirectory is a goroutine-safe in-memory Directory, used in tests and as
// the default when no external directory service is wired.
type MemDirectory struct {
	mu        sync.RWMutex
	employees map[string]map[string]*api.Employee     // tenant → eid → employee
	orgchart  map[string]map[string]api.OrgChartEntry // tenant → eid → entry
}

var _ Directory = (*MemDirectory)(nil)

// NewMemDirectory creates an empty MemDirectory.
func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		employees: map[string]map[string]*api.Employee{},
		orgchart:  map[string]map[string]api.OrgChartEntry{},
	}
}

// AddEmployee registers an employee record.
func (d *MemDirectory) AddEmployee(e api.Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.employees[e.Tenant] == nil {
		d.employees[e.Tenant] = map[string]*api.Employee{}
	}
	copied := e
	d.employees[e.Tenant][e.EID] = &copied
}

// PlaceInOrgChart records an employee's org unit and positions.
func (d *MemDirectory) PlaceInOrgChart(entry api.OrgChartEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.orgchart[entry.Tenant] == nil {
		d.orgchart[entry.Tenant] = map[string]api.OrgChartEntry{}
	}
	d.orgchart[entry.Tenant][entry.EID] = entry
}

func (d *MemDirectory) GetEmployee(ctx context.Context, tenant, eid string) (*api.Employee, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.employees[tenant][eid]
	if !ok {
		return nil, ErrEmployeeNotFound
	}
	copied := *e
	return &copied, nil
}

func (d *MemDirectory) QueryOrgChart(ctx context.Context, tenant, ouRegex string, positions []string) ([]api.Employee, error) {
	re, err := regexp.Compile(ouRegex)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	want := map[string]bool{}
	for _, p := range positions {
		want[p] = true
	}

	var out []api.Employee
	for eid, entry := range d.orgchart[tenant] {
		if !re.MatchString(entry.OU) {
			continue
		}
		matched := false
		for _, pos := range entry.Positions {
			if want[pos] {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if e, ok := d.employees[tenant][eid]; ok {
			out = append(out, *e)
		} else {
			out = append(out, api.Employee{Tenant: tenant, EID: eid})
		}
	}
	// Map iteration order is random; resolution must be deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].EID < out[j].EID })
	return out, nil
}

func (d *MemDirectory) OrgUnitOf(ctx context.Context, tenant, eid string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.orgchart[tenant][eid]
	if !ok {
		return "", nil
	}
	return entry.OU, nil
}
