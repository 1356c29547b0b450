package api

// Employee is the read-only identity record consumed from the external
// user directory. The engine never writes these.
type Employee struct {
	Tenant   string `bson:"tenant" json:"tenant"`
	EID      string `bson:"eid" json:"eid"`
	Nickname string `bson:"nickname" json:"nickname"`
	Group    string `bson:"group" json:"group"`
	Domain   string `bson:"domain" json:"domain"`
}

// OrgChartEntry places an employee in the organization chart: the org unit
// they belong to and the positions they hold within it.
type OrgChartEntry struct {
	Tenant    string   `bson:"tenant" json:"tenant"`
	OU        string   `bson:"ou" json:"ou"`
	EID       string   `bson:"eid" json:"eid"`
	Positions []string `bson:"position" json:"position"`
}
