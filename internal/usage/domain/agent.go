package domain

import "strings"

// Agent identifies one of the billable automation domains.
type Agent string

const (
	AgentInbox    Agent = "inbox"
	AgentCalendar Agent = "calendar"
	AgentOutreach Agent = "outreach"
)

// AgentSpec maps an agent to the plan allowance it draws from and the price
// charged for each unit beyond that allowance.
type AgentSpec struct {
	Agent            Agent
	AllowanceKey     string
	UnitPriceInCents int64
	DisplayName      string
}

// Catalog is the closed table of billable agents. Order is stable and is the
// order agents appear in reports.
type Catalog struct {
	specs []AgentSpec
}

var defaultSpecs = []AgentSpec{
	{Agent: AgentInbox, AllowanceKey: "inbox_actions", UnitPriceInCents: 2, DisplayName: "Inbox"},
	{Agent: AgentCalendar, AllowanceKey: "calendar_actions", UnitPriceInCents: 3, DisplayName: "Calendar"},
	{Agent: AgentOutreach, AllowanceKey: "outreach_actions", UnitPriceInCents: 5, DisplayName: "Outreach"},
}

func DefaultCatalog() Catalog {
	specs := make([]AgentSpec, len(defaultSpecs))
	copy(specs, defaultSpecs)
	return Catalog{specs: specs}
}

// WithPriceOverrides returns a copy of the catalog with prices replaced for
// the agents present in overrides. Unknown agents are ignored.
func (c Catalog) WithPriceOverrides(overrides map[string]int64) Catalog {
	specs := make([]AgentSpec, len(c.specs))
	copy(specs, c.specs)
	for i := range specs {
		if price, ok := overrides[string(specs[i].Agent)]; ok && price >= 0 {
			specs[i].UnitPriceInCents = price
		}
	}
	return Catalog{specs: specs}
}

func (c Catalog) Specs() []AgentSpec {
	out := make([]AgentSpec, len(c.specs))
	copy(out, c.specs)
	return out
}

func (c Catalog) Agents() []Agent {
	out := make([]Agent, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec.Agent)
	}
	return out
}

func (c Catalog) Lookup(agent Agent) (AgentSpec, bool) {
	for _, spec := range c.specs {
		if spec.Agent == agent {
			return spec, true
		}
	}
	return AgentSpec{}, false
}

// ParseAgent normalizes raw and validates it against the default catalog.
func ParseAgent(raw string) (Agent, error) {
	agent := Agent(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := DefaultCatalog().Lookup(agent); !ok {
		return "", ErrInvalidAgent
	}
	return agent, nil
}

func (a Agent) Valid() bool {
	_, ok := DefaultCatalog().Lookup(a)
	return ok
}

func (a Agent) String() string { return string(a) }

// CatalogSource yields the catalog currently in effect.
type CatalogSource interface {
	Catalog() Catalog
}

type staticCatalog struct {
	catalog Catalog
}

func NewStaticCatalogSource(catalog Catalog) CatalogSource {
	return staticCatalog{catalog: catalog}
}

func (s staticCatalog) Catalog() Catalog { return s.catalog }
