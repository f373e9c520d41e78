package access

import (
	"fmt"
	"sort"

	"github.com/org/medvault/pkg/models"
)

// Action is an operation gated by a record's ACL.
type Action string

// Actions guarded by the record store.
const (
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
)

// Actions lists every guarded action.
var Actions = []Action{ActionRead, ActionUpdate, ActionGrant, ActionRevoke}

// Policy maps each action to the access levels allowed to perform it.
// Levels are matched exactly; holding admin does not imply write unless listed.
type Policy map[Action][]models.AccessLevel

// DefaultPolicy is the record store's access table.
var DefaultPolicy = Policy{
	ActionRead:   {models.LevelRead, models.LevelWrite, models.LevelAdmin},
	ActionUpdate: {models.LevelWrite, models.LevelAdmin},
	ActionGrant:  {models.LevelAdmin},
	ActionRevoke: {models.LevelAdmin},
}

// Guard evaluates a Policy against per-record ACLs.
type Guard struct {
	allowed map[Action]map[models.AccessLevel]struct{}
}

// NewGuard validates pol and builds a Guard from it. Every action must be present with
// at least one known level.
func NewGuard(pol Policy) (*Guard, error) {
	g := &Guard{allowed: make(map[Action]map[models.AccessLevel]struct{}, len(Actions))}
	for _, action := range Actions {
		levels, ok := pol[action]
		if !ok || len(levels) == 0 {
			return nil, fmt.Errorf("policy: no levels allowed for action %q", action)
		}
		set := make(map[models.AccessLevel]struct{}, len(levels))
		for _, l := range levels {
			if !l.Valid() {
				return nil, fmt.Errorf("policy: action %q lists unknown level %q", action, l)
			}
			set[l] = struct{}{}
		}
		g.allowed[action] = set
	}
	for action := range pol {
		if _, ok := g.allowed[action]; !ok {
			return nil, fmt.Errorf("policy: unknown action %q", action)
		}
	}
	return g, nil
}

// MustGuard is NewGuard for tables known to be valid at compile time.
func MustGuard(pol Policy) *Guard {
	g, err := NewGuard(pol)
	if err != nil {
		panic(err)
	}
	return g
}

// IsAllowed returns true if caller's entry in acl permits action.
// A caller without an entry is never allowed.
func (g *Guard) IsAllowed(acl models.ACL, caller models.Principal, action Action) bool {
	level, ok := acl[caller]
	if !ok {
		return false
	}
	_, ok = g.allowed[action][level]
	return ok
}

// Required returns the levels allowed to perform action, sorted.
func (g *Guard) Required(action Action) []models.AccessLevel {
	levels := make([]models.AccessLevel, 0, len(g.allowed[action]))
	for l := range g.allowed[action] {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

// EffectiveActions returns every action caller may perform under acl, in table order.
func (g *Guard) EffectiveActions(acl models.ACL, caller models.Principal) []Action {
	var actions []Action
	for _, a := range Actions {
		if g.IsAllowed(acl, caller, a) {
			actions = append(actions, a)
		}
	}
	return actions
}
