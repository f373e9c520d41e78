package models

import (
	"fmt"
	"time"
)

// Principal is an opaque caller identity. It is only ever compared and used as a map key.
type Principal string

// AccessLevel is a capability a principal holds on a single record.
type AccessLevel string

// Access levels. There is no implied ordering between them.
const (
	LevelRead  AccessLevel = "read"
	LevelWrite AccessLevel = "write"
	LevelAdmin AccessLevel = "admin"
)

// AccessLevels lists every valid level.
var AccessLevels = []AccessLevel{LevelRead, LevelWrite, LevelAdmin}

// Valid reports whether l is one of the known levels.
func (l AccessLevel) Valid() bool {
	switch l {
	case LevelRead, LevelWrite, LevelAdmin:
		return true
	}
	return false
}

// ParseAccessLevel converts s into an AccessLevel.
func ParseAccessLevel(s string) (AccessLevel, error) {
	l := AccessLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown access level %q", s)
	}
	return l, nil
}

// ACL maps each principal to the single level it holds on a record.
type ACL map[Principal]AccessLevel

// Clone returns an independent copy of the ACL.
func (a ACL) Clone() ACL {
	out := make(ACL, len(a))
	for p, l := range a {
		out[p] = l
	}
	return out
}

// HasAdmin reports whether at least one principal holds admin.
func (a ACL) HasAdmin() bool {
	for _, l := range a {
		if l == LevelAdmin {
			return true
		}
	}
	return false
}

// MedicalRecord is an opaque medical record guarded by its own ACL.
type MedicalRecord struct {
	ID            string    `json:"id"`
	Owner         Principal `json:"owner"`
	Metadata      string    `json:"metadata"`
	Data          string    `json:"data"`
	Timestamp     time.Time `json:"timestamp"`
	AccessControl ACL       `json:"access_control"`
}

// Clone returns a deep copy of the record.
func (r *MedicalRecord) Clone() *MedicalRecord {
	c := *r
	c.AccessControl = r.AccessControl.Clone()
	return &c
}
