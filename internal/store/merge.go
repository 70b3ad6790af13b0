package store

import (
	"database/sql"
)

// lww is the last-write-wins comparison between an incoming op and the row
// it lands on. Ties on the timestamp are broken by comparing the incoming
// op_id against the row's recorded last winning op_id, so replicas converge
// to the same winner without a shared clock.
type lww struct {
	incomingTs int64
	rowTs      int64
	incomingID string
	rowWriteID string
}

func (c lww) wins() bool {
	if c.incomingTs != c.rowTs {
		return c.incomingTs > c.rowTs
	}
	return c.incomingID > c.rowWriteID
}

// mergeText merges one optional text field. A field absent from the payload
// never touches the local value; a field the row has never had is adopted
// regardless of timestamps (this is what makes disjoint-field upserts
// commute); a conflicting field follows the LWW verdict.
func mergeText(cur, incoming *string, wins bool) *string {
	if incoming == nil {
		return cur
	}
	if cur == nil || wins {
		return incoming
	}
	return cur
}

func mergeInt(cur, incoming *int64, wins bool) *int64 {
	if incoming == nil {
		return cur
	}
	if cur == nil || wins {
		return incoming
	}
	return cur
}

func maxMs(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// nullable column helpers

func textArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func intArg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func textVal(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intVal(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
