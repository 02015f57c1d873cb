package store

import (
	"fmt"
	"strings"

	"github.com/medimind/medimind/internal/models"
)

// occurrenceWhere builds a WHERE clause for an occurrence filter using
// '?' placeholders. Zero-value fields are ignored; Sent is tri-state.
func occurrenceWhere(f models.OccurrenceFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.MedicationID != "" {
		clauses = append(clauses, "medication_id = ?")
		args = append(args, f.MedicationID)
	}
	if f.Date != "" {
		clauses = append(clauses, "date = ?")
		args = append(args, f.Date)
	}
	if f.Sent != nil {
		clauses = append(clauses, "sent = ?")
		args = append(args, *f.Sent)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// rebindDollar rewrites '?' placeholders into the $1..$n form Postgres
// expects. SQL text in this package never contains a literal '?'.
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
