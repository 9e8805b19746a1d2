package salesforce

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// soqlDateTime is the SOQL dateTime literal layout (unquoted, UTC).
const soqlDateTime = "2006-01-02T15:04:05Z"

// contactBaseFields are always selected for Contact queries.
var contactBaseFields = []string{"Id", "Email", "Phone", "Account.Name", "LastModifiedDate"}

// fieldName matches API names, including relationship paths like Account.Name.
var fieldName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)

// ContactQuery builds the SOQL that selects contacts modified after since
// (all contacts when nil), oldest first. Invalid field names are dropped.
func ContactQuery(fields []string, since *time.Time, limit int) string {
	selected := make([]string, 0, len(contactBaseFields)+len(fields))
	seen := make(map[string]bool)
	for _, list := range [][]string{contactBaseFields, fields} {
		for _, f := range list {
			key := strings.ToLower(f)
			if !fieldName.MatchString(f) || seen[key] {
				continue
			}
			seen[key] = true
			selected = append(selected, f)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM Contact", strings.Join(selected, ", "))
	if since != nil {
		fmt.Fprintf(&b, " WHERE LastModifiedDate > %s", since.UTC().Format(soqlDateTime))
	}
	b.WriteString(" ORDER BY LastModifiedDate ASC")
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String()
}

// ListContacts runs ContactQuery and returns the raw records.
func ListContacts(ctx context.Context, c Client, fields []string, since *time.Time, limit int) ([]map[string]any, error) {
	var records []map[string]any
	if err := c.Query(ctx, ContactQuery(fields, since, limit), &records); err != nil {
		return nil, eris.Wrap(err, "sf: list contacts")
	}
	return records, nil
}
