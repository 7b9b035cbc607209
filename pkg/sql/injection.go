package sql

import (
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
)

// Screening is the outcome of checking a free-text search query for SQL
// injection patterns. Search queries always reach the database as bind
// parameters, so a flagged query is still answered. It is only kept out of
// the query log so it can never be pre-warmed or surface in reports.
type Screening struct {
	Suspicious  bool   // True if an injection pattern was detected
	Fingerprint string // libinjection fingerprint of the detected pattern
}

// CheckQuery screens a search query with libinjection.
//
// Example:
//
//	CheckQuery("ibuprofen")             // Screening{}
//	CheckQuery("'; DROP TABLE drugs--") // Screening{Suspicious: true, Fingerprint: "s;T..."}
func CheckQuery(query string) Screening {
	if strings.TrimSpace(query) == "" {
		return Screening{}
	}

	isSQLi, fingerprint := libinjection.IsSQLi(query)
	if !isSQLi {
		return Screening{}
	}
	return Screening{Suspicious: true, Fingerprint: string(fingerprint)}
}
