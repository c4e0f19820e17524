package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/leozw/query-guardian/internal/core"
)

// hashDelimiter joins the key-field values before hashing. It is part
// of the stored identity: changing it would orphan every persisted
// error record.
const hashDelimiter = "|"

// HashRow derives the stable identity of an error row from the query's
// key fields. Field names resolve case-insensitively and a missing
// field contributes an empty string, so the hash depends only on the
// ordered key-field values, never on column casing or on columns
// outside the key set.
func HashRow(row core.Row, keyFields []string) string {
	parts := make([]string, len(keyFields))
	for i, field := range keyFields {
		parts[i] = row.Field(field)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, hashDelimiter)))
	return hex.EncodeToString(sum[:])
}
