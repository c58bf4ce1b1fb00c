package persistence

import (
	"fmt"
	"strings"
)

// AuditLogSortFields are the audit_log columns a listing may sort by
var AuditLogSortFields = map[string]bool{
	"occurred_at": true,
	"sequence":    true,
	"event_type":  true,
}

// ValidateSortOrder normalizes orderDir to ASC or DESC, defaulting to DESC
func ValidateSortOrder(orderDir string) string {
	if strings.EqualFold(strings.TrimSpace(orderDir), "ASC") {
		return "ASC"
	}
	return "DESC"
}

// ValidateSortField returns sortField when it is whitelisted and defaultField otherwise
func ValidateSortField(sortField string, allowed map[string]bool, defaultField string) string {
	f := strings.ToLower(strings.TrimSpace(sortField))
	if allowed[f] {
		return f
	}
	return defaultField
}

// auditListOrder builds the ORDER BY clause of an audit listing. The
// insertion sequence always breaks ties so pages are stable.
func auditListOrder(sortBy, sortOrder string) string {
	field := ValidateSortField(sortBy, AuditLogSortFields, "occurred_at")
	dir := ValidateSortOrder(sortOrder)
	if field == "sequence" {
		return "sequence " + dir
	}
	return fmt.Sprintf("%s %s, sequence %s", field, dir, dir)
}
