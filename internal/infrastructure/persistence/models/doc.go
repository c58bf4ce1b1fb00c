// Package models contains GORM persistence models that map to database tables.
// They are separate from domain types so the domain layer stays free of ORM
// concerns; each model converts with ToDomain and a FromDomain constructor.
//
// Structure:
//   - compliance.go: chain entries, chain heads and submission records
//   - audit.go: the append-only audit log owned by the consumer
//   - outbox.go: outbox entries for event delivery
package models
