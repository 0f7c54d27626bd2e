package store

import (
	"fmt"
	"strings"

	"github.com/rc-construcoes/rcsync/internal/model"
)

// metaColumns are present on every entity table in addition to id.
var metaColumns = []string{"created_at", "updated_at", "sync_status", "server_version", "deleted"}

// entityColumns maps entity name to its domain columns (excluding id and
// meta columns). The names match the db struct tags in the model package.
var entityColumns = map[string][]string{
	model.EntityUsers:      {"username", "email", "password_hash", "role", "permissions"},
	model.EntityClients:    {"name", "email", "phone", "address", "tax_id", "is_active"},
	model.EntityBudgets:    {"client_id", "title", "description", "amount", "status"},
	model.EntityContracts:  {"client_id", "budget_id", "title", "terms", "value", "start_date", "end_date", "status"},
	model.EntityFinancials: {"type", "description", "amount", "date", "category", "reference_id"},
}

// jsonToColumn maps wire field names to columns, per entity. Derived from
// the model structs' json and db tags; used when applying server deltas and
// validating Find filters expressed in wire names.
var jsonToColumn = map[string]map[string]string{
	model.EntityUsers: {
		"id": "id", "username": "username", "email": "email",
		"passwordHash": "password_hash", "role": "role", "permissions": "permissions",
	},
	model.EntityClients: {
		"id": "id", "name": "name", "email": "email", "phone": "phone",
		"address": "address", "taxId": "tax_id", "isActive": "is_active",
	},
	model.EntityBudgets: {
		"id": "id", "clientId": "client_id", "title": "title",
		"description": "description", "amount": "amount", "status": "status",
	},
	model.EntityContracts: {
		"id": "id", "clientId": "client_id", "budgetId": "budget_id",
		"title": "title", "terms": "terms", "value": "value",
		"startDate": "start_date", "endDate": "end_date", "status": "status",
	},
	model.EntityFinancials: {
		"id": "id", "type": "type", "description": "description",
		"amount": "amount", "date": "date", "category": "category",
		"referenceId": "reference_id",
	},
}

// Common wire meta fields accepted on every entity.
var metaJSONToColumn = map[string]string{
	"createdAt":     "created_at",
	"updatedAt":     "updated_at",
	"serverVersion": "server_version",
}

func columnsFor(entity string) ([]string, error) {
	cols, ok := entityColumns[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return cols, nil
}

// columnForJSONField resolves a wire field name to a column, or "" when the
// field is not part of the entity's schema (unknown server fields are
// ignored rather than fatal).
func columnForJSONField(entity, field string) string {
	if col, ok := jsonToColumn[entity][field]; ok {
		return col
	}
	if col, ok := metaJSONToColumn[field]; ok {
		return col
	}
	return ""
}

// wireFieldForColumn is the reverse lookup: the wire field name carrying a
// column's value, or "" when the column has no wire representation.
func wireFieldForColumn(entity, column string) string {
	for field, col := range jsonToColumn[entity] {
		if col == column {
			return field
		}
	}
	return ""
}

func insertSQL(entity string) (string, error) {
	cols, err := columnsFor(entity)
	if err != nil {
		return "", err
	}
	all := append(append([]string{}, cols...), metaColumns...)
	placeholders := make([]string, len(all))
	for i, c := range all {
		placeholders[i] = ":" + c
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		entity, strings.Join(all, ", "), strings.Join(placeholders, ", ")), nil
}

func updateSQL(entity string) (string, error) {
	cols, err := columnsFor(entity)
	if err != nil {
		return "", err
	}
	all := append(append([]string{}, cols...), metaColumns...)
	sets := make([]string, len(all))
	for i, c := range all {
		sets[i] = c + " = :" + c
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE id = :id",
		entity, strings.Join(sets, ", ")), nil
}
