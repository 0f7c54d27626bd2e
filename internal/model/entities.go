package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Budget status values.
const (
	BudgetPending   = "Pending"
	BudgetApproved  = "Approved"
	BudgetRejected  = "Rejected"
	BudgetCancelled = "Cancelled"
)

// Contract status values.
const (
	ContractActive    = "Active"
	ContractCompleted = "Completed"
	ContractSuspended = "Suspended"
)

// Financial entry types.
const (
	FinancialIncome  = "Income"
	FinancialExpense = "Expense"
)

// DefaultPermissions is backfilled onto users that predate the permissions
// column (schema v2) and granted to seeded demo users.
var DefaultPermissions = Permissions{
	"dashboard_access",
	"clients_view",
	"budgets_view",
	"contracts_view",
	"financial_view",
}

// Permissions is a set of permission names stored as a JSON array column.
type Permissions []string

// Has reports whether the set contains the named permission.
func (p Permissions) Has(name string) bool {
	for _, v := range p {
		if v == name {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (p Permissions) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *Permissions) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case string:
		if v == "" {
			*p = nil
			return nil
		}
		return json.Unmarshal([]byte(v), p)
	case []byte:
		if len(v) == 0 {
			*p = nil
			return nil
		}
		return json.Unmarshal(v, p)
	default:
		return fmt.Errorf("cannot scan %T into Permissions", src)
	}
}

// User is an application account. Password hashes are written by the seeder
// and the server; the core never sees plaintext credentials.
type User struct {
	Meta
	Username     string      `db:"username" json:"username"`
	Email        string      `db:"email" json:"email"`
	PasswordHash string      `db:"password_hash" json:"passwordHash,omitempty"`
	Role         string      `db:"role" json:"role"`
	Permissions  Permissions `db:"permissions" json:"permissions"`
}

func (u *User) Entity() string { return EntityUsers }

func (u *User) Normalize() {
	u.Username = strings.TrimSpace(u.Username)
	u.Email = NormalizeEmail(u.Email)
}

func (u *User) Validate() error {
	if u.Username == "" {
		return invalid(EntityUsers, "username", "must not be empty")
	}
	if u.Email == "" {
		return invalid(EntityUsers, "email", "must not be empty")
	}
	if u.Role == "" {
		return invalid(EntityUsers, "role", "must not be empty")
	}
	return nil
}

// Client is a customer of the construction business.
type Client struct {
	Meta
	Name     string `db:"name" json:"name"`
	Email    string `db:"email" json:"email"`
	Phone    string `db:"phone" json:"phone"`
	Address  string `db:"address" json:"address,omitempty"`
	TaxID    string `db:"tax_id" json:"taxId,omitempty"`
	IsActive bool   `db:"is_active" json:"isActive"`
}

func (c *Client) Entity() string { return EntityClients }

func (c *Client) Normalize() {
	c.Email = NormalizeEmail(c.Email)
	c.TaxID = NormalizeTaxID(c.TaxID)
}

func (c *Client) Validate() error {
	if c.Name == "" {
		return invalid(EntityClients, "name", "must not be empty")
	}
	if c.Email == "" {
		return invalid(EntityClients, "email", "must not be empty")
	}
	return nil
}

// Budget is a quote offered to a client.
type Budget struct {
	Meta
	ClientID    int64   `db:"client_id" json:"clientId"`
	Title       string  `db:"title" json:"title"`
	Description string  `db:"description" json:"description,omitempty"`
	Amount      float64 `db:"amount" json:"amount"`
	Status      string  `db:"status" json:"status"`
}

func (b *Budget) Entity() string { return EntityBudgets }

func (b *Budget) Normalize() {
	if b.Status == "" {
		b.Status = BudgetPending
	}
}

func (b *Budget) Validate() error {
	if b.ClientID == 0 {
		return invalid(EntityBudgets, "clientId", "must reference a client")
	}
	if b.Title == "" {
		return invalid(EntityBudgets, "title", "must not be empty")
	}
	if b.Amount <= 0 {
		return invalid(EntityBudgets, "amount", "must be positive")
	}
	switch b.Status {
	case BudgetPending, BudgetApproved, BudgetRejected, BudgetCancelled:
	default:
		return invalid(EntityBudgets, "status", "unknown value "+b.Status)
	}
	return nil
}

// Contract is signed work, optionally derived from an approved budget.
type Contract struct {
	Meta
	ClientID  int64   `db:"client_id" json:"clientId"`
	BudgetID  int64   `db:"budget_id" json:"budgetId,omitempty"`
	Title     string  `db:"title" json:"title"`
	Terms     string  `db:"terms" json:"terms,omitempty"`
	Value     float64 `db:"value" json:"value"`
	StartDate int64   `db:"start_date" json:"startDate"`
	EndDate   int64   `db:"end_date" json:"endDate"`
	Status    string  `db:"status" json:"status"`
}

func (c *Contract) Entity() string { return EntityContracts }

func (c *Contract) Normalize() {
	if c.Status == "" {
		c.Status = ContractActive
	}
}

func (c *Contract) Validate() error {
	if c.ClientID == 0 {
		return invalid(EntityContracts, "clientId", "must reference a client")
	}
	if c.Title == "" {
		return invalid(EntityContracts, "title", "must not be empty")
	}
	if c.Value <= 0 {
		return invalid(EntityContracts, "value", "must be positive")
	}
	if c.EndDate != 0 && c.StartDate > c.EndDate {
		return invalid(EntityContracts, "endDate", "must not precede startDate")
	}
	switch c.Status {
	case ContractActive, ContractCompleted, ContractSuspended:
	default:
		return invalid(EntityContracts, "status", "unknown value "+c.Status)
	}
	return nil
}

// Financial is an income or expense entry. ReferenceID is an opaque
// correlation token (a UUID in practice); it is never dereferenced and is
// not a foreign key.
type Financial struct {
	Meta
	Type        string  `db:"type" json:"type"`
	Description string  `db:"description" json:"description"`
	Amount      float64 `db:"amount" json:"amount"`
	Date        int64   `db:"date" json:"date"`
	Category    string  `db:"category" json:"category"`
	ReferenceID string  `db:"reference_id" json:"referenceId,omitempty"`
}

func (f *Financial) Entity() string { return EntityFinancials }

func (f *Financial) Normalize() {
	f.Category = strings.TrimSpace(f.Category)
}

func (f *Financial) Validate() error {
	switch f.Type {
	case FinancialIncome, FinancialExpense:
	default:
		return invalid(EntityFinancials, "type", "must be Income or Expense")
	}
	if f.Description == "" {
		return invalid(EntityFinancials, "description", "must not be empty")
	}
	if f.Amount <= 0 {
		return invalid(EntityFinancials, "amount", "must be positive")
	}
	if f.Date == 0 {
		return invalid(EntityFinancials, "date", "must be set")
	}
	return nil
}

// NormalizeEmail lower-cases and trims an email address. Applied before the
// uniqueness check so "Ana@X.com " and "ana@x.com" collide.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeTaxID strips everything but digits. The canonical stored form of
// a tax id is digits-only; formatting is a presentation concern.
func NormalizeTaxID(taxID string) string {
	var b strings.Builder
	for _, r := range taxID {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
