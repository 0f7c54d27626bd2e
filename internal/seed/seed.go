// Package seed loads demo fixtures into the local store.
//
// Fixtures are YAML documents describing users, clients, budgets, contracts,
// and financial entries. Records go through the normal store lifecycle, so
// seeded data is journaled and pushed on the next sync like any user edit.
// Cross-references are symbolic: budgets and contracts name their client by
// email and their budget by title, and the seeder resolves them to the local
// ids it was assigned.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/rc-construcoes/rcsync/internal/model"
	"github.com/rc-construcoes/rcsync/internal/store"
)

//go:embed fixtures.yaml
var defaultFixtures []byte

// ErrRefused is returned when seeding would be unsafe.
var ErrRefused = errors.New("seeding refused")

// Fixtures is the YAML document shape.
type Fixtures struct {
	Users []struct {
		Username    string   `yaml:"username"`
		Email       string   `yaml:"email"`
		Password    string   `yaml:"password"`
		Role        string   `yaml:"role"`
		Permissions []string `yaml:"permissions"`
	} `yaml:"users"`

	Clients []struct {
		Name    string `yaml:"name"`
		Email   string `yaml:"email"`
		Phone   string `yaml:"phone"`
		Address string `yaml:"address"`
		TaxID   string `yaml:"taxId"`
	} `yaml:"clients"`

	Budgets []struct {
		ClientEmail string  `yaml:"clientEmail"`
		Title       string  `yaml:"title"`
		Description string  `yaml:"description"`
		Amount      float64 `yaml:"amount"`
		Status      string  `yaml:"status"`
	} `yaml:"budgets"`

	Contracts []struct {
		ClientEmail string  `yaml:"clientEmail"`
		BudgetTitle string  `yaml:"budgetTitle"`
		Title       string  `yaml:"title"`
		Terms       string  `yaml:"terms"`
		Value       float64 `yaml:"value"`
		StartDate   int64   `yaml:"startDate"`
		EndDate     int64   `yaml:"endDate"`
		Status      string  `yaml:"status"`
	} `yaml:"contracts"`

	Financials []struct {
		Type        string  `yaml:"type"`
		Description string  `yaml:"description"`
		Amount      float64 `yaml:"amount"`
		Date        int64   `yaml:"date"`
		Category    string  `yaml:"category"`
	} `yaml:"financials"`
}

// Load parses a fixture file; an empty path yields the embedded defaults.
func Load(path string) (*Fixtures, error) {
	data := defaultFixtures
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read fixtures: %w", err)
		}
	}
	f := &Fixtures{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	return f, nil
}

// Apply inserts the fixtures. It refuses to seed an in-memory fallback store
// (the data would vanish with the process) and a store whose journal backlog
// is already high.
func Apply(ctx context.Context, st *store.Store, f *Fixtures, logger *log.Logger) error {
	if logger == nil {
		logger = log.New(os.Stderr, "[seed] ", log.LstdFlags)
	}
	if st.IsFallback() {
		return fmt.Errorf("%w: store is an in-memory fallback", ErrRefused)
	}
	if high, err := st.BacklogHigh(ctx); err != nil {
		return err
	} else if high {
		return fmt.Errorf("%w: journal backlog is high", ErrRefused)
	}

	for _, u := range f.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password for %s: %w", u.Username, err)
		}
		perms := model.Permissions(u.Permissions)
		if len(perms) == 0 {
			perms = model.DefaultPermissions
		}
		user := &model.User{
			Username:     u.Username,
			Email:        u.Email,
			PasswordHash: string(hash),
			Role:         u.Role,
			Permissions:  perms,
		}
		if err := createSkippingDuplicates(ctx, st, user, logger); err != nil {
			return err
		}
	}

	clientIDs := make(map[string]int64, len(f.Clients))
	for _, c := range f.Clients {
		client := &model.Client{
			Name:     c.Name,
			Email:    c.Email,
			Phone:    c.Phone,
			Address:  c.Address,
			TaxID:    c.TaxID,
			IsActive: true,
		}
		if err := createSkippingDuplicates(ctx, st, client, logger); err != nil {
			return err
		}
		if client.ID != 0 {
			clientIDs[model.NormalizeEmail(c.Email)] = client.ID
		}
	}

	budgetIDs := make(map[string]int64, len(f.Budgets))
	for _, b := range f.Budgets {
		clientID, ok := clientIDs[model.NormalizeEmail(b.ClientEmail)]
		if !ok {
			return fmt.Errorf("budget %q references unknown client %q", b.Title, b.ClientEmail)
		}
		budget := &model.Budget{
			ClientID:    clientID,
			Title:       b.Title,
			Description: b.Description,
			Amount:      b.Amount,
			Status:      b.Status,
		}
		if err := st.Create(ctx, budget); err != nil {
			return err
		}
		budgetIDs[b.Title] = budget.ID
	}

	for _, c := range f.Contracts {
		clientID, ok := clientIDs[model.NormalizeEmail(c.ClientEmail)]
		if !ok {
			return fmt.Errorf("contract %q references unknown client %q", c.Title, c.ClientEmail)
		}
		contract := &model.Contract{
			ClientID:  clientID,
			BudgetID:  budgetIDs[c.BudgetTitle],
			Title:     c.Title,
			Terms:     c.Terms,
			Value:     c.Value,
			StartDate: c.StartDate,
			EndDate:   c.EndDate,
			Status:    c.Status,
		}
		if err := st.Create(ctx, contract); err != nil {
			return err
		}
	}

	for _, fin := range f.Financials {
		entry := &model.Financial{
			Type:        fin.Type,
			Description: fin.Description,
			Amount:      fin.Amount,
			Date:        fin.Date,
			Category:    fin.Category,
			ReferenceID: uuid.NewString(),
		}
		if err := st.Create(ctx, entry); err != nil {
			return err
		}
	}

	logger.Printf("seeded %d users, %d clients, %d budgets, %d contracts, %d financials",
		len(f.Users), len(f.Clients), len(f.Budgets), len(f.Contracts), len(f.Financials))
	return nil
}

// createSkippingDuplicates tolerates unique-index collisions so seeding is
// rerunnable. The record's ID stays 0 when the row already existed.
func createSkippingDuplicates(ctx context.Context, st *store.Store, rec model.Record, logger *log.Logger) error {
	err := st.Create(ctx, rec)
	if errors.Is(err, store.ErrConstraint) {
		logger.Printf("skipping existing %s record", rec.Entity())
		return nil
	}
	return err
}

// Clear removes all local data and the journal. The signed-in principal's
// own user row is preserved so the session stays usable.
func Clear(ctx context.Context, st *store.Store, keepUserID int64) error {
	return st.Transaction(ctx, func(tx *sqlx.Tx) error {
		for _, entity := range model.Entities {
			var err error
			if entity == model.EntityUsers && keepUserID != 0 {
				_, err = tx.ExecContext(ctx, "DELETE FROM users WHERE id != ?", keepUserID)
			} else {
				_, err = tx.ExecContext(ctx, "DELETE FROM "+entity)
			}
			if err != nil {
				return fmt.Errorf("failed to clear %s: %w", entity, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_journal"); err != nil {
			return fmt.Errorf("failed to clear journal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_cursors"); err != nil {
			return fmt.Errorf("failed to clear cursors: %w", err)
		}
		return nil
	})
}
