package infra

import (
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

// Migration é um passo versionado do schema. O SQL precisa rodar tanto em
// Postgres quanto em SQLite.
type Migration struct {
	ID   string
	Name string
	Up   func(tx *gorm.DB) error
}

var migrations = []Migration{
	{
		ID:   "20240101_create_rate_limits_table",
		Name: "Create rate_limits table",
		Up: func(tx *gorm.DB) error {
			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS rate_limits (
					"key"      VARCHAR(255) PRIMARY KEY NOT NULL,
					points     INTEGER NOT NULL DEFAULT 0,
					expire     BIGINT NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`).Error; err != nil {
				return err
			}
			return tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_rate_limits_expire
				ON rate_limits (expire);
			`).Error
		},
	},
}

type MigrationsManager struct {
	db *gorm.DB
}

func NewMigrationsManager(db *gorm.DB) *MigrationsManager {
	return &MigrationsManager{db: db}
}

func (m *MigrationsManager) ensureMigrationsTable() error {
	const createTableSQL = `
CREATE TABLE IF NOT EXISTS migration_version (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
);`
	return m.db.Exec(createTableSQL).Error
}

func (m *MigrationsManager) applied() (map[string]struct{}, error) {
	type row struct{ ID string }
	var rows []row
	if err := m.db.Raw("SELECT id FROM migration_version").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		out[r.ID] = struct{}{}
	}
	return out, nil
}

// ApplyPending aplica, em ordem de ID, cada migration ainda não registrada.
// Cada passo e seu registro rodam na mesma transação.
func (m *MigrationsManager) ApplyPending() error {
	if err := m.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}
	done, err := m.applied()
	if err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}

	pending := make([]Migration, 0, len(migrations))
	for _, mig := range migrations {
		if _, ok := done[mig.ID]; !ok {
			pending = append(pending, mig)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	for _, mig := range pending {
		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			return tx.Exec("INSERT INTO migration_version (id, name, applied_at) VALUES (?, ?, ?)",
				mig.ID, mig.Name, time.Now().UTC()).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s (%s): %w", mig.ID, mig.Name, err)
		}
	}
	return nil
}
