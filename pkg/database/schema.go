package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// ExpectedTable describes one table the coordinator reads or writes.
type ExpectedTable struct {
	Name    string
	Columns map[string]string // column -> declared SQLite type
}

// Schema is the structure the embedded migrations must produce.
var Schema = struct {
	Tables  []ExpectedTable
	Indexes []string
}{
	Tables: []ExpectedTable{
		{Name: "broadcasts", Columns: map[string]string{
			"session_id":           "TEXT",
			"mosque_id":            "TEXT",
			"started_at":           "DATETIME",
			"ended_at":             "DATETIME",
			"duration_ms":          "INTEGER",
			"final_listener_count": "INTEGER",
			"peak_listener_count":  "INTEGER",
			"units_published":      "INTEGER",
			"end_reason":           "TEXT",
		}},
		{Name: "mosque_followers", Columns: map[string]string{
			"mosque_id":   "TEXT",
			"user_id":     "TEXT",
			"followed_at": "DATETIME",
		}},
		{Name: "schema_migrations"},
	},
	Indexes: []string{"idx_broadcasts_mosque_ended", "idx_followers_user"},
}

// SchemaValidator checks a migrated database against Schema.
// ARCHITECTURAL DISCOVERY: Validation stays separate from the migration tool so
// a deployment can be verified without applying anything
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate reports the first missing table, column, type mismatch or index.
func (v *SchemaValidator) Validate() error {
	return v.ValidateContext(context.Background())
}

func (v *SchemaValidator) ValidateContext(ctx context.Context) error {
	for _, table := range Schema.Tables {
		ok, err := v.objectExists(ctx, "table", table.Name)
		if err != nil {
			return fmt.Errorf("checking table %s: %w", table.Name, err)
		}
		if !ok {
			return fmt.Errorf("required table %s does not exist", table.Name)
		}
		if err := v.checkColumns(ctx, table); err != nil {
			return fmt.Errorf("table %s: %w", table.Name, err)
		}
	}

	for _, index := range Schema.Indexes {
		ok, err := v.objectExists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("checking index %s: %w", index, err)
		}
		if !ok {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(ctx context.Context, kind, name string) (bool, error) {
	var n int
	err := v.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?`, kind, name).Scan(&n)
	return n > 0, err
}

// checkColumns compares declared column types using the pragma_table_info
// table-valued function, which accepts the table name as a bound parameter.
func (v *SchemaValidator) checkColumns(ctx context.Context, table ExpectedTable) error {
	if len(table.Columns) == 0 {
		return nil
	}

	rows, err := v.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table.Name)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	declared := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return err
		}
		declared[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// Sorted so the reported column is stable across runs.
	names := make([]string, 0, len(table.Columns))
	for name := range table.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		got, ok := declared[name]
		switch {
		case !ok:
			return fmt.Errorf("column %s not found", name)
		case got != table.Columns[name]:
			return fmt.Errorf("column %s has type %s, expected %s", name, got, table.Columns[name])
		}
	}
	return nil
}
