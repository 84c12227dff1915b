package sink

import (
	"context"
	"database/sql"
	"log"
)

type pragma struct {
	name  string
	value string
}

// tuningPragmas are connection-scoped, so they travel in the DSN.
var tuningPragmas = []pragma{
	{"synchronous", "NORMAL"},
	{"wal_autocheckpoint", "1000"},
	{"temp_store", "MEMORY"},
	{"mmap_size", "268435456"},
}

// ReportSQLitePragmas logs foreign_keys and, when tuning is on, the value of
// each tuning pragma as seen by a pooled connection.
func ReportSQLitePragmas(ctx context.Context, db *sql.DB, tuning bool) {
	names := []string{"foreign_keys"}
	if tuning {
		for _, p := range tuningPragmas {
			names = append(names, p.name)
		}
	}
	for _, name := range names {
		if value, err := queryPragma(ctx, db, name); err != nil {
			log.Printf("sqlite: pragma %s failed: %v", name, err)
		} else {
			log.Printf("sqlite: %s => %v", name, value)
		}
	}
}

func queryPragma(ctx context.Context, db *sql.DB, name string) (any, error) {
	var value any
	if err := db.QueryRowContext(ctx, "PRAGMA "+name+";").Scan(&value); err != nil {
		return nil, err
	}
	return value, nil
}
