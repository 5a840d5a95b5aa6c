package db

import (
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// OpenSQL opens the assignment database and verifies it is reachable.
func OpenSQL(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening mysql")
	}
	conn.SetConnMaxLifetime(3 * time.Minute)
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(10)

	if err := conn.Ping(); err != nil {
		return nil, errors.Wrap(err, "pinging mysql")
	}
	return conn, nil
}
