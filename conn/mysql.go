package conn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"telehealth-backend/config"
)

// DSN builds the driver config. clientFoundRows makes UPDATE report matched
// rows, which the repositories rely on for not-found and guard checks.
func DSN(c *config.Config, withDB bool) string {
	mc := mysql.NewConfig()
	mc.User = c.DBUser
	mc.Passwd = c.DBPassword
	mc.Net = "tcp"
	mc.Addr = c.DBHost + ":" + c.DBPort
	if withDB {
		mc.DBName = c.DBName
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.ClientFoundRows = true
	return mc.FormatDSN()
}

// NewMySQL opens the pool, creating the database first when it is missing.
func NewMySQL(ctx context.Context, c *config.Config) (*sql.DB, error) {
	adminDB, err := sql.Open("mysql", DSN(c, false))
	if err != nil {
		return nil, err
	}
	if err := adminDB.PingContext(ctx); err != nil {
		adminDB.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	if _, err := adminDB.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS `"+c.DBName+"` DEFAULT CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		adminDB.Close()
		return nil, err
	}
	adminDB.Close()

	db, err := sql.Open("mysql", DSN(c, true))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	return db, nil
}
