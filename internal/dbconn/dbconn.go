// Package dbconn builds the database connections every binary needs: a
// pooled gorm connection for ordinary CRUD, and a small pgxpool used only for
// the K-line bulk upsert into klines_history. Neither of these is ever used
// for LISTEN — see package listener.
package dbconn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"marketfabric.io/core/internal/config"
)

// KeyValueDSN builds the libpq key=value DSN gorm and pq.Listener expect.
func KeyValueDSN(c config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.TimeZone,
	)
}

// URLDSN builds the postgres:// URL form pgxpool and golang-migrate expect.
func URLDSN(c config.DatabaseConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// OpenGorm opens the pooled query connection used for ordinary CRUD.
func OpenGorm(c config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(KeyValueDSN(c)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("dbconn: open gorm: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("dbconn: underlying sql.DB: %w", err)
	}
	if c.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpenConn)
	}
	if c.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdleConn)
	}
	return db, nil
}

// OpenBulkPool opens the small pgx pool reserved for the klines_history bulk
// upsert.
func OpenBulkPool(ctx context.Context, c config.DatabaseConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(URLDSN(c))
	if err != nil {
		return nil, fmt.Errorf("dbconn: parse bulk pool dsn: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dbconn: open bulk pool: %w", err)
	}
	return pool, nil
}
