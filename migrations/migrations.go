package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(191) NOT NULL DEFAULT '',
		email VARCHAR(191) NOT NULL UNIQUE,
		role VARCHAR(32) NOT NULL DEFAULT 'patient',
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		tier VARCHAR(16) NOT NULL DEFAULT 'free',
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		start_date DATETIME(6) NOT NULL,
		end_date DATETIME(6) NULL,
		next_payment_date DATETIME(6) NULL,
		last_payment_date DATETIME(6) NULL,
		cancelled_at DATETIME(6) NULL,
		cancel_reason VARCHAR(500) NOT NULL DEFAULT '',
		auto_renew TINYINT(1) NOT NULL DEFAULT 1,
		manual_override TINYINT(1) NOT NULL DEFAULT 0,
		external_customer_ref VARCHAR(255) NOT NULL DEFAULT '',
		external_subscription_ref VARCHAR(255) NOT NULL DEFAULT '',
		external_price_ref VARCHAR(255) NOT NULL DEFAULT '',
		pending_subscription_ref VARCHAR(255) NOT NULL DEFAULT '',
		last_modified_by BIGINT NULL,
		last_modified_at DATETIME(6) NOT NULL,
		last_modification_reason VARCHAR(500) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		UNIQUE KEY uq_subscriptions_user (user_id),
		KEY idx_subscriptions_customer (external_customer_ref),
		KEY idx_subscriptions_expiry (status, end_date),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS usage_ledger (
		id CHAR(36) NOT NULL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		period VARCHAR(10) NOT NULL,
		date_key VARCHAR(10) NOT NULL,
		period_start DATETIME(6) NOT NULL,
		ai_consultation_messages INT NOT NULL DEFAULT 0,
		symptom_checker_messages INT NOT NULL DEFAULT 0,
		total_ai_messages INT NOT NULL DEFAULT 0,
		ai_consultation_sessions INT NOT NULL DEFAULT 0,
		symptom_checker_sessions INT NOT NULL DEFAULT 0,
		ai_consultation_time INT NOT NULL DEFAULT 0,
		symptom_checker_time INT NOT NULL DEFAULT 0,
		appointments_booked INT NOT NULL DEFAULT 0,
		prescriptions_viewed INT NOT NULL DEFAULT 0,
		subscription_tier VARCHAR(16) NOT NULL,
		limit_ai_messages INT NOT NULL,
		limit_appointments INT NOT NULL,
		last_reset DATETIME(6) NOT NULL,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		UNIQUE KEY uq_usage_bucket (user_id, period, date_key),
		KEY idx_usage_period (period, date_key)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS plan_change_logs (
		id CHAR(36) NOT NULL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		user_name VARCHAR(191) NOT NULL DEFAULT '',
		user_email VARCHAR(191) NOT NULL DEFAULT '',
		from_tier VARCHAR(16) NOT NULL,
		to_tier VARCHAR(16) NOT NULL,
		changed_by VARCHAR(191) NOT NULL,
		changed_by_id BIGINT NULL,
		changed_by_kind VARCHAR(16) NOT NULL,
		reason VARCHAR(500) NOT NULL DEFAULT '',
		type VARCHAR(16) NOT NULL,
		ip_address VARCHAR(64) NOT NULL DEFAULT '',
		user_agent VARCHAR(255) NOT NULL DEFAULT '',
		payment_ref VARCHAR(255) NOT NULL DEFAULT '',
		bulk_operation_id VARCHAR(36) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		KEY idx_plan_logs_user (user_id, created_at),
		KEY idx_plan_logs_admin (changed_by_id, created_at),
		KEY idx_plan_logs_type (type, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS billing_history (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		invoice_id VARCHAR(255) NOT NULL,
		amount_cents BIGINT NOT NULL,
		currency VARCHAR(10) NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'paid',
		description VARCHAR(500) NOT NULL DEFAULT '',
		download_url VARCHAR(1024) NOT NULL DEFAULT '',
		paid_at DATETIME(6) NOT NULL,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		UNIQUE KEY uq_billing_invoice (invoice_id),
		KEY idx_billing_user (user_id, paid_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS billing_events (
		event_id VARCHAR(255) NOT NULL PRIMARY KEY,
		processed_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is not initialized")
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", tableName(stmt), err)
		}
	}
	return nil
}

// SeedAdmin inserts an admin user when no user with that email exists.
func SeedAdmin(ctx context.Context, db *sql.DB, name, email string) error {
	if db == nil {
		return fmt.Errorf("db is not initialized")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("admin email is required")
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO users (name, email, role) VALUES (?, ?, 'admin') ON DUPLICATE KEY UPDATE role = 'admin'",
		name, email,
	)
	return err
}

func tableName(stmt string) string {
	fields := strings.Fields(stmt)
	for i, f := range fields {
		if f == "EXISTS" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return "statement"
}
