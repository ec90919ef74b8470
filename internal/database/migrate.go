package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order.  Every statement is idempotent.
//
// open_flag columns are 1 while a row is open and NULL afterwards; a unique
// key over (booking_id, open_flag) then admits any number of closed rows but
// only one open one.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS car_locks (
		car_id VARCHAR(64) NOT NULL PRIMARY KEY
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS bookings (
		id                    CHAR(36)    NOT NULL PRIMARY KEY,
		car_id                VARCHAR(64) NOT NULL,
		renter_id             VARCHAR(64) NOT NULL,
		host_id               VARCHAR(64) NOT NULL,
		start_at              DATETIME(6) NOT NULL,
		end_at                DATETIME(6) NOT NULL,
		status                VARCHAR(32) NOT NULL,
		payment_status        VARCHAR(32) NOT NULL,
		checkout_session_id   CHAR(36)    NULL,
		amount_due_cents      BIGINT      NOT NULL,
		currency              VARCHAR(3)  NOT NULL,
		amount_captured_cents BIGINT      NOT NULL DEFAULT 0,
		amount_refunded_cents BIGINT      NOT NULL DEFAULT 0,
		completed_at          DATETIME(6) NULL,
		created_at            DATETIME(6) NOT NULL,
		updated_at            DATETIME(6) NOT NULL,
		version               BIGINT      NOT NULL,
		KEY idx_bookings_car_range (car_id, status, start_at, end_at),
		KEY idx_bookings_ended (status, end_at),
		CONSTRAINT chk_bookings_range CHECK (start_at < end_at),
		CONSTRAINT chk_bookings_refund CHECK (amount_refunded_cents <= amount_captured_cents)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS checkout_sessions (
		id                  CHAR(36)     NOT NULL PRIMARY KEY,
		booking_id          CHAR(36)     NOT NULL,
		provider_session_id VARCHAR(128) NULL,
		status              VARCHAR(16)  NOT NULL,
		created_at          DATETIME(6)  NOT NULL,
		last_reconciled_at  DATETIME(6)  NULL,
		open_flag TINYINT AS (IF(status = 'created', 1, NULL)) STORED,
		UNIQUE KEY uq_sessions_open (booking_id, open_flag),
		UNIQUE KEY uq_sessions_provider (provider_session_id),
		KEY idx_sessions_stale (status, created_at),
		CONSTRAINT fk_sessions_booking FOREIGN KEY (booking_id) REFERENCES bookings (id)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		provider_event_id VARCHAR(255) NOT NULL PRIMARY KEY,
		type              VARCHAR(128) NOT NULL,
		payload           MEDIUMBLOB   NOT NULL,
		received_at       DATETIME(6)  NOT NULL,
		processed_at      DATETIME(6)  NULL
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS deposit_cases (
		id                   CHAR(36)    NOT NULL PRIMARY KEY,
		booking_id           CHAR(36)    NOT NULL,
		status               VARCHAR(32) NOT NULL,
		amount_claimed_cents BIGINT      NOT NULL,
		filed_at             DATETIME(6) NOT NULL,
		resolved_at          DATETIME(6) NULL,
		open_flag TINYINT AS (IF(status IN ('case_submitted', 'under_review'), 1, NULL)) STORED,
		UNIQUE KEY uq_cases_open (booking_id, open_flag),
		CONSTRAINT fk_cases_booking FOREIGN KEY (booking_id) REFERENCES bookings (id)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS refund_requests (
		id                 CHAR(36)     NOT NULL PRIMARY KEY,
		booking_id         CHAR(36)     NOT NULL,
		amount_cents       BIGINT       NOT NULL,
		currency           VARCHAR(3)   NOT NULL,
		status             VARCHAR(16)  NOT NULL,
		provider_refund_id VARCHAR(128) NULL,
		created_at         DATETIME(6)  NOT NULL,
		updated_at         DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_refunds_booking (booking_id),
		KEY idx_refunds_queued (status, created_at),
		CONSTRAINT fk_refunds_booking FOREIGN KEY (booking_id) REFERENCES bookings (id)
	) ENGINE=InnoDB`,
}

// Migrate creates the tables the service needs.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
