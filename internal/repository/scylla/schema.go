package scylla

import (
	"context"
	"fmt"

	"device-trust-service/internal/util"
)

// Column lists shared by INSERT and SELECT statements; scan helpers depend
// on this order.
const (
	deviceColumns = `device_id, imei, model, os_version, tee_type, device_mode, public_key,
        status, merchant_id, merchant_name, security_score, current_ksn, ipek_injected_at,
        key_remaining_count, key_total_count, nfc_present, registered_at, approved_at,
        approved_by, last_active_at, updated_at`

	healthCheckColumns = `device_id, created_at, check_id, root_detected, bootloader_locked,
        system_integrity, app_integrity, tee_intact, security_score, recommended_action, details`

	threatColumns = `threat_id, device_id, threat_type, severity, status, description,
        detected_at, resolved_at, resolved_by, notes`

	transactionColumns = `transaction_id, device_id, transaction_type, amount, currency, status,
        ksn, encrypted_pin_block, card_number_masked, authorization_code, response_code,
        response_message, token_id, created_at`
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
        device_bucket int,
        device_id text,
        imei text,
        model text,
        os_version text,
        tee_type text,
        device_mode text,
        public_key blob,
        status text,
        merchant_id text,
        merchant_name text,
        security_score int,
        current_ksn text,
        ipek_injected_at timestamp,
        key_remaining_count int,
        key_total_count int,
        nfc_present boolean,
        registered_at timestamp,
        approved_at timestamp,
        approved_by text,
        last_active_at timestamp,
        updated_at timestamp,
        PRIMARY KEY ((device_bucket), device_id)
    )`,
	`CREATE TABLE IF NOT EXISTS devices_by_imei (
        imei text PRIMARY KEY,
        device_id text,
        created_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS health_checks (
        device_id text,
        created_at timestamp,
        check_id text,
        root_detected boolean,
        bootloader_locked boolean,
        system_integrity boolean,
        app_integrity boolean,
        tee_intact boolean,
        security_score int,
        recommended_action text,
        details text,
        PRIMARY KEY ((device_id), created_at, check_id)
    ) WITH CLUSTERING ORDER BY (created_at DESC, check_id ASC)`,
	`CREATE TABLE IF NOT EXISTS threat_events (
        threat_id text PRIMARY KEY,
        device_id text,
        threat_type text,
        severity text,
        status text,
        description text,
        detected_at timestamp,
        resolved_at timestamp,
        resolved_by text,
        notes text
    )`,
	`CREATE TABLE IF NOT EXISTS threats_by_device (
        device_id text,
        detected_at timestamp,
        threat_id text,
        threat_type text,
        severity text,
        status text,
        description text,
        resolved_at timestamp,
        resolved_by text,
        notes text,
        PRIMARY KEY ((device_id), detected_at, threat_id)
    ) WITH CLUSTERING ORDER BY (detected_at DESC, threat_id ASC)`,
	`CREATE TABLE IF NOT EXISTS transactions (
        transaction_id text PRIMARY KEY,
        device_id text,
        transaction_type text,
        amount bigint,
        currency text,
        status text,
        ksn text,
        encrypted_pin_block text,
        card_number_masked text,
        authorization_code text,
        response_code text,
        response_message text,
        token_id text,
        created_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS transactions_by_device (
        device_id text,
        created_at timestamp,
        transaction_id text,
        transaction_type text,
        amount bigint,
        currency text,
        status text,
        ksn text,
        encrypted_pin_block text,
        card_number_masked text,
        authorization_code text,
        response_code text,
        response_message text,
        token_id text,
        PRIMARY KEY ((device_id), created_at, transaction_id)
    ) WITH CLUSTERING ORDER BY (created_at DESC, transaction_id ASC)`,
}

// EnsureSchema creates the tables in the configured keyspace. The keyspace
// itself is provisioned out of band.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", util.Int("tables", len(schemaStatements)))
	return nil
}
