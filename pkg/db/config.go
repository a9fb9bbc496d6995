package db

import (
	"context"
	"fmt"
)

// BridgeConfig is the single persisted configuration row (spec.md §4.3
// mentions config as part of the core's stored-but-uninterpreted
// state; this is the bridge-process-level subset of it).
type BridgeConfig struct {
	BrokerURI         string
	MQTTClientID      string
	BridgeID          string
	SerialPort        string
	PANID             uint16
	Channel           uint8
	PermitJoinSeconds uint8
}

// NeedsBootstrap returns true if the bridge_config row has never been
// created.
func (db *DB) NeedsBootstrap(ctx context.Context) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bridge_config WHERE id = 1`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check bridge_config: %w", err)
	}
	return count == 0, nil
}

// Bootstrap inserts the default configuration row if it's missing.
// Idempotent: a second call on an already-bootstrapped database is a
// no-op.
func (db *DB) Bootstrap(ctx context.Context) error {
	needs, err := db.NeedsBootstrap(ctx)
	if err != nil {
		return err
	}
	if !needs {
		return nil
	}

	_, err = db.ExecContext(ctx, `INSERT INTO bridge_config (id) VALUES (1)`)
	if err != nil {
		return fmt.Errorf("failed to create default bridge_config row: %w", err)
	}
	return nil
}

// ActiveConfig loads the single bridge configuration row.
func (db *DB) ActiveConfig(ctx context.Context) (*BridgeConfig, error) {
	cfg := &BridgeConfig{}
	var panID, channel, permitJoin int
	err := db.QueryRowContext(ctx, `
		SELECT broker_uri, mqtt_client_id, bridge_id, serial_port, pan_id, channel, permit_join_seconds
		FROM bridge_config WHERE id = 1
	`).Scan(&cfg.BrokerURI, &cfg.MQTTClientID, &cfg.BridgeID, &cfg.SerialPort, &panID, &channel, &permitJoin)
	if err != nil {
		return nil, fmt.Errorf("failed to load bridge config: %w", err)
	}
	cfg.PANID = uint16(panID)
	cfg.Channel = uint8(channel)
	cfg.PermitJoinSeconds = uint8(permitJoin)
	return cfg, nil
}

// SaveConfig updates the single bridge configuration row.
func (db *DB) SaveConfig(ctx context.Context, cfg *BridgeConfig) error {
	_, err := db.ExecContext(ctx, `
		UPDATE bridge_config SET
			broker_uri = ?, mqtt_client_id = ?, bridge_id = ?, serial_port = ?,
			pan_id = ?, channel = ?, permit_join_seconds = ?,
			updated_at = datetime('now')
		WHERE id = 1
	`, cfg.BrokerURI, cfg.MQTTClientID, cfg.BridgeID, cfg.SerialPort, cfg.PANID, cfg.Channel, cfg.PermitJoinSeconds)
	if err != nil {
		return fmt.Errorf("failed to save bridge config: %w", err)
	}
	return nil
}
