// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface, intended for production
// use on registry holders and storage providers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
)

type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation. It
// establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// Close releases the connection pool.
func (p *postgres) Close() {
	p.db.Close()
}

// initSchema creates all required tables and indexes if they don't already
// exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Device registry: one row per provisioned device
		CREATE TABLE IF NOT EXISTS device_registry (
		    id TEXT PRIMARY KEY,                         -- Device identifier
		    owner_id TEXT NOT NULL,                      -- Owning user
		    device_name TEXT NOT NULL,                   -- Human-readable name
		    device_type TEXT NOT NULL,                   -- always_on, mobile, storage_provider
		    public_key TEXT NOT NULL DEFAULT '',         -- Public key placeholder
		    serves_data BOOLEAN NOT NULL DEFAULT FALSE,  -- Serves stored data
		    accepts_storage_contracts BOOLEAN NOT NULL DEFAULT FALSE,  -- Accepts contracts
		    storage_capacity_gb BIGINT NOT NULL DEFAULT 0,  -- Declared capacity
		    is_online BOOLEAN NOT NULL DEFAULT FALSE,    -- Current online flag
		    last_heartbeat TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),  -- Last heartbeat
		    last_seen TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()  -- Last activity
		);

		CREATE INDEX IF NOT EXISTS idx_device_registry_owner ON device_registry(owner_id, last_seen DESC);
		CREATE INDEX IF NOT EXISTS idx_device_registry_online ON device_registry(is_online, last_heartbeat DESC);

		-- Replica index: at most one live record per source device
		CREATE TABLE IF NOT EXISTS replicas (
		    source_device_id TEXT PRIMARY KEY,           -- Source device
		    path TEXT NOT NULL,                          -- Blob store path or key
		    version BIGINT NOT NULL,                     -- Last-known store version
		    checksum TEXT NOT NULL,                      -- Plaintext checksum
		    encrypted_checksum TEXT NOT NULL,            -- Ciphertext checksum on receipt
		    size BIGINT NOT NULL,                        -- Plaintext size
		    encrypted_size BIGINT NOT NULL,              -- Ciphertext size
		    last_updated TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()  -- Last sync time
		);

		-- Storage contracts: provisioned externally, counters updated here
		CREATE TABLE IF NOT EXISTS storage_contracts (
		    id TEXT PRIMARY KEY,                         -- Contract identifier
		    provider_device_id TEXT NOT NULL,            -- Provider bound by the contract
		    status TEXT NOT NULL DEFAULT 'active',       -- active or inactive
		    actual_storage_used_gb DOUBLE PRECISION NOT NULL DEFAULT 0,  -- Storage in use
		    total_data_transferred_gb DOUBLE PRECISION NOT NULL DEFAULT 0,  -- Cumulative transfer
		    monthly_rate_vibe DOUBLE PRECISION NOT NULL DEFAULT 0  -- Monthly rate
		);

		CREATE INDEX IF NOT EXISTS idx_storage_contracts_provider ON storage_contracts(provider_device_id, status);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// UpsertDevice registers or re-registers a device in a single statement.
// Re-registering the same device ID updates attributes rather than
// duplicating the row; liveness fields are left to the heartbeat path.
func (p *postgres) UpsertDevice(ctx context.Context, device model.Device) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO device_registry (
		    id, owner_id, device_name, device_type, public_key,
		    serves_data, accepts_storage_contracts, storage_capacity_gb,
		    is_online, last_heartbeat, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    owner_id = EXCLUDED.owner_id,
		    device_name = EXCLUDED.device_name,
		    device_type = EXCLUDED.device_type,
		    public_key = EXCLUDED.public_key,
		    serves_data = EXCLUDED.serves_data,
		    accepts_storage_contracts = EXCLUDED.accepts_storage_contracts,
		    storage_capacity_gb = EXCLUDED.storage_capacity_gb
	`, device.ID, device.OwnerID, device.Name, device.Class, device.PublicKey,
		device.ServesData, device.AcceptsStorageContracts, device.StorageCapacityGB,
		device.Online, device.LastHeartbeat, device.LastSeen)
	return err
}

func (p *postgres) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	row := p.db.QueryRow(ctx, `
		SELECT id, owner_id, device_name, device_type, public_key,
		       serves_data, accepts_storage_contracts, storage_capacity_gb,
		       is_online, last_heartbeat, last_seen
		FROM device_registry WHERE id = $1
	`, deviceID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return device, nil
}

// TouchHeartbeat refreshes liveness in a single row-scoped statement, so a
// concurrent sweep over the same row cannot lose the heartbeat.
func (p *postgres) TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		UPDATE device_registry
		SET is_online = TRUE, last_heartbeat = $2, last_seen = $2
		WHERE id = $1
	`, deviceID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *postgres) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.db.Exec(ctx, `
		UPDATE device_registry
		SET is_online = FALSE
		WHERE last_heartbeat < $1 AND is_online = TRUE
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *postgres) ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, owner_id, device_name, device_type, public_key,
		       serves_data, accepts_storage_contracts, storage_capacity_gb,
		       is_online, last_heartbeat, last_seen
		FROM device_registry
		WHERE owner_id = $1
		ORDER BY last_seen DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (p *postgres) ListOnlineDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, owner_id, device_name, device_type, public_key,
		       serves_data, accepts_storage_contracts, storage_capacity_gb,
		       is_online, last_heartbeat, last_seen
		FROM device_registry
		WHERE is_online = TRUE
		ORDER BY last_heartbeat DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (p *postgres) ListStorageProviders(ctx context.Context) ([]model.Device, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, owner_id, device_name, device_type, public_key,
		       serves_data, accepts_storage_contracts, storage_capacity_gb,
		       is_online, last_heartbeat, last_seen
		FROM device_registry
		WHERE accepts_storage_contracts = TRUE AND is_online = TRUE
		ORDER BY storage_capacity_gb DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (p *postgres) UpsertReplica(ctx context.Context, replica model.Replica) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO replicas (
		    source_device_id, path, version, checksum, encrypted_checksum,
		    size, encrypted_size, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_device_id) DO UPDATE SET
		    path = EXCLUDED.path,
		    version = EXCLUDED.version,
		    checksum = EXCLUDED.checksum,
		    encrypted_checksum = EXCLUDED.encrypted_checksum,
		    size = EXCLUDED.size,
		    encrypted_size = EXCLUDED.encrypted_size,
		    last_updated = EXCLUDED.last_updated
	`, replica.SourceDeviceID, replica.Path, replica.Version, replica.Checksum,
		replica.EncryptedChecksum, replica.Size, replica.EncryptedSize, replica.LastUpdated)
	return err
}

func (p *postgres) GetReplica(ctx context.Context, sourceDeviceID string) (*model.Replica, error) {
	row := p.db.QueryRow(ctx, `
		SELECT source_device_id, path, version, checksum, encrypted_checksum,
		       size, encrypted_size, last_updated
		FROM replicas WHERE source_device_id = $1
	`, sourceDeviceID)

	var r model.Replica
	err := row.Scan(&r.SourceDeviceID, &r.Path, &r.Version, &r.Checksum,
		&r.EncryptedChecksum, &r.Size, &r.EncryptedSize, &r.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (p *postgres) ListReplicas(ctx context.Context) ([]model.Replica, error) {
	rows, err := p.db.Query(ctx, `
		SELECT source_device_id, path, version, checksum, encrypted_checksum,
		       size, encrypted_size, last_updated
		FROM replicas
		ORDER BY source_device_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	replicas := make([]model.Replica, 0)
	for rows.Next() {
		var r model.Replica
		if err := rows.Scan(&r.SourceDeviceID, &r.Path, &r.Version, &r.Checksum,
			&r.EncryptedChecksum, &r.Size, &r.EncryptedSize, &r.LastUpdated); err != nil {
			return nil, err
		}
		replicas = append(replicas, r)
	}
	return replicas, rows.Err()
}

func (p *postgres) CreateContract(ctx context.Context, contract model.StorageContract) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO storage_contracts (
		    id, provider_device_id, status,
		    actual_storage_used_gb, total_data_transferred_gb, monthly_rate_vibe
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, contract.ID, contract.ProviderDeviceID, contract.Status,
		contract.ActualStorageUsedGB, contract.TotalDataTransferredGB, contract.MonthlyRateVibe)
	return err
}

func (p *postgres) GetActiveContract(ctx context.Context, providerDeviceID string) (*model.StorageContract, error) {
	row := p.db.QueryRow(ctx, `
		SELECT id, provider_device_id, status,
		       actual_storage_used_gb, total_data_transferred_gb, monthly_rate_vibe
		FROM storage_contracts
		WHERE provider_device_id = $1 AND status = 'active'
		LIMIT 1
	`, providerDeviceID)

	var c model.StorageContract
	err := row.Scan(&c.ID, &c.ProviderDeviceID, &c.Status,
		&c.ActualStorageUsedGB, &c.TotalDataTransferredGB, &c.MonthlyRateVibe)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// SetStorageUsedGB records storage usage. GREATEST keeps the counter
// monotonically non-decreasing within the contract's active lifetime.
func (p *postgres) SetStorageUsedGB(ctx context.Context, contractID string, usedGB float64) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE storage_contracts
		SET actual_storage_used_gb = GREATEST(actual_storage_used_gb, $2)
		WHERE id = $1
	`, contractID, usedGB)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) AddTransferredGB(ctx context.Context, contractID string, deltaGB float64) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE storage_contracts
		SET total_data_transferred_gb = total_data_transferred_gb + $2
		WHERE id = $1
	`, contractID, deltaGB)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(row pgx.Row) (*model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.Class, &d.PublicKey,
		&d.ServesData, &d.AcceptsStorageContracts, &d.StorageCapacityGB,
		&d.Online, &d.LastHeartbeat, &d.LastSeen)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDevices(rows pgx.Rows) ([]model.Device, error) {
	devices := make([]model.Device, 0)
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Name, &d.Class, &d.PublicKey,
			&d.ServesData, &d.AcceptsStorageContracts, &d.StorageCapacityGB,
			&d.Online, &d.LastHeartbeat, &d.LastSeen); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
