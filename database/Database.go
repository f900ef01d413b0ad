package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go_service_manager/model"
)

const dbFileName = "servicemanager.db"

// Database is the durable state store backed by sqlite.
type Database struct {
	sql *sql.DB
}

// New opens (creating if needed) the database under workingDir and applies
// pending migrations.
func New(workingDir, migrationPath, mergedMigrationPath string) (*Database, error) {
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating working dir: %w", err)
	}

	dbPath := filepath.Join(workingDir, dbFileName)

	sqlDB, err := sql.Open("sqlite3",
		fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=%s&_sync=%s", dbPath, 60000, "WAL", "NORMAL"))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	db := &Database{sql: sqlDB}

	if err = db.migrate(migrationPath, mergedMigrationPath); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the underlying sqlite handle.
func (db *Database) Close() error {
	return db.sql.Close()
}

/***********************************************************************************************************************
 * Services
 **********************************************************************************************************************/

// AddService inserts a service record.
func (db *Database) AddService(service model.ServiceData) error {
	_, err := db.sql.Exec(
		`INSERT INTO services (serviceId, version, providerId, digest, path, size, gid, timestamp, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		service.ServiceID, service.Version, service.ProviderID, service.Digest, service.Path,
		service.Size, service.GID, service.Timestamp, service.State)
	if err != nil {
		return fmt.Errorf("error adding service: %w", err)
	}
	return nil
}

// GetService returns a service record by identity.
func (db *Database) GetService(serviceID, version string) (model.ServiceData, error) {
	row := db.sql.QueryRow(
		`SELECT serviceId, version, providerId, digest, path, size, gid, timestamp, state
		 FROM services WHERE serviceId = ? AND version = ?`, serviceID, version)

	return scanService(row)
}

// GetServiceByDigest returns a service record by its content digest.
func (db *Database) GetServiceByDigest(digest string) (model.ServiceData, error) {
	row := db.sql.QueryRow(
		`SELECT serviceId, version, providerId, digest, path, size, gid, timestamp, state
		 FROM services WHERE digest = ?`, digest)

	return scanService(row)
}

// GetAllServices returns every stored service record.
func (db *Database) GetAllServices() ([]model.ServiceData, error) {
	rows, err := db.sql.Query(
		`SELECT serviceId, version, providerId, digest, path, size, gid, timestamp, state FROM services`)
	if err != nil {
		return nil, fmt.Errorf("error getting services: %w", err)
	}
	defer rows.Close()

	var services []model.ServiceData

	for rows.Next() {
		service, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, service)
	}

	return services, rows.Err()
}

// SetServiceState updates state and timestamp of a service record.
func (db *Database) SetServiceState(digest, state string, timestamp time.Time) error {
	return db.execAffectingOne(
		`UPDATE services SET state = ?, timestamp = ? WHERE digest = ?`, state, timestamp, digest)
}

// RemoveService deletes a service record by digest.
func (db *Database) RemoveService(digest string) error {
	return db.execAffectingOne(`DELETE FROM services WHERE digest = ?`, digest)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanService(row rowScanner) (model.ServiceData, error) {
	var service model.ServiceData

	err := row.Scan(&service.ServiceID, &service.Version, &service.ProviderID, &service.Digest,
		&service.Path, &service.Size, &service.GID, &service.Timestamp, &service.State)
	if errors.Is(err, sql.ErrNoRows) {
		return service, model.NewError(model.ErrNotFound, "service not found")
	}
	if err != nil {
		return service, fmt.Errorf("error scanning service: %w", err)
	}

	return service, nil
}

/***********************************************************************************************************************
 * Layers
 **********************************************************************************************************************/

// AddLayer inserts a layer record.
func (db *Database) AddLayer(layer model.LayerData) error {
	_, err := db.sql.Exec(
		`INSERT INTO layers (digest, unpackedDigest, layerId, path, osVersion, version, size, timestamp, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		layer.Digest, layer.UnpackedDigest, layer.LayerID, layer.Path, layer.OSVersion,
		layer.Version, layer.Size, layer.Timestamp, layer.State)
	if err != nil {
		return fmt.Errorf("error adding layer: %w", err)
	}
	return nil
}

// GetLayer returns a layer record by digest.
func (db *Database) GetLayer(digest string) (model.LayerData, error) {
	row := db.sql.QueryRow(
		`SELECT digest, unpackedDigest, layerId, path, osVersion, version, size, timestamp, state
		 FROM layers WHERE digest = ?`, digest)

	return scanLayer(row)
}

// GetAllLayers returns every stored layer record.
func (db *Database) GetAllLayers() ([]model.LayerData, error) {
	rows, err := db.sql.Query(
		`SELECT digest, unpackedDigest, layerId, path, osVersion, version, size, timestamp, state FROM layers`)
	if err != nil {
		return nil, fmt.Errorf("error getting layers: %w", err)
	}
	defer rows.Close()

	var layers []model.LayerData

	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}

	return layers, rows.Err()
}

// SetLayerState updates state and timestamp of a layer record.
func (db *Database) SetLayerState(digest, state string, timestamp time.Time) error {
	return db.execAffectingOne(
		`UPDATE layers SET state = ?, timestamp = ? WHERE digest = ?`, state, timestamp, digest)
}

// RemoveLayer deletes a layer record by digest.
func (db *Database) RemoveLayer(digest string) error {
	return db.execAffectingOne(`DELETE FROM layers WHERE digest = ?`, digest)
}

func scanLayer(row rowScanner) (model.LayerData, error) {
	var layer model.LayerData

	err := row.Scan(&layer.Digest, &layer.UnpackedDigest, &layer.LayerID, &layer.Path,
		&layer.OSVersion, &layer.Version, &layer.Size, &layer.Timestamp, &layer.State)
	if errors.Is(err, sql.ErrNoRows) {
		return layer, model.NewError(model.ErrNotFound, "layer not found")
	}
	if err != nil {
		return layer, fmt.Errorf("error scanning layer: %w", err)
	}

	return layer, nil
}

/***********************************************************************************************************************
 * Instances
 **********************************************************************************************************************/

// AddInstance inserts or replaces a desired instance record.
func (db *Database) AddInstance(instance model.InstanceInfo, serviceVersion string) error {
	networkParams, err := json.Marshal(instance.NetworkParams)
	if err != nil {
		return fmt.Errorf("error marshalling network params: %w", err)
	}

	_, err = db.sql.Exec(
		`INSERT OR REPLACE INTO instances
		 (serviceId, subjectId, instance, uid, priority, storagePath, statePath, networkParams,
		  runState, exitCode, serviceVersion)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ServiceID, instance.SubjectID, instance.Instance, instance.UID, instance.Priority,
		instance.StoragePath, instance.StatePath, string(networkParams),
		model.InstanceStateStopped, 0, serviceVersion)
	if err != nil {
		return fmt.Errorf("error adding instance: %w", err)
	}
	return nil
}

// UpdateInstanceState stores the last observed run state of an instance.
func (db *Database) UpdateInstanceState(ident model.InstanceIdent, runState string, exitCode int) error {
	return db.execAffectingOne(
		`UPDATE instances SET runState = ?, exitCode = ? WHERE serviceId = ? AND subjectId = ? AND instance = ?`,
		runState, exitCode, ident.ServiceID, ident.SubjectID, ident.Instance)
}

// RemoveInstance deletes a desired instance record.
func (db *Database) RemoveInstance(ident model.InstanceIdent) error {
	return db.execAffectingOne(
		`DELETE FROM instances WHERE serviceId = ? AND subjectId = ? AND instance = ?`,
		ident.ServiceID, ident.SubjectID, ident.Instance)
}

// GetAllInstances returns every desired instance record.
func (db *Database) GetAllInstances() ([]model.InstanceInfo, error) {
	rows, err := db.sql.Query(
		`SELECT serviceId, subjectId, instance, uid, priority, storagePath, statePath, networkParams
		 FROM instances`)
	if err != nil {
		return nil, fmt.Errorf("error getting instances: %w", err)
	}
	defer rows.Close()

	var instances []model.InstanceInfo

	for rows.Next() {
		var instance model.InstanceInfo
		var networkParams string

		if err = rows.Scan(&instance.ServiceID, &instance.SubjectID, &instance.Instance,
			&instance.UID, &instance.Priority, &instance.StoragePath, &instance.StatePath,
			&networkParams); err != nil {
			return nil, fmt.Errorf("error scanning instance: %w", err)
		}

		if err = json.Unmarshal([]byte(networkParams), &instance.NetworkParams); err != nil {
			return nil, fmt.Errorf("error unmarshalling network params: %w", err)
		}

		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

/***********************************************************************************************************************
 * Network leases
 **********************************************************************************************************************/

// AddNetworkLease persists an address assignment.
func (db *Database) AddNetworkLease(lease model.NetworkLease) error {
	_, err := db.sql.Exec(
		`INSERT OR REPLACE INTO network_leases (networkId, instanceId, ip, vlanId) VALUES (?, ?, ?, ?)`,
		lease.NetworkID, lease.InstanceID, lease.IP, lease.VlanID)
	if err != nil {
		return fmt.Errorf("error adding network lease: %w", err)
	}
	return nil
}

// RemoveNetworkLease drops an address assignment.
func (db *Database) RemoveNetworkLease(networkID, instanceID string) error {
	_, err := db.sql.Exec(
		`DELETE FROM network_leases WHERE networkId = ? AND instanceId = ?`, networkID, instanceID)
	if err != nil {
		return fmt.Errorf("error removing network lease: %w", err)
	}
	return nil
}

// GetNetworkLeases returns all persisted address assignments.
func (db *Database) GetNetworkLeases() ([]model.NetworkLease, error) {
	rows, err := db.sql.Query(`SELECT networkId, instanceId, ip, vlanId FROM network_leases`)
	if err != nil {
		return nil, fmt.Errorf("error getting network leases: %w", err)
	}
	defer rows.Close()

	var leases []model.NetworkLease

	for rows.Next() {
		var lease model.NetworkLease

		if err = rows.Scan(&lease.NetworkID, &lease.InstanceID, &lease.IP, &lease.VlanID); err != nil {
			return nil, fmt.Errorf("error scanning network lease: %w", err)
		}

		leases = append(leases, lease)
	}

	return leases, rows.Err()
}

/***********************************************************************************************************************
 * Traffic counters
 **********************************************************************************************************************/

// SetTrafficMonitorData persists the last read counter value of a chain.
func (db *Database) SetTrafficMonitorData(chain string, timestamp time.Time, value uint64) error {
	_, err := db.sql.Exec(
		`INSERT OR REPLACE INTO traffic_counters (chain, time, value) VALUES (?, ?, ?)`,
		chain, timestamp, value)
	if err != nil {
		return fmt.Errorf("error setting traffic data: %w", err)
	}
	return nil
}

// GetTrafficMonitorData returns the persisted counter value of a chain.
func (db *Database) GetTrafficMonitorData(chain string) (time.Time, uint64, error) {
	var timestamp time.Time
	var value uint64

	err := db.sql.QueryRow(`SELECT time, value FROM traffic_counters WHERE chain = ?`, chain).
		Scan(&timestamp, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return timestamp, 0, model.NewError(model.ErrNotFound, "traffic data not found")
	}
	if err != nil {
		return timestamp, 0, fmt.Errorf("error getting traffic data: %w", err)
	}

	return timestamp, value, nil
}

// RemoveTrafficMonitorData drops the persisted counter of a chain.
func (db *Database) RemoveTrafficMonitorData(chain string) error {
	_, err := db.sql.Exec(`DELETE FROM traffic_counters WHERE chain = ?`, chain)
	if err != nil {
		return fmt.Errorf("error removing traffic data: %w", err)
	}
	return nil
}

/***********************************************************************************************************************
 * Journal cursor
 **********************************************************************************************************************/

// SetJournalCursor persists the journal cursor.
func (db *Database) SetJournalCursor(cursor string) error {
	_, err := db.sql.Exec(`UPDATE journal_cursor SET cursor = ? WHERE id = 0`, cursor)
	if err != nil {
		return fmt.Errorf("error setting journal cursor: %w", err)
	}
	return nil
}

// GetJournalCursor returns the persisted journal cursor.
func (db *Database) GetJournalCursor() (string, error) {
	var cursor string

	if err := db.sql.QueryRow(`SELECT cursor FROM journal_cursor WHERE id = 0`).Scan(&cursor); err != nil {
		return "", fmt.Errorf("error getting journal cursor: %w", err)
	}

	return cursor, nil
}

/***********************************************************************************************************************
 * Env var overrides
 **********************************************************************************************************************/

// SetOverrideEnvVars persists the current env var override set.
func (db *Database) SetOverrideEnvVars(envVars []model.EnvVarsInstanceInfo) error {
	data, err := json.Marshal(envVars)
	if err != nil {
		return fmt.Errorf("error marshalling env vars: %w", err)
	}

	if _, err = db.sql.Exec(`UPDATE env_var_overrides SET overrides = ? WHERE id = 0`, string(data)); err != nil {
		return fmt.Errorf("error setting env vars: %w", err)
	}

	return nil
}

// GetOverrideEnvVars returns the persisted env var override set.
func (db *Database) GetOverrideEnvVars() ([]model.EnvVarsInstanceInfo, error) {
	var data string

	if err := db.sql.QueryRow(`SELECT overrides FROM env_var_overrides WHERE id = 0`).Scan(&data); err != nil {
		return nil, fmt.Errorf("error getting env vars: %w", err)
	}

	var envVars []model.EnvVarsInstanceInfo

	if err := json.Unmarshal([]byte(data), &envVars); err != nil {
		return nil, fmt.Errorf("error unmarshalling env vars: %w", err)
	}

	return envVars, nil
}

func (db *Database) execAffectingOne(query string, args ...interface{}) error {
	result, err := db.sql.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("error executing statement: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}

	if count == 0 {
		return model.NewError(model.ErrNotFound, "record not found")
	}

	return nil
}
