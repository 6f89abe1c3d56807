package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/internal/store"
	"github.com/HerbHall/pnvantage/pkg/models"
)

// StoredDevice is the persisted part of a record.
type StoredDevice struct {
	Spec      DeviceSpec
	MAC       codec.MAC
	LastSeen  time.Time
	CreatedAt time.Time
}

// Store persists registrations.
type Store interface {
	SaveDevice(ctx context.Context, d StoredDevice) error
	DeleteDevice(ctx context.Context, name string) error
	LoadDevices(ctx context.Context) ([]StoredDevice, error)
}

// SQLStore keeps registrations in the shared SQLite database.
type SQLStore struct {
	db *store.SQLiteStore
}

var _ Store = (*SQLStore)(nil)

func migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create rtus table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE rtus (
						station_name TEXT PRIMARY KEY,
						ip_address   TEXT NOT NULL DEFAULT '',
						mac_address  TEXT NOT NULL DEFAULT '',
						vendor_id    INTEGER NOT NULL DEFAULT 0,
						device_id    INTEGER NOT NULL DEFAULT 0,
						slots        TEXT NOT NULL,
						last_seen    DATETIME,
						created_at   DATETIME NOT NULL
					)
				`)
				return err
			},
		},
	}
}

// NewSQLStore migrates the registry schema and returns a store.
func NewSQLStore(ctx context.Context, db *store.SQLiteStore) (*SQLStore, error) {
	if err := db.Migrate(ctx, "registry", migrations()); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// SaveDevice inserts or replaces a device.
func (s *SQLStore) SaveDevice(ctx context.Context, d StoredDevice) error {
	slots, err := json.Marshal(d.Spec.Slots)
	if err != nil {
		return fmt.Errorf("encode slots: %w", err)
	}
	mac := ""
	if !d.MAC.IsZero() {
		mac = d.MAC.String()
	}
	var lastSeen sql.NullTime
	if !d.LastSeen.IsZero() {
		lastSeen = sql.NullTime{Time: d.LastSeen.UTC(), Valid: true}
	}
	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO rtus (station_name, ip_address, mac_address, vendor_id, device_id, slots, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_name) DO UPDATE SET
			ip_address = excluded.ip_address,
			mac_address = excluded.mac_address,
			vendor_id = excluded.vendor_id,
			device_id = excluded.device_id,
			slots = excluded.slots,
			last_seen = excluded.last_seen`,
		d.Spec.StationName, d.Spec.IPAddress, mac, d.Spec.VendorID, d.Spec.DeviceID,
		string(slots), lastSeen, d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save rtu %s: %w", d.Spec.StationName, err)
	}
	return nil
}

// DeleteDevice removes a device. Deleting an unknown name is not an error.
func (s *SQLStore) DeleteDevice(ctx context.Context, name string) error {
	if _, err := s.db.DB().ExecContext(ctx, "DELETE FROM rtus WHERE station_name = ?", name); err != nil {
		return fmt.Errorf("delete rtu %s: %w", name, err)
	}
	return nil
}

// LoadDevices returns every stored device.
func (s *SQLStore) LoadDevices(ctx context.Context) ([]StoredDevice, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT station_name, ip_address, mac_address, vendor_id, device_id, slots, last_seen, created_at
		FROM rtus ORDER BY station_name`)
	if err != nil {
		return nil, fmt.Errorf("query rtus: %w", err)
	}
	defer rows.Close()

	var out []StoredDevice
	for rows.Next() {
		var (
			d        StoredDevice
			mac      string
			slots    string
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&d.Spec.StationName, &d.Spec.IPAddress, &mac, &d.Spec.VendorID,
			&d.Spec.DeviceID, &slots, &lastSeen, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rtu: %w", err)
		}
		var types []models.SlotType
		if err := json.Unmarshal([]byte(slots), &types); err != nil {
			return nil, fmt.Errorf("decode slots of %s: %w", d.Spec.StationName, err)
		}
		d.Spec.Slots = types
		d.Spec.SlotCount = len(types)
		if mac != "" {
			if d.MAC, err = codec.ParseMAC(mac); err != nil {
				return nil, fmt.Errorf("decode mac of %s: %w", d.Spec.StationName, err)
			}
		}
		if lastSeen.Valid {
			d.LastSeen = lastSeen.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
