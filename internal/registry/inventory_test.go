package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/internal/testutil"
	"github.com/HerbHall/pnvantage/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inventoryDoc = `
rtus:
  - station_name: water-rtu-01
    ip_address: 192.168.1.50
    slots: [dap, sensor, sensor, actuator]
  - station_name: pump-02
    slot_count: 3
`

func TestParseInventory(t *testing.T) {
	specs, err := registry.ParseInventory([]byte(inventoryDoc))
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, 4, specs[0].SlotCount)
	assert.Equal(t, models.SlotActuator, specs[0].Slots[3])
	assert.Equal(t, []models.SlotType{models.SlotDAP, models.SlotSensor, models.SlotSensor}, specs[1].Slots)
}

func TestParseInventory_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "rtus:\n  - station_name: a\n    slot_count: 2\n    colour: red\n"},
		{"bad slot type", "rtus:\n  - station_name: a\n    slots: [dap, valve]\n"},
		{"invalid name", "rtus:\n  - station_name: Not_Valid\n    slot_count: 2\n"},
		{"duplicate", "rtus:\n  - station_name: a\n    slot_count: 2\n  - station_name: a\n    slot_count: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := registry.ParseInventory([]byte(tt.doc)); err == nil {
				t.Errorf("ParseInventory(%q) = nil error", tt.doc)
			}
		})
	}
}

func TestParseInventory_Empty(t *testing.T) {
	specs, err := registry.ParseInventory(nil)
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestLoadInventoryAndSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inventoryDoc), 0o600))

	specs, err := registry.LoadInventory(path)
	require.NoError(t, err)

	ctx := context.Background()
	reg := registry.New(testutil.Logger())
	_, err = reg.Add(ctx, testutil.NewDeviceSpec())
	require.NoError(t, err)

	added, err := reg.Seed(ctx, specs)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, reg.Len())
}

func TestLoadInventory_Missing(t *testing.T) {
	_, err := registry.LoadInventory(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
