package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// inventoryFile is the on-disk shape of an RTU inventory:
//
//	rtus:
//	  - station_name: water-rtu-01
//	    ip_address: 192.168.1.50
//	    slots: [dap, sensor, sensor, actuator]
type inventoryFile struct {
	RTUs []DeviceSpec `yaml:"rtus"`
}

// LoadInventory reads and validates the inventory at path.
func LoadInventory(path string) ([]DeviceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	specs, err := ParseInventory(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return specs, nil
}

// ParseInventory decodes an inventory document. Unknown keys, invalid
// entries and duplicate station names are errors.
func ParseInventory(data []byte) ([]DeviceSpec, error) {
	var f inventoryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	seen := make(map[string]bool, len(f.RTUs))
	for i := range f.RTUs {
		if err := f.RTUs[i].Normalize(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		name := f.RTUs[i].StationName
		if seen[name] {
			return nil, fmt.Errorf("entry %d: %s: %w", i, name, ErrAlreadyExists)
		}
		seen[name] = true
	}
	return f.RTUs, nil
}

// Seed registers every spec not already present and returns how many were
// added.
func (r *Registry) Seed(ctx context.Context, specs []DeviceSpec) (int, error) {
	added := 0
	for _, spec := range specs {
		_, err := r.Add(ctx, spec)
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrAlreadyExists):
		default:
			return added, err
		}
	}
	return added, nil
}
