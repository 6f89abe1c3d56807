package dcp

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
)

// oui_data.txt maps the OUIs of common automation vendors to their
// registered names, one "AA:BB:CC<TAB>name" per line.
//
//go:embed oui_data.txt
var ouiRawData []byte

var (
	ouiOnce  sync.Once
	ouiTable map[string]string
)

// Manufacturer returns the registered owner of the MAC's OUI, or "" when
// the prefix is not in the table.
func Manufacturer(mac codec.MAC) string {
	ouiOnce.Do(loadOUI)
	return ouiTable[fmt.Sprintf("%02X:%02X:%02X", mac[0], mac[1], mac[2])]
}

// Manufacturer returns the registered owner of the device's MAC prefix.
func (d Device) Manufacturer() string { return Manufacturer(d.MAC) }

func loadOUI() {
	ouiTable = make(map[string]string, 16)
	scanner := bufio.NewScanner(bytes.NewReader(ouiRawData))
	for scanner.Scan() {
		prefix, vendor, ok := strings.Cut(scanner.Text(), "\t")
		if !ok {
			continue
		}
		prefix = strings.ToUpper(strings.TrimSpace(prefix))
		vendor = strings.TrimSpace(vendor)
		if prefix != "" && vendor != "" {
			ouiTable[prefix] = vendor
		}
	}
}
