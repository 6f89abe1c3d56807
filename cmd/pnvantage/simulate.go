package main

import (
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"

	"github.com/HerbHall/pnvantage/internal/profinet/rtusim"
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/internal/transport"
	"github.com/HerbHall/pnvantage/pkg/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	simIface    string
	simName     string
	simIP       string
	simMask     string
	simGateway  string
	simVendorID uint16
	simDeviceID uint16
	simSlots    []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated RTU on a network interface",
	Long: `simulate answers DCP, accepts one AR and produces cyclic sensor input.
Slot 0 is always the DAP; --slots lists the remaining slots in order.`,
	Example: `  pnvantage simulate --interface veth1 --name water-rtu-01 --slots sensor,sensor,actuator`,
	Args:    cobra.NoArgs,
	RunE:    runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVarP(&simIface, "interface", "i", "", "network interface (default profinet.interface)")
	f.StringVar(&simName, "name", "water-rtu-01", "NameOfStation to answer to")
	f.StringVar(&simIP, "ip", "", "initial IP address")
	f.StringVar(&simMask, "mask", "255.255.255.0", "subnet mask")
	f.StringVar(&simGateway, "gateway", "", "default gateway")
	f.Uint16Var(&simVendorID, "vendor-id", 0x012a, "vendor id")
	f.Uint16Var(&simDeviceID, "device-id", 0x0007, "device id")
	f.StringSliceVar(&simSlots, "slots", []string{"sensor", "sensor", "actuator"}, "slot types after the DAP")
}

// simConfig builds the device description from the command flags.
func simConfig() (rtusim.Config, error) {
	if err := registry.ValidateStationName(simName); err != nil {
		return rtusim.Config{}, err
	}
	cfg := rtusim.Config{
		StationName: simName,
		VendorID:    simVendorID,
		DeviceID:    simDeviceID,
		Slots:       []models.SlotType{models.SlotDAP},
	}
	for _, s := range simSlots {
		var t models.SlotType
		if err := t.UnmarshalText([]byte(s)); err != nil {
			return cfg, err
		}
		if t == models.SlotDAP {
			return cfg, fmt.Errorf("slot %q: only slot 0 is the DAP", s)
		}
		cfg.Slots = append(cfg.Slots, t)
	}
	for _, a := range []struct {
		flag string
		in   string
		out  *netip.Addr
	}{
		{"ip", simIP, &cfg.IP},
		{"mask", simMask, &cfg.Mask},
		{"gateway", simGateway, &cfg.Gateway},
	} {
		if a.in == "" {
			continue
		}
		addr, err := netip.ParseAddr(a.in)
		if err != nil {
			return cfg, fmt.Errorf("--%s: %w", a.flag, err)
		}
		*a.out = addr
	}
	return cfg, nil
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	simCfg, err := simConfig()
	if err != nil {
		return err
	}
	iface, err := interfaceName(simIface, cfg)
	if err != nil {
		return err
	}
	link, err := transport.OpenRaw(iface)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev := rtusim.New(link, simCfg, logger)
	logger.Info("opened link", zap.String("interface", iface))
	go func() {
		<-ctx.Done()
		_ = link.Close()
	}()
	if err := dev.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("simulated RTU stopped")
	return nil
}
