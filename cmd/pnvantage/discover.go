package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/HerbHall/pnvantage/internal/metrics"
	"github.com/HerbHall/pnvantage/internal/profinet/dcp"
	"github.com/HerbHall/pnvantage/internal/transport"
	"github.com/spf13/cobra"
)

var (
	discoverIface  string
	discoverWindow time.Duration
	discoverName   string
	discoverJSON   bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run one DCP Identify round and print the stations that answer",
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

func init() {
	f := discoverCmd.Flags()
	f.StringVarP(&discoverIface, "interface", "i", "", "network interface (default profinet.interface)")
	f.DurationVar(&discoverWindow, "window", dcp.DefaultWindow, "how long to collect responses")
	f.StringVar(&discoverName, "name", "", "only ask for this station name")
	f.BoolVar(&discoverJSON, "json", false, "print JSON instead of a table")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	iface, err := interfaceName(discoverIface, cfg)
	if err != nil {
		return err
	}
	link, err := transport.OpenRaw(iface)
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	m := metrics.New(nil)
	mux := transport.NewMux(link, logger, m)
	go func() { _ = mux.Run(ctx) }()

	client := dcp.NewClient(mux, logger, m, dcp.WithWindow(discoverWindow))
	var devices []dcp.Device
	if discoverName != "" {
		d, err := client.DiscoverByName(ctx, discoverName)
		if err != nil {
			return err
		}
		devices = []dcp.Device{d}
	} else if devices, err = client.DiscoverAll(ctx); err != nil {
		return err
	}

	if discoverJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}
	return printDevices(devices)
}

func printDevices(devices []dcp.Device) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tMAC\tIP\tVENDOR\tDEVICE\tTYPE\tMANUFACTURER")
	for _, d := range devices {
		ip := "-"
		if d.IP.IsValid() {
			ip = d.IP.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%#04x\t%#04x\t%s\t%s\n",
			d.StationName, d.MAC, ip, d.VendorID, d.DeviceID, d.TypeOfStation, d.Manufacturer())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d station(s) found\n", len(devices))
	return nil
}
