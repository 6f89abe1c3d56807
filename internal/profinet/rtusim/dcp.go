package rtusim

import (
	"net/netip"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"go.uber.org/zap"
)

// DCP Control/Response error codes.
const (
	dcpOK                   uint8 = 0x00
	dcpOptionUnsupported    uint8 = 0x01
	dcpSuboptionUnsupported uint8 = 0x02
	dcpSetNotPossible       uint8 = 0x05
)

func (d *Device) handleDCP(f codec.Frame) {
	d.mu.Lock()
	ignore := d.faults.IgnoreDCP
	d.mu.Unlock()
	if ignore {
		return
	}
	p := codec.NewParser(f.Payload)
	h, err := codec.ParseDCPHeader(&p)
	if err != nil || h.ServiceType != codec.DCPTypeRequest {
		return
	}
	blocks, err := p.Sub(int(h.DataLength))
	if err != nil {
		return
	}
	switch {
	case f.FrameID == codec.FrameIDDCPIdentify && h.ServiceID == codec.DCPServiceIdentify:
		d.identify(f, h, blocks)
	case f.FrameID == codec.FrameIDDCPGetSet && h.ServiceID == codec.DCPServiceSet && f.Eth.Dst == d.MAC():
		d.set(f, h, blocks)
	}
}

// identify answers Identify-All and a matching NameOfStation filter.
func (d *Device) identify(f codec.Frame, h codec.DCPHeader, blocks codec.Parser) {
	d.mu.Lock()
	name, ip, mask, gw := d.name, d.ip, d.mask, d.gateway
	d.mu.Unlock()

	match := false
	for blocks.Remaining() > 0 {
		blk, err := codec.ParseDCPBlock(&blocks)
		if err != nil {
			return
		}
		switch {
		case blk.Option == codec.DCPOptionAll && blk.Suboption == codec.DCPSubAll:
			match = true
		case blk.Option == codec.DCPOptionDeviceProperties && blk.Suboption == codec.DCPSubDevNameOfStation:
			if string(blk.Data) != name {
				return
			}
			match = true
		default:
			return
		}
	}
	if !match {
		return
	}

	b := codec.NewBuilder(make([]byte, codec.MaxFrameLen))
	if err := codec.StartFrame(&b, f.Eth.Src, d.MAC(), codec.FrameIDDCPIdentResp); err != nil {
		return
	}
	w, err := codec.StartDCP(&b, codec.DCPHeader{
		ServiceID:   codec.DCPServiceIdentify,
		ServiceType: codec.DCPTypeResponse,
		Xid:         h.Xid,
	})
	if err != nil {
		return
	}
	devID := []byte{0, 0, byte(d.cfg.VendorID >> 8), byte(d.cfg.VendorID), byte(d.cfg.DeviceID >> 8), byte(d.cfg.DeviceID)}
	err = firstErr(
		codec.PutDCPBlock(&b, codec.DCPOptionDeviceProperties, codec.DCPSubDevNameOfStation, withInfo([]byte(name))),
		codec.PutDCPBlock(&b, codec.DCPOptionDeviceProperties, codec.DCPSubDevTypeOfStation, withInfo([]byte(d.cfg.TypeOfStation))),
		codec.PutDCPBlock(&b, codec.DCPOptionDeviceProperties, codec.DCPSubDevID, devID),
		codec.PutDCPBlock(&b, codec.DCPOptionDeviceProperties, codec.DCPSubDevRole, []byte{0, 0, 0x01, 0x00}),
		codec.PutDCPBlock(&b, codec.DCPOptionIP, codec.DCPSubIPParameter, withInfo(ipParameter(ip, mask, gw))),
		w.Finish(),
		codec.FinishFrame(&b),
	)
	if err != nil {
		d.logger.Warn("identify response not built", zap.Error(err))
		return
	}
	d.send(b.Bytes())
}

// set applies the blocks of a Set request and answers with one
// Control/Response block per request block.
func (d *Device) set(f codec.Frame, h codec.DCPHeader, blocks codec.Parser) {
	type result struct{ option, suboption, code uint8 }
	var results []result

	for blocks.Remaining() > 0 {
		blk, err := codec.ParseDCPBlock(&blocks)
		if err != nil {
			return
		}
		_, value, err := codec.SplitBlockInfo(blk.Data)
		if err != nil {
			results = append(results, result{blk.Option, blk.Suboption, dcpSetNotPossible})
			continue
		}
		results = append(results, result{blk.Option, blk.Suboption, d.apply(blk.Option, blk.Suboption, value)})
	}

	b := codec.NewBuilder(make([]byte, codec.MaxFrameLen))
	if err := codec.StartFrame(&b, f.Eth.Src, d.MAC(), codec.FrameIDDCPGetSet); err != nil {
		return
	}
	w, err := codec.StartDCP(&b, codec.DCPHeader{
		ServiceID:   codec.DCPServiceSet,
		ServiceType: codec.DCPTypeResponse,
		Xid:         h.Xid,
	})
	if err != nil {
		return
	}
	for _, r := range results {
		if err := codec.PutDCPBlock(&b, codec.DCPOptionControl, codec.DCPSubControlResponse, []byte{r.option, r.suboption, r.code}); err != nil {
			return
		}
	}
	if firstErr(w.Finish(), codec.FinishFrame(&b)) != nil {
		return
	}
	d.send(b.Bytes())
}

func (d *Device) apply(option, suboption uint8, value []byte) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case option == codec.DCPOptionDeviceProperties && suboption == codec.DCPSubDevNameOfStation:
		if len(value) == 0 || len(value) > codec.MaxStationNameLen {
			return dcpSetNotPossible
		}
		if d.ar != nil {
			return dcpSetNotPossible
		}
		d.name = string(value)
		d.logger.Info("station name set", zap.String("name", d.name))
		return dcpOK
	case option == codec.DCPOptionIP && suboption == codec.DCPSubIPParameter:
		if len(value) != 12 || d.ar != nil {
			return dcpSetNotPossible
		}
		d.ip = netip.AddrFrom4([4]byte(value[0:4]))
		d.mask = netip.AddrFrom4([4]byte(value[4:8]))
		d.gateway = netip.AddrFrom4([4]byte(value[8:12]))
		return dcpOK
	case option == codec.DCPOptionControl && suboption == codec.DCPSubControlSignal:
		d.signals++
		return dcpOK
	case option == codec.DCPOptionControl && (suboption == codec.DCPSubControlStart || suboption == codec.DCPSubControlStop):
		return dcpOK
	case option == codec.DCPOptionControl:
		return dcpSuboptionUnsupported
	default:
		return dcpOptionUnsupported
	}
}

func withInfo(value []byte) []byte {
	return append([]byte{0, 0}, value...)
}

func ipParameter(ip, mask, gw netip.Addr) []byte {
	out := make([]byte, 0, 12)
	for _, a := range []netip.Addr{ip, mask, gw} {
		if a.Is4() {
			b := a.As4()
			out = append(out, b[:]...)
		} else {
			out = append(out, 0, 0, 0, 0)
		}
	}
	return out
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
