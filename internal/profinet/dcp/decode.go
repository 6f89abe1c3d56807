package dcp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
)

// maxNameOfStation is the longest NameOfStation DCP allows on the wire.
const maxNameOfStation = 240

// Device is the identity reported by one Identify response. It lives only
// for the discovery round that produced it.
type Device struct {
	Xid           uint32
	MAC           codec.MAC
	StationName   string
	TypeOfStation string
	VendorID      uint16
	DeviceID      uint16
	Role          uint8
	IP            netip.Addr
	Mask          netip.Addr
	Gateway       netip.Addr
	SeenAt        time.Time
}

// decodeResponse checks the DCP header of a response frame and returns it
// with a parser bounded to the declared block data.
func decodeResponse(f codec.Frame) (codec.DCPHeader, codec.Parser, error) {
	p := codec.NewParser(f.Payload)
	h, err := codec.ParseDCPHeader(&p)
	if err != nil {
		return h, codec.Parser{}, err
	}
	blocks, err := p.Sub(int(h.DataLength))
	if err != nil {
		return h, codec.Parser{}, err
	}
	return h, blocks, nil
}

// ParseIdentifyResponse decodes an Identify response. The frame must carry
// at least a NameOfStation block; anything unparsable is codec.ErrMalformed.
func ParseIdentifyResponse(f codec.Frame) (Device, error) {
	d := Device{MAC: f.Eth.Src}
	h, blocks, err := decodeResponse(f)
	if err != nil {
		return d, err
	}
	if h.ServiceID != codec.DCPServiceIdentify || h.ServiceType != codec.DCPTypeResponse {
		return d, fmt.Errorf("service %d/%d: %w", h.ServiceID, h.ServiceType, codec.ErrMalformed)
	}
	d.Xid = h.Xid

	haveName := false
	for blocks.Remaining() > 0 {
		blk, err := codec.ParseDCPBlock(&blocks)
		if err != nil {
			return d, err
		}
		_, value, err := codec.SplitBlockInfo(blk.Data)
		if err != nil {
			return d, err
		}
		switch {
		case blk.Option == codec.DCPOptionDeviceProperties && blk.Suboption == codec.DCPSubDevNameOfStation:
			if len(value) == 0 || len(value) > maxNameOfStation {
				return d, fmt.Errorf("name of station length %d: %w", len(value), codec.ErrMalformed)
			}
			d.StationName = string(value)
			haveName = true
		case blk.Option == codec.DCPOptionDeviceProperties && blk.Suboption == codec.DCPSubDevTypeOfStation:
			d.TypeOfStation = string(value)
		case blk.Option == codec.DCPOptionDeviceProperties && blk.Suboption == codec.DCPSubDevID:
			if len(value) != 4 {
				return d, fmt.Errorf("device id length %d: %w", len(value), codec.ErrMalformed)
			}
			d.VendorID = uint16(value[0])<<8 | uint16(value[1])
			d.DeviceID = uint16(value[2])<<8 | uint16(value[3])
		case blk.Option == codec.DCPOptionDeviceProperties && blk.Suboption == codec.DCPSubDevRole:
			if len(value) < 1 {
				return d, fmt.Errorf("device role: %w", codec.ErrMalformed)
			}
			d.Role = value[0]
		case blk.Option == codec.DCPOptionIP && blk.Suboption == codec.DCPSubIPParameter:
			if len(value) != 12 {
				return d, fmt.Errorf("ip parameter length %d: %w", len(value), codec.ErrMalformed)
			}
			// An all-zero address means the station has no IP yet.
			if ip := netip.AddrFrom4([4]byte(value[0:4])); !ip.IsUnspecified() {
				d.IP = ip
				d.Mask = netip.AddrFrom4([4]byte(value[4:8]))
				d.Gateway = netip.AddrFrom4([4]byte(value[8:12]))
			}
		}
	}
	if !haveName {
		return d, fmt.Errorf("no name of station: %w", codec.ErrMalformed)
	}
	return d, nil
}

// setResult interprets the blocks of a Set response. A Control/Response
// block with a non-zero error code means the device refused.
func setResult(h codec.DCPHeader, blocks codec.Parser) error {
	if h.ServiceType == codec.DCPTypeUnsupported {
		return fmt.Errorf("service unsupported: %w", ErrSetRejected)
	}
	for blocks.Remaining() > 0 {
		blk, err := codec.ParseDCPBlock(&blocks)
		if err != nil {
			return err
		}
		if blk.Option != codec.DCPOptionControl || blk.Suboption != codec.DCPSubControlResponse {
			continue
		}
		if len(blk.Data) < 3 {
			return fmt.Errorf("control response length %d: %w", len(blk.Data), codec.ErrMalformed)
		}
		if code := blk.Data[2]; code != 0 {
			return fmt.Errorf("option %d/%d error %d: %w", blk.Data[0], blk.Data[1], code, ErrSetRejected)
		}
	}
	return nil
}
