package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/dcp"
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/pkg/models"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// discoverTimeout bounds an on-demand discovery round.
const discoverTimeout = 10 * time.Second

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return false
	}
	return true
}

// respondDevice writes the current snapshot of name with status.
func (s *Server) respondDevice(w http.ResponseWriter, r *http.Request, status int, name string) {
	rtu, err := s.opts.Controller.Snapshot(name)
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, status, rtu)
}

func (s *Server) handleListRTUs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Controller.Devices())
}

func (s *Server) handleAddRTU(w http.ResponseWriter, r *http.Request) {
	var spec registry.DeviceSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	rtu, err := s.opts.Controller.AddDevice(r.Context(), spec)
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	s.logger.Info("device registered", zap.String("station", rtu.StationName))
	w.Header().Set("Location", "/api/v1/rtus/"+rtu.StationName)
	writeJSON(w, http.StatusCreated, rtu)
}

func (s *Server) handleGetRTU(w http.ResponseWriter, r *http.Request) {
	s.respondDevice(w, r, http.StatusOK, r.PathValue("name"))
}

func (s *Server) handleRemoveRTU(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.RemoveDevice(r.Context(), r.PathValue("name")); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.opts.Controller.Connect(r.Context(), name); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	s.respondDevice(w, r, http.StatusAccepted, name)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.opts.Controller.Disconnect(r.Context(), name); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	s.respondDevice(w, r, http.StatusOK, name)
}

type authorityRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleAuthority(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req authorityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var err error
	switch req.Action {
	case "request":
		err = s.opts.Controller.RequestAuthority(r.Context(), name)
	case "release":
		err = s.opts.Controller.ReleaseAuthority(r.Context(), name)
	default:
		BadRequest(w, fmt.Sprintf("action %q: want request or release", req.Action), r.URL.Path)
		return
	}
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	s.respondDevice(w, r, http.StatusOK, name)
}

type slotWrite struct {
	Command string  `json:"command"`
	Duty    uint8   `json:"duty"`
	Epoch   *uint32 `json:"epoch,omitempty"`
}

func (s *Server) handleWriteSlot(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil || slot < 0 {
		BadRequest(w, "slot must be a non-negative integer", r.URL.Path)
		return
	}
	var req slotWrite
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, ok := models.ParseCommand(req.Command)
	if !ok {
		BadRequest(w, fmt.Sprintf("command %q: want OFF, ON or PWM", req.Command), r.URL.Path)
		return
	}
	if req.Epoch != nil {
		err = s.opts.Controller.WriteActuatorEpoch(r.Context(), name, slot, cmd, req.Duty, *req.Epoch)
	} else {
		err = s.opts.Controller.WriteActuator(r.Context(), name, slot, cmd, req.Duty)
	}
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	s.respondDevice(w, r, http.StatusOK, name)
}

type recordBody struct {
	Index uint16 `json:"index"`
	Data  string `json:"data"`
}

func parseIndex(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	return uint16(v), err
}

func (s *Server) handleReadRecord(w http.ResponseWriter, r *http.Request) {
	index, err := parseIndex(r.PathValue("index"))
	if err != nil {
		BadRequest(w, "record index must be a 16-bit number", r.URL.Path)
		return
	}
	data, err := s.opts.Controller.ReadRecord(r.Context(), r.PathValue("name"), index)
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, recordBody{Index: index, Data: hex.EncodeToString(data)})
}

func (s *Server) handleWriteRecord(w http.ResponseWriter, r *http.Request) {
	index, err := parseIndex(r.PathValue("index"))
	if err != nil {
		BadRequest(w, "record index must be a 16-bit number", r.URL.Path)
		return
	}
	var req recordBody
	if !decodeBody(w, r, &req) {
		return
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		BadRequest(w, "data must be hex encoded", r.URL.Path)
		return
	}
	if err := s.opts.Controller.WriteRecord(r.Context(), r.PathValue("name"), index, data); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type discoveredDevice struct {
	MAC           string `json:"mac"`
	StationName   string `json:"station_name"`
	TypeOfStation string `json:"type_of_station,omitempty"`
	Manufacturer  string `json:"manufacturer,omitempty"`
	VendorID      uint16 `json:"vendor_id"`
	DeviceID      uint16 `json:"device_id"`
	IP            string `json:"ip_address,omitempty"`
	Mask          string `json:"subnet_mask,omitempty"`
	Gateway       string `json:"gateway,omitempty"`
}

func toDiscovered(d dcp.Device) discoveredDevice {
	out := discoveredDevice{
		MAC:           d.MAC.String(),
		StationName:   d.StationName,
		TypeOfStation: d.TypeOfStation,
		Manufacturer:  d.Manufacturer(),
		VendorID:      d.VendorID,
		DeviceID:      d.DeviceID,
	}
	if d.IP.IsValid() {
		out.IP = d.IP.String()
	}
	if d.Mask.IsValid() {
		out.Mask = d.Mask.String()
	}
	if d.Gateway.IsValid() {
		out.Gateway = d.Gateway.String()
	}
	return out
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), discoverTimeout)
	defer cancel()
	found := s.opts.Scanner.Scan(ctx)
	out := make([]discoveredDevice, 0, len(found))
	for _, d := range found {
		out = append(out, toDiscovered(d))
	}
	writeJSON(w, http.StatusOK, out)
}
