// Package publish turns device values into published messages:
// capability table, poll sweep, MQTT and log sinks, durable spool.
package publish

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/internal/asiair"
	"github.com/temoto/asiair-mqtt/internal/wire"
)

type Kind string

const (
	KindSensor  Kind = "sensor"
	KindBinary  Kind = "binary"
	KindSwitch  Kind = "switch"
	KindClimate Kind = "climate"
	KindTracker Kind = "tracker"
	KindCamera  Kind = "camera"
)

type FetchFunc func(ctx context.Context) (interface{}, error)

// CommandFunc applies payload and returns value to publish back.
type CommandFunc func(ctx context.Context, payload []byte) (interface{}, error)

// Capability is one publishable value.
type Capability struct {
	ID      string
	Kind    Kind
	Fetch   FetchFunc
	Command CommandFunc // nil for read only values
}

// Device is device call surface used by capabilities, implemented by *asiair.Client.
type Device interface {
	GetControlValue(ctx context.Context, name string) (float64, error)
	SetControlValue(ctx context.Context, name string, value interface{}) error
	PowerSupply(ctx context.Context) (wire.PowerSupply, error)
	StationState(ctx context.Context) (wire.StationState, error)
	AppState(ctx context.Context) (wire.AppState, error)
	SequenceSetting(ctx context.Context) (wire.SequenceSetting, error)
	CameraState(ctx context.Context) (wire.CameraState, error)
	FocuserPosition(ctx context.Context) (int, error)
	CurrentFilter(ctx context.Context) (string, bool, error)
	HorizCoord(ctx context.Context) (wire.Pair, error)
	RaDec(ctx context.Context) (wire.Pair, error)
	PierSide(ctx context.Context) (string, error)
	TrackMode(ctx context.Context) (wire.TrackMode, error)
	TrackState(ctx context.Context) (bool, error)
	SetTrackState(ctx context.Context, on bool) error
	Location(ctx context.Context) (wire.Location, error)
	IsMoving(ctx context.Context) (string, error)
}

// Cooling is climate value of camera sensor cooler.
type Cooling struct {
	Current *float64 `json:"current"` // nil until first Temperature event
	Target  float64  `json:"target"`
	Mode    string   `json:"mode"`   // off, cool
	Action  string   `json:"action"` // off, cooling
}

// CoolingCommand fields are optional, only present ones are applied.
type CoolingCommand struct {
	Target *float64 `json:"target"`
	Mode   *string  `json:"mode"`
}

// Capabilities builds declarative table of every value published for ASIAIR.
func Capabilities(d Device, facts *asiair.Facts) []Capability {
	station := func(get func(wire.StationState) interface{}) FetchFunc {
		return func(ctx context.Context) (interface{}, error) {
			st, err := d.StationState(ctx)
			if err != nil {
				return nil, err
			}
			return get(st), nil
		}
	}
	power := func(get func(wire.PowerSupply) float64) FetchFunc {
		return func(ctx context.Context) (interface{}, error) {
			ps, err := d.PowerSupply(ctx)
			if err != nil {
				return nil, err
			}
			return get(ps), nil
		}
	}
	pair := func(get func(context.Context) (wire.Pair, error), i int) FetchFunc {
		return func(ctx context.Context) (interface{}, error) {
			p, err := get(ctx)
			if err != nil {
				return nil, err
			}
			return p[i], nil
		}
	}
	control := func(name string, scale float64) FetchFunc {
		return func(ctx context.Context) (interface{}, error) {
			v, err := d.GetControlValue(ctx, name)
			return v * scale, err
		}
	}
	fetchCooling := func(ctx context.Context) (interface{}, error) {
		return coolingValue(ctx, d, facts)
	}
	fetchDewHeater := func(ctx context.Context) (interface{}, error) {
		v, err := d.GetControlValue(ctx, asiair.ControlDewHeater)
		return v != 0, err
	}
	fetchTracking := func(ctx context.Context) (interface{}, error) { return d.TrackState(ctx) }

	return []Capability{
		{ID: asiair.IDPiTarget, Kind: KindSensor, Fetch: func(ctx context.Context) (interface{}, error) {
			s, err := d.SequenceSetting(ctx)
			return s.GroupName, err
		}},
		{ID: asiair.IDPiPage, Kind: KindSensor, Fetch: func(ctx context.Context) (interface{}, error) {
			s, err := d.AppState(ctx)
			return s.Page, err
		}},
		{ID: asiair.IDPiWifiSignal, Kind: KindSensor, Fetch: station(func(s wire.StationState) interface{} { return s.SignalLevel })},
		{ID: asiair.IDPiWifiFreq, Kind: KindSensor, Fetch: station(func(s wire.StationState) interface{} { return s.Freq })},
		{ID: asiair.IDPiWifiSSID, Kind: KindSensor, Fetch: station(func(s wire.StationState) interface{} { return s.SSID })},
		{ID: asiair.IDPiWifiIP, Kind: KindSensor, Fetch: station(func(s wire.StationState) interface{} { return s.IP })},
		{ID: asiair.IDPiWifiGateway, Kind: KindSensor, Fetch: station(func(s wire.StationState) interface{} { return s.Gateway })},
		{ID: asiair.IDPiWifiNetmask, Kind: KindSensor, Fetch: station(func(s wire.StationState) interface{} { return s.Netmask })},
		{ID: asiair.IDPiCPUID, Kind: KindSensor, Fetch: func(context.Context) (interface{}, error) {
			info, ok := facts.PiInfo()
			if !ok {
				return nil, nil
			}
			return info.CPUID, nil
		}},
		{ID: asiair.IDPiCPUTemp, Kind: KindSensor, Fetch: func(context.Context) (interface{}, error) {
			if t, ok := facts.CPUTemp(); ok {
				return t, nil
			}
			return nil, nil
		}},
		{ID: asiair.IDPiInputVoltage, Kind: KindSensor, Fetch: power(wire.PowerSupply.InputVoltage)},
		{ID: asiair.IDPiInputCurrent, Kind: KindSensor, Fetch: power(wire.PowerSupply.InputCurrent)},
		{ID: asiair.IDPiInputPower, Kind: KindSensor, Fetch: power(wire.PowerSupply.InputPower)},

		{ID: asiair.IDScopeAltitude, Kind: KindSensor, Fetch: pair(d.HorizCoord, 0)},
		{ID: asiair.IDScopeAzimuth, Kind: KindSensor, Fetch: pair(d.HorizCoord, 1)},
		{ID: asiair.IDScopeRA, Kind: KindSensor, Fetch: pair(d.RaDec, 0)},
		{ID: asiair.IDScopeDec, Kind: KindSensor, Fetch: pair(d.RaDec, 1)},
		{ID: asiair.IDScopePierSide, Kind: KindSensor, Fetch: func(ctx context.Context) (interface{}, error) { return d.PierSide(ctx) }},
		{ID: asiair.IDScopeTrackMode, Kind: KindSensor, Fetch: func(ctx context.Context) (interface{}, error) {
			tm, err := d.TrackMode(ctx)
			if err != nil {
				return nil, err
			}
			return tm.Current()
		}},
		{ID: asiair.IDScopeTracking, Kind: KindSwitch, Fetch: fetchTracking,
			Command: func(ctx context.Context, payload []byte) (interface{}, error) {
				on, err := ParseSwitch(payload)
				if err != nil {
					return nil, err
				}
				if err = d.SetTrackState(ctx, on); err != nil {
					return nil, err
				}
				return on, nil
			}},
		{ID: asiair.IDScopeLocation, Kind: KindTracker, Fetch: func(ctx context.Context) (interface{}, error) { return d.Location(ctx) }},
		{ID: asiair.IDScopeSlewing, Kind: KindBinary, Fetch: func(ctx context.Context) (interface{}, error) {
			m, err := d.IsMoving(ctx)
			return m != "none", err
		}},

		{ID: asiair.IDFocuserPosition, Kind: KindSensor, Fetch: func(ctx context.Context) (interface{}, error) { return d.FocuserPosition(ctx) }},
		{ID: asiair.IDWheelCurrent, Kind: KindSensor, Fetch: func(ctx context.Context) (interface{}, error) {
			name, ok, err := d.CurrentFilter(ctx)
			if err != nil || !ok {
				return nil, err
			}
			return name, nil
		}},

		{ID: asiair.IDCameraState, Kind: KindSensor, Fetch: func(ctx context.Context) (interface{}, error) {
			st, err := d.CameraState(ctx)
			return st.State, err
		}},
		{ID: asiair.IDCameraGain, Kind: KindSensor, Fetch: control(asiair.ControlGain, 1)},
		{ID: asiair.IDCameraExposure, Kind: KindSensor, Fetch: control(asiair.ControlExposure, 1e-6)},
		{ID: asiair.IDCameraCoolerPower, Kind: KindSensor, Fetch: control(asiair.ControlCoolerPower, 1)},
		{ID: asiair.IDCameraDewHeater, Kind: KindSwitch, Fetch: fetchDewHeater,
			Command: func(ctx context.Context, payload []byte) (interface{}, error) {
				on, err := ParseSwitch(payload)
				if err != nil {
					return nil, err
				}
				if err = d.SetControlValue(ctx, asiair.ControlDewHeater, boolInt(on)); err != nil {
					return nil, err
				}
				return on, nil
			}},
		{ID: asiair.IDCameraCooling, Kind: KindClimate, Fetch: fetchCooling,
			Command: func(ctx context.Context, payload []byte) (interface{}, error) {
				var cmd CoolingCommand
				if err := json.Unmarshal(payload, &cmd); err != nil {
					return nil, errors.NewNotValid(err, "cooling command")
				}
				if cmd.Target != nil {
					if err := d.SetControlValue(ctx, asiair.ControlTargetTemp, *cmd.Target); err != nil {
						return nil, err
					}
				}
				if cmd.Mode != nil {
					if err := d.SetControlValue(ctx, asiair.ControlCoolerOn, boolInt(*cmd.Mode != "off")); err != nil {
						return nil, err
					}
				}
				return coolingValue(ctx, d, facts)
			}},
	}
}

func coolingValue(ctx context.Context, d Device, facts *asiair.Facts) (interface{}, error) {
	var v Cooling
	if t, ok := facts.SensorTemp(); ok {
		v.Current = &t
	}
	var err error
	if v.Target, err = d.GetControlValue(ctx, asiair.ControlTargetTemp); err != nil {
		return nil, err
	}
	on, err := d.GetControlValue(ctx, asiair.ControlCoolerOn)
	if err != nil {
		return nil, err
	}
	v.Mode = "off"
	if on != 0 {
		v.Mode = "cool"
	}
	power, err := d.GetControlValue(ctx, asiair.ControlCoolerPower)
	if err != nil {
		return nil, err
	}
	v.Action = "off"
	if power != 0 {
		v.Action = "cooling"
	}
	return v, nil
}

// ParseSwitch accepts ON/OFF, true/false, 1/0, optionally JSON quoted.
func ParseSwitch(payload []byte) (bool, error) {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(string(payload)), `"`))
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.NotValidf("switch payload=%q", payload)
	}
	return b, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
