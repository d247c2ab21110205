package wire

import (
	"encoding/json"

	"github.com/juju/errors"
)

// pi_get_info
type PiInfo struct {
	GUID  string  `json:"guid"`
	Model string  `json:"model"`
	CPUID string  `json:"cpuId"`
	Uname string  `json:"uname"`
	Name  string  `json:"name,omitempty"`
	Temp  float64 `json:"temp"`
}

func (p PiInfo) Valid() bool { return p.GUID != "" }

// PiStatus push event
type PiStatus struct {
	Temp float64 `json:"temp"`
}

// get_app_state
type AppState struct {
	Page string `json:"page"`
}

// pi_station_state
type StationState struct {
	SignalLevel int    `json:"sig_lev"`
	Freq        int    `json:"freq"`
	SSID        string `json:"ssid"`
	IP          string `json:"ip"`
	Gateway     string `json:"gateway"`
	Netmask     string `json:"netmask"`
}

// get_sequence_setting
type SequenceSetting struct {
	GroupName string `json:"group_name"`
}

// scope_get_track_mode
type TrackMode struct {
	List  []string `json:"list"`
	Index int      `json:"index"`
}

func (t TrackMode) Current() (string, error) {
	if t.Index < 0 || t.Index >= len(t.List) {
		return "", errors.NotValidf("track mode index=%d list=%v", t.Index, t.List)
	}
	return t.List[t.Index], nil
}

// get_camera_state
type CameraState struct {
	State string `json:"state"`
	Name  string `json:"name"`
}

// get_control_value
type ControlValue struct {
	Name  string  `json:"name,omitempty"`
	Value float64 `json:"value"`
}

// get_power_supply returns list of [voltage, current] pairs, last one is input.
type PowerSupply struct {
	Outputs [][]float64
	Input   []float64
}

func (p *PowerSupply) UnmarshalJSON(b []byte) error {
	var xs [][]float64
	if err := json.Unmarshal(b, &xs); err != nil {
		return err
	}
	if len(xs) == 0 {
		return errors.NotValidf("power supply empty list")
	}
	p.Outputs = xs[:len(xs)-1]
	p.Input = xs[len(xs)-1]
	if len(p.Input) < 2 {
		return errors.NotValidf("power supply input=%v", p.Input)
	}
	return nil
}

func (p PowerSupply) InputVoltage() float64 { return p.Input[0] }
func (p PowerSupply) InputCurrent() float64 { return p.Input[1] }
func (p PowerSupply) InputPower() float64   { return p.Input[0] * p.Input[1] }

// Pair is two-number result: scope_get_horiz_coord (alt, az), scope_get_ra_dec (ra, dec).
type Pair [2]float64

func (p *Pair) UnmarshalJSON(b []byte) error {
	var xs []float64
	if err := json.Unmarshal(b, &xs); err != nil {
		return err
	}
	if len(xs) < 2 {
		return errors.NotValidf("pair len=%d", len(xs))
	}
	p[0], p[1] = xs[0], xs[1]
	return nil
}

// scope_get_location
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l *Location) UnmarshalJSON(b []byte) error {
	var p Pair
	if err := p.UnmarshalJSON(b); err != nil {
		return err
	}
	l.Latitude, l.Longitude = p[0], p[1]
	return nil
}

func (l Location) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]float64{"latitude": l.Latitude, "longitude": l.Longitude})
}

// StateEvent covers Exposure, WheelMove, ScopeTrack and similar push events.
type StateEvent struct {
	State string `json:"state"`
}

// ValueEvent covers Temperature, CoolerPower.
type ValueEvent struct {
	Value float64 `json:"value"`
}
