package asiair

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/internal/wire"
)

// Camera control names for get_control_value/set_control_value.
const (
	ControlGain         = "Gain"
	ControlExposure     = "Exposure" // microseconds
	ControlCoolerPower  = "CoolPowerPerc"
	ControlDewHeater    = "AntiDewHeater"
	ControlTargetTemp   = "TargetTemp"
	ControlCoolerOn     = "CoolerOn"
	controlSetSucceeded = 0
)

func (c *Client) GetControlValue(ctx context.Context, name string) (float64, error) {
	var v wire.ControlValue
	err := c.CallInto(ctx, &v, EndpointImaging, "get_control_value", name)
	return v.Value, err
}

// SetControlValue fails on non-zero device result code.
func (c *Client) SetControlValue(ctx context.Context, name string, value interface{}) error {
	var code int
	if err := c.CallInto(ctx, &code, EndpointImaging, "set_control_value", name, value); err != nil {
		return err
	}
	if code != controlSetSucceeded {
		return errors.Errorf("set_control_value name=%s value=%v code=%d", name, value, code)
	}
	return nil
}

func (c *Client) PowerSupply(ctx context.Context) (wire.PowerSupply, error) {
	var v wire.PowerSupply
	err := c.CallInto(ctx, &v, EndpointImaging, "get_power_supply")
	return v, err
}

func (c *Client) StationState(ctx context.Context) (wire.StationState, error) {
	var v wire.StationState
	err := c.CallInto(ctx, &v, EndpointImaging, "pi_station_state")
	return v, err
}

func (c *Client) AppState(ctx context.Context) (wire.AppState, error) {
	var v wire.AppState
	err := c.CallInto(ctx, &v, EndpointImaging, "get_app_state")
	return v, err
}

func (c *Client) SequenceSetting(ctx context.Context) (wire.SequenceSetting, error) {
	var v wire.SequenceSetting
	err := c.CallInto(ctx, &v, EndpointImaging, "get_sequence_setting")
	return v, err
}

func (c *Client) CameraState(ctx context.Context) (wire.CameraState, error) {
	var v wire.CameraState
	err := c.CallInto(ctx, &v, EndpointImaging, "get_camera_state")
	return v, err
}

func (c *Client) FocuserPosition(ctx context.Context) (int, error) {
	var v int
	err := c.CallInto(ctx, &v, EndpointImaging, "get_focuser_position")
	return v, err
}

// CurrentFilter asks slot names then position, updates Facts.
// ok=false when wheel reports no slots or position is out of range.
func (c *Client) CurrentFilter(ctx context.Context) (string, bool, error) {
	var names []string
	if err := c.CallInto(ctx, &names, EndpointImaging, "get_wheel_slot_name"); err != nil {
		return "", false, err
	}
	var position int
	if err := c.CallInto(ctx, &position, EndpointImaging, "get_wheel_position"); err != nil {
		return "", false, err
	}
	name, ok := c.Facts.SetWheel(names, position)
	return name, ok, nil
}

func (c *Client) HorizCoord(ctx context.Context) (wire.Pair, error) {
	var v wire.Pair
	err := c.CallInto(ctx, &v, EndpointGuide, "scope_get_horiz_coord")
	return v, err
}

func (c *Client) RaDec(ctx context.Context) (wire.Pair, error) {
	var v wire.Pair
	err := c.CallInto(ctx, &v, EndpointGuide, "scope_get_ra_dec")
	return v, err
}

func (c *Client) PierSide(ctx context.Context) (string, error) {
	var v string
	err := c.CallInto(ctx, &v, EndpointGuide, "scope_get_pierside")
	return v, err
}

func (c *Client) TrackMode(ctx context.Context) (wire.TrackMode, error) {
	var v wire.TrackMode
	err := c.CallInto(ctx, &v, EndpointGuide, "scope_get_track_mode")
	return v, err
}

func (c *Client) TrackState(ctx context.Context) (bool, error) {
	var v bool
	err := c.CallInto(ctx, &v, EndpointGuide, "scope_get_track_state")
	return v, err
}

func (c *Client) SetTrackState(ctx context.Context, on bool) error {
	_, err := c.Call(ctx, EndpointGuide, "scope_set_track_state", on)
	return err
}

func (c *Client) Location(ctx context.Context) (wire.Location, error) {
	var v wire.Location
	err := c.CallInto(ctx, &v, EndpointGuide, "scope_get_location")
	return v, err
}

// IsMoving returns slew state, "none" when still.
func (c *Client) IsMoving(ctx context.Context) (string, error) {
	var v string
	err := c.CallInto(ctx, &v, EndpointGuide, "scope_is_moving")
	return v, err
}
