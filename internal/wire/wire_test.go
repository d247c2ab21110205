package wire

import (
	"encoding/json"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/asiair-mqtt/helpers"
)

func TestEncode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		id     uint32
		method string
		params []interface{}
		expect string
	}{
		{"no-params", 1, "pi_get_info", nil, `{"id":1,"method":"pi_get_info"}` + "\r\n"},
		{"string-param", 7, "get_control_value", []interface{}{"Gain"}, `{"id":7,"method":"get_control_value","params":["Gain"]}` + "\r\n"},
		{"two-params", 8, "set_control_value", []interface{}{"TargetTemp", -10}, `{"id":8,"method":"set_control_value","params":["TargetTemp",-10]}` + "\r\n"},
		{"bool", 2, "scope_set_track_state", []interface{}{true}, `{"id":2,"method":"scope_set_track_state","params":[true]}` + "\r\n"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			b, err := Encode(c.id, c.method, c.params...)
			require.NoError(t, err)
			assert.Equal(t, c.expect, string(b))
		})
	}

	_, err := Encode(1, "")
	assert.True(t, errors.IsNotValid(err))
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	in := append([]byte(`{"a":"x`), helpers.MustHex("3c90ad45b63e")...)
	in = append(in, []byte(`y`)...)
	in = append(in, helpers.MustHex("3ce83e")...)
	in = append(in, []byte(`"}`)...)
	assert.Equal(t, `{"a":"x???y???"}`, string(Sanitize(in)))

	plain := []byte(`{"a":"<b>"}`)
	assert.Equal(t, plain, Sanitize(plain))
}

func TestDecode(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     []byte
		check     func(testing.TB, *Frame)
		expectErr bool
	}
	cases := []Case{
		{"reply-result", []byte(`{"jsonrpc":"2.0","Timestamp":"1.2","method":"get_wheel_position","result":1,"code":0,"id":3}` + "\r\n"),
			func(t testing.TB, f *Frame) {
				assert.True(t, f.IsReply())
				assert.False(t, f.IsEvent())
				assert.Equal(t, uint32(3), f.ID)
				assert.True(t, f.HasResult)
				assert.Equal(t, "1", string(f.Result))
			}, false},
		{"reply-error", []byte(`{"method":"get_focuser_position","error":{"code":103,"message":"no focuser"},"id":4}`),
			func(t testing.TB, f *Frame) {
				assert.True(t, f.IsReply())
				assert.False(t, f.HasResult)
				assert.JSONEq(t, `{"code":103,"message":"no focuser"}`, string(f.Error))
			}, false},
		{"reply-no-error-payload", []byte(`{"method":"x","id":5}`),
			func(t testing.TB, f *Frame) {
				assert.True(t, f.IsReply())
				assert.False(t, f.HasResult)
				assert.Nil(t, f.Error)
			}, false},
		{"event", []byte(`{"Event":"Exposure","Timestamp":"9.1","state":"complete"}`),
			func(t testing.TB, f *Frame) {
				assert.False(t, f.IsReply())
				assert.True(t, f.IsEvent())
				assert.Equal(t, "Exposure", f.Event)
				var e StateEvent
				require.NoError(t, Unmarshal(f.Raw, &e))
				assert.Equal(t, "complete", e.State)
			}, false},
		{"reply-and-event", []byte(`{"Event":"PiStatus","method":"pi_status","id":9,"result":0,"temp":51.2}`),
			func(t testing.TB, f *Frame) {
				assert.True(t, f.IsReply())
				assert.True(t, f.IsEvent())
			}, false},
		{"lowercase-event-ignored", []byte(`{"event":"nope"}`),
			func(t testing.TB, f *Frame) {
				assert.False(t, f.IsEvent())
			}, false},
		{"malformed-bytes", append(append([]byte(`{"Event":"Annotate","name":"M`), helpers.MustHex("3c90ad45b63e3ce83e")...), []byte(`"}`)...),
			func(t testing.TB, f *Frame) {
				var v struct{ Name string }
				require.NoError(t, Unmarshal(f.Raw, &v))
				assert.Equal(t, "M??????", v.Name)
			}, false},
		{"latin1", append(append([]byte(`{"Event":"X","name":"`), 0xe9), []byte(`"}`)...),
			func(t testing.TB, f *Frame) {
				var v struct{ Name string }
				require.NoError(t, Unmarshal(f.Raw, &v))
				assert.Equal(t, "é", v.Name)
			}, false},
		{"garbage", []byte(`{"id":`), nil, true},
		{"empty", []byte("\r\n"), nil, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			d, err := NewDecoder()
			require.NoError(t, err)
			f, err := d.Decode(c.input)
			if c.expectErr {
				require.Error(t, err)
				assert.True(t, errors.IsNotValid(err), errors.ErrorStack(err))
				return
			}
			require.NoError(t, err)
			c.check(t, f)
		})
	}
}

func TestSchema(t *testing.T) {
	t.Parallel()

	var ps PowerSupply
	require.NoError(t, Unmarshal(json.RawMessage(`[[12.1,0.5],[12.0,0.2],[12.3,1.5]]`), &ps))
	assert.Len(t, ps.Outputs, 2)
	assert.Equal(t, 12.3, ps.InputVoltage())
	assert.Equal(t, 1.5, ps.InputCurrent())
	assert.InDelta(t, 18.45, ps.InputPower(), 1e-9)
	assert.Error(t, Unmarshal(json.RawMessage(`[]`), &ps))

	var tm TrackMode
	require.NoError(t, Unmarshal(json.RawMessage(`{"list":["Sidereal","Lunar","Solar"],"index":1}`), &tm))
	mode, err := tm.Current()
	require.NoError(t, err)
	assert.Equal(t, "Lunar", mode)
	tm.Index = 5
	_, err = tm.Current()
	assert.True(t, errors.IsNotValid(err))

	var loc Location
	require.NoError(t, Unmarshal(json.RawMessage(`[52.5,13.4]`), &loc))
	assert.Equal(t, Location{Latitude: 52.5, Longitude: 13.4}, loc)
	b, err := json.Marshal(loc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"latitude":52.5,"longitude":13.4}`, string(b))

	var p Pair
	assert.Error(t, Unmarshal(json.RawMessage(`[1]`), &p))

	var cv ControlValue
	err = Unmarshal(json.RawMessage(`"oops"`), &cv)
	assert.True(t, errors.IsNotValid(err))
	assert.Error(t, Unmarshal(nil, &cv))
}
