package publish

import (
	"encoding/json"

	"github.com/temoto/asiair-mqtt/internal/wire"
	"github.com/temoto/asiair-mqtt/log2"
)

// LogSink writes values to log, used when MQTT is disabled.
type LogSink struct {
	Log *log2.Log
}

func (s LogSink) Publish(id string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.Log.Infof("value %s=%s", id, b)
	return nil
}

func (s LogSink) PublishImage(png []byte) error {
	s.Log.Infof("image png len=%d", len(png))
	return nil
}

func (s LogSink) PublishIdentity(info wire.PiInfo) error {
	s.Log.Infof("identity guid=%s model=%s cpu=%s uname=%s", info.GUID, info.Model, info.CPUID, info.Uname)
	return nil
}
