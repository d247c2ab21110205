package asiair

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/internal/wire"
)

// Facts holds low churn device state shared by router, poller and publish capabilities.
// Readers never wait on device I/O.
//
// Staleness:
// - PiInfo: fetched once at discovery, persisted across restarts
// - wheel names and position: refreshed on every filter fetch
// - sensor temperature, PiStatus: until next push event
type Facts struct {
	mu            sync.RWMutex
	piInfo        wire.PiInfo
	piStatus      *wire.PiStatus
	wheelNames    []string
	wheelPosition int
	sensorTemp    *float64
	lastEventAt   time.Time
	lastImageAt   time.Time
}

func (f *Facts) PiInfo() (wire.PiInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.piInfo, f.piInfo.Valid()
}

func (f *Facts) SetPiInfo(info wire.PiInfo) {
	f.mu.Lock()
	f.piInfo = info
	f.mu.Unlock()
}

func (f *Facts) PiStatus() (wire.PiStatus, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.piStatus == nil {
		return wire.PiStatus{}, false
	}
	return *f.piStatus, true
}

func (f *Facts) SetPiStatus(st wire.PiStatus) {
	f.mu.Lock()
	f.piStatus = &st
	f.mu.Unlock()
}

// CPUTemp prefers last PiStatus event over discovery snapshot.
func (f *Facts) CPUTemp() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	switch {
	case f.piStatus != nil:
		return f.piStatus.Temp, true
	case f.piInfo.Valid():
		return f.piInfo.Temp, true
	}
	return 0, false
}

// SetWheel stores slot names and position, returns current filter name.
func (f *Facts) SetWheel(names []string, position int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wheelNames = append(f.wheelNames[:0], names...)
	f.wheelPosition = position
	return f.locked_filter()
}

func (f *Facts) Filter() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.locked_filter()
}

func (f *Facts) locked_filter() (string, bool) {
	if f.wheelPosition < 0 || f.wheelPosition >= len(f.wheelNames) {
		return "", false
	}
	return f.wheelNames[f.wheelPosition], true
}

func (f *Facts) SensorTemp() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.sensorTemp == nil {
		return 0, false
	}
	return *f.sensorTemp, true
}

func (f *Facts) SetSensorTemp(t float64) {
	f.mu.Lock()
	f.sensorTemp = &t
	f.mu.Unlock()
}

func (f *Facts) MarkEvent(t time.Time) {
	f.mu.Lock()
	f.lastEventAt = t
	f.mu.Unlock()
}

func (f *Facts) MarkImage(t time.Time) {
	f.mu.Lock()
	f.lastImageAt = t
	f.mu.Unlock()
}

func (f *Facts) LastEventAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastEventAt
}

func (f *Facts) LastImageAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastImageAt
}

// persisted subset
type factsDisk struct {
	PiInfo wire.PiInfo `json:"pi_info"`
}

func (f *Facts) MarshalBinary() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return json.Marshal(factsDisk{PiInfo: f.piInfo})
}

func (f *Facts) UnmarshalBinary(b []byte) error {
	var d factsDisk
	if err := json.Unmarshal(b, &d); err != nil {
		return errors.NewNotValid(err, "facts")
	}
	f.SetPiInfo(d.PiInfo)
	return nil
}
