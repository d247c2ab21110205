// Package imaging downloads current frame from ASIAIR image endpoint
// and renders it into publishable PNG.
package imaging

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/internal/metrics"
	"github.com/temoto/asiair-mqtt/internal/wire"
	"github.com/temoto/asiair-mqtt/log2"
)

const (
	HeaderSize = 80
	ChunkSize  = 4 << 20
	MaxPayload = 1 << 30
	RawEntry   = "raw_data"
)

// Header layout, big endian: 6 reserved, u32 size, 6 reserved, u16 width, u16 height, 60 reserved.
type Header struct {
	Size   uint32
	Width  uint16
	Height uint16
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.NotValidf("image header len=%d", len(b))
	}
	return Header{
		Size:   binary.BigEndian.Uint32(b[6:10]),
		Width:  binary.BigEndian.Uint16(b[16:18]),
		Height: binary.BigEndian.Uint16(b[18:20]),
	}, nil
}

func (h Header) Empty() bool { return h.Width == 0 || h.Height == 0 }

type Frame struct {
	Header
	Samples []uint16 // row-major, Width*Height
}

type Fetcher struct {
	Addr        string
	DialTimeout time.Duration
	Log         *log2.Log
	Metrics     *metrics.Metrics
	Dial        func(ctx context.Context, network, addr string) (net.Conn, error)

	lastID uint32
}

// Fetch opens fresh connection, requests current image and decodes raw samples.
// Returns nil, nil when device has no image.
func (f *Fetcher) Fetch(ctx context.Context) (*Frame, error) {
	dial := f.Dial
	if dial == nil {
		d := net.Dialer{Timeout: f.DialTimeout}
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", f.Addr)
	if err != nil {
		return nil, errors.Annotatef(err, "image dial addr=%s", f.Addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	id := atomic.AddUint32(&f.lastID, 1)
	req, err := wire.Encode(id, wire.MethodCurrentImage)
	if err != nil {
		return nil, err
	}
	if err = helpers.WriteAll(conn, req); err != nil {
		return nil, errors.Annotatef(err, "image request id=%d", id)
	}

	r := helpers.NewStatReader(conn, f.Metrics.ImageByteCounter())
	hbuf := make([]byte, HeaderSize)
	if _, err = io.ReadFull(r, hbuf); err != nil {
		return nil, errors.Annotatef(err, "image header id=%d", id)
	}
	h, err := ParseHeader(hbuf)
	if err != nil {
		return nil, err
	}
	if h.Empty() {
		f.Log.Debugf("image id=%d no image header=%+v", id, h)
		return nil, nil
	}
	if h.Size > MaxPayload {
		return nil, errors.NotValidf("image id=%d size=%d", id, h.Size)
	}
	f.Log.Debugf("image id=%d size=%d %dx%d", id, h.Size, h.Width, h.Height)

	payload, err := readChunked(r, int(h.Size))
	if err != nil {
		return nil, errors.Annotatef(err, "image id=%d payload", id)
	}
	samples, err := DecodeRaw(payload, int(h.Width), int(h.Height))
	if err != nil {
		return nil, errors.Annotatef(err, "image id=%d", id)
	}
	return &Frame{Header: h, Samples: samples}, nil
}

func readChunked(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	for off := 0; off < size; {
		n := size - off
		if n > ChunkSize {
			n = ChunkSize
		}
		m, err := io.ReadFull(r, buf[off:off+n])
		off += m
		if err != nil {
			return nil, errors.Annotatef(err, "read remaining=%d", size-off)
		}
	}
	return buf, nil
}

// DecodeRaw extracts little endian uint16 samples from zip entry raw_data.
func DecodeRaw(payload []byte, width, height int) ([]uint16, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, errors.NewNotValid(err, "zip")
	}
	var entry *zip.File
	for _, zf := range zr.File {
		if zf.Name == RawEntry {
			entry = zf
			break
		}
	}
	if entry == nil {
		return nil, errors.NotFoundf("zip entry %s", RawEntry)
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, errors.Annotatef(err, "zip open %s", RawEntry)
	}
	defer rc.Close()
	n := width * height
	raw := make([]byte, 2*n)
	if _, err = io.ReadFull(rc, raw); err != nil {
		return nil, errors.NewNotValid(err, "raw_data shorter than width*height samples")
	}
	samples := make([]uint16, n)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return samples, nil
}
