package helpers

import (
	"io"
)

// Adder is satisfied by prometheus.Counter and friends.
type Adder interface {
	Add(float64)
}

type StatReader struct {
	R io.Reader
	V Adder
}

var _ io.Reader = &StatReader{}

func NewStatReader(r io.Reader, v Adder) io.Reader {
	if v == nil {
		return r
	}
	return &StatReader{R: r, V: v}
}

func (sr *StatReader) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	if n > 0 {
		sr.V.Add(float64(n))
	}
	return
}

type StatWriter struct {
	W io.Writer
	V Adder
}

var _ io.Writer = &StatWriter{}

func NewStatWriter(w io.Writer, v Adder) io.Writer {
	if v == nil {
		return w
	}
	return &StatWriter{W: w, V: v}
}

func (sw *StatWriter) Write(p []byte) (n int, err error) {
	n, err = sw.W.Write(p)
	if n > 0 {
		sw.V.Add(float64(n))
	}
	return
}
