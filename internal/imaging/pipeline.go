package imaging

import (
	"bytes"
	"image"
	"image/png"
	"math"
	"slices"

	"github.com/juju/errors"
	"golang.org/x/image/draw"
)

const (
	StretchSTF        = "stf"
	StretchPercentile = "percentile"

	DefaultWidth  = 1920
	DefaultHeight = 1080

	stfTargetBackground = 0.25
	stfClipping         = -2.8
	madScale            = 1.4826
	percentileLow       = 15
	percentileHigh      = 95
	asinhA              = 0.1
	sampleMax           = 1 << 20
)

// Stretch maps normalized pixels in place, output is clamped to [0,1].
type Stretch func(px []float32)

func StretchByName(name string) (Stretch, error) {
	switch name {
	case "", StretchSTF:
		return STF, nil
	case StretchPercentile:
		return PercentileAsinh, nil
	}
	return nil, errors.NotValidf("stretch=%s", name)
}

type Pipeline struct {
	Stretch Stretch
	Width   int
	Height  int
}

// Render runs normalize, stretch, resize, encode. Pure function of input.
func (p *Pipeline) Render(f *Frame) ([]byte, error) {
	w, h := int(f.Width), int(f.Height)
	if w*h == 0 || len(f.Samples) < w*h {
		return nil, errors.NotValidf("frame %dx%d samples=%d", w, h, len(f.Samples))
	}
	px := Normalize(f.Samples[:w*h])
	stretch := p.Stretch
	if stretch == nil {
		stretch = STF
	}
	stretch(px)
	clampAll(px)
	ow, oh := p.Width, p.Height
	if ow <= 0 || oh <= 0 {
		ow, oh = DefaultWidth, DefaultHeight
	}
	img := Resize(px, w, h, ow, oh)
	return EncodePNG(img)
}

func Normalize(samples []uint16) []float32 {
	px := make([]float32, len(samples))
	for i, v := range samples {
		px[i] = float32(v) / math.MaxUint16
	}
	return px
}

// MTF is midtones transfer function, MTF(m, m) = 0.5.
func MTF(m, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	case x == m:
		return 0.5
	}
	return ((m - 1) * x) / ((2*m-1)*x - m)
}

// STF screen transfer function auto stretch: shadows clipped at median + clipping*MAD,
// midtones chosen so median maps to target background.
func STF(px []float32) {
	if len(px) == 0 {
		return
	}
	sample := subsample(px)
	slices.Sort(sample)
	median := quantile(sample, 0.5)
	dev := make([]float32, len(sample))
	for i, v := range sample {
		dev[i] = float32(math.Abs(float64(v) - median))
	}
	slices.Sort(dev)
	mad := quantile(dev, 0.5) * madScale

	shadows := clamp(median + stfClipping*mad)
	if shadows >= 1 {
		shadows = 0
	}
	xm := (median - shadows) / (1 - shadows)
	m := 0.5
	if xm > 0 && xm < 1 {
		m = MTF(stfTargetBackground, xm)
	}
	for i, v := range px {
		x := clamp((float64(v) - shadows) / (1 - shadows))
		px[i] = float32(clamp(MTF(m, x)))
	}
}

// PercentileAsinh rescales [P15, P95] to [0,1] then applies asinh stretch.
func PercentileAsinh(px []float32) {
	if len(px) == 0 {
		return
	}
	sample := subsample(px)
	slices.Sort(sample)
	lo := quantile(sample, percentileLow/100.0)
	hi := quantile(sample, percentileHigh/100.0)
	span := hi - lo
	norm := math.Asinh(1 / asinhA)
	for i, v := range px {
		x := 0.0
		if span > 0 {
			x = clamp((float64(v) - lo) / span)
		}
		px[i] = float32(clamp(math.Asinh(x/asinhA) / norm))
	}
}

// Resize fits w*h pixels into ow*oh box preserving aspect ratio.
func Resize(px []float32, w, h, ow, oh int) *image.Gray {
	src := image.NewGray16(image.Rect(0, 0, w, h))
	for i, v := range px {
		u := uint16(math.Round(clamp(float64(v)) * math.MaxUint16))
		src.Pix[2*i] = uint8(u >> 8)
		src.Pix[2*i+1] = uint8(u)
	}
	scale := math.Min(float64(ow)/float64(w), float64(oh)/float64(h))
	dw := int(math.Round(float64(w) * scale))
	dh := int(math.Round(float64(h) * scale))
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	dst := image.NewGray(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func EncodePNG(img image.Image) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(buf, img); err != nil {
		return nil, errors.Annotate(err, "png encode")
	}
	return buf.Bytes(), nil
}

// clamp maps NaN to 0 and limits to [0,1].
func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func clampAll(px []float32) {
	for i, v := range px {
		px[i] = float32(clamp(float64(v)))
	}
}

// subsample returns deterministic strided copy of at most sampleMax pixels.
func subsample(px []float32) []float32 {
	stride := (len(px) + sampleMax - 1) / sampleMax
	if stride < 1 {
		stride = 1
	}
	out := make([]float32, 0, len(px)/stride+1)
	for i := 0; i < len(px); i += stride {
		v := px[i]
		if math.IsNaN(float64(v)) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// quantile of sorted sample with linear interpolation, q in [0,1].
func quantile(sorted []float32, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	pos := q * float64(n-1)
	i := int(math.Floor(pos))
	if i >= n-1 {
		return float64(sorted[n-1])
	}
	frac := pos - float64(i)
	return float64(sorted[i])*(1-frac) + float64(sorted[i+1])*frac
}
