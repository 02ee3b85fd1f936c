// Package quantize maps pointer positions between player pixels and the
// 16-bit normalized coordinates the streamer expects, correcting for the
// letterbox bars that appear when player and video aspect ratios differ.
package quantize

import (
	"errors"
	"fmt"
	"math"

	"github.com/pion/logging"
)

var (
	ErrNoGeometry      = errors.New("quantizer used before geometry was set")
	ErrInvalidGeometry = errors.New("invalid geometry")
)

// OutOfRange is reported for both axes when a position falls outside the
// video area.
const OutOfRange = math.MaxUint16

// Geometry is the player viewport size and the intrinsic video size.
type Geometry struct {
	PlayerWidth  float64
	PlayerHeight float64
	VideoWidth   float64
	VideoHeight  float64
}

func (g Geometry) validate() error {
	if g.PlayerWidth <= 0 || g.PlayerHeight <= 0 || g.VideoWidth <= 0 || g.VideoHeight <= 0 {
		return fmt.Errorf("%w: player %gx%g video %gx%g", ErrInvalidGeometry,
			g.PlayerWidth, g.PlayerHeight, g.VideoWidth, g.VideoHeight)
	}
	return nil
}

// Regime says which axis carries the letterbox correction.
type Regime int

const (
	// PlayerTaller means bars above and below the video; Y is corrected.
	PlayerTaller Regime = iota
	// PlayerWider means bars left and right of the video; X is corrected.
	PlayerWider
)

func (r Regime) String() string {
	if r == PlayerTaller {
		return "player taller"
	}
	return "player wider"
}

// Unsigned is an absolute position.
type Unsigned struct {
	X, Y    uint16
	InRange bool
}

// Signed is a relative motion.
type Signed struct {
	X, Y int16
}

// Context is derived from one Geometry and never changes afterwards.
type Context struct {
	geometry Geometry
	regime   Regime
	ratio    float64
}

// NewContext computes the mapping for g.
func NewContext(g Geometry) (*Context, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	playerAspect := g.PlayerHeight / g.PlayerWidth
	videoAspect := g.VideoHeight / g.VideoWidth

	if playerAspect > videoAspect {
		return &Context{geometry: g, regime: PlayerTaller, ratio: playerAspect / videoAspect}, nil
	}
	return &Context{geometry: g, regime: PlayerWider, ratio: videoAspect / playerAspect}, nil
}

func (c *Context) Geometry() Geometry { return c.geometry }
func (c *Context) Regime() Regime     { return c.regime }
func (c *Context) Ratio() float64     { return c.ratio }

// NormalizeAndQuantizeUnsigned maps a player pixel position to wire units.
func (c *Context) NormalizeAndQuantizeUnsigned(x, y float64) Unsigned {
	nx := x / c.geometry.PlayerWidth
	ny := y / c.geometry.PlayerHeight
	if c.regime == PlayerTaller {
		ny = c.ratio*(ny-0.5) + 0.5
	} else {
		nx = c.ratio*(nx-0.5) + 0.5
	}

	if nx < 0 || nx > 1 || ny < 0 || ny > 1 {
		return Unsigned{X: OutOfRange, Y: OutOfRange, InRange: false}
	}
	return Unsigned{X: toUnit(nx), Y: toUnit(ny), InRange: true}
}

// UnquantizeAndDenormalizeUnsigned maps wire units back to a player pixel
// position.
func (c *Context) UnquantizeAndDenormalizeUnsigned(x, y uint16) (float64, float64) {
	nx := float64(x) / 65536
	ny := float64(y) / 65536
	if c.regime == PlayerTaller {
		ny = (ny-0.5)/c.ratio + 0.5
	} else {
		nx = (nx-0.5)/c.ratio + 0.5
	}
	return nx * c.geometry.PlayerWidth, ny * c.geometry.PlayerHeight
}

// NormalizeAndQuantizeSigned maps a pixel delta to wire units. Large deltas
// wrap rather than clamp.
func (c *Context) NormalizeAndQuantizeSigned(dx, dy float64) Signed {
	nx := dx / (0.5 * c.geometry.PlayerWidth)
	ny := dy / (0.5 * c.geometry.PlayerHeight)
	if c.regime == PlayerTaller {
		ny *= c.ratio
	} else {
		nx *= c.ratio
	}
	return Signed{X: toInt16(nx * 32767), Y: toInt16(ny * 32767)}
}

// toUnit quantizes n in [0, 1]. Exactly 1 saturates at 65535.
func toUnit(n float64) uint16 {
	v := math.Trunc(n * 65536)
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

func toInt16(v float64) int16 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	m := math.Mod(math.Trunc(v), 65536)
	if m < 0 {
		m += 65536
	}
	return int16(uint16(m))
}

// Quantizer owns the current Context and replaces it on every Resize.
type Quantizer struct {
	ctx *Context
	log logging.LeveledLogger
}

func New(loggerFactory logging.LoggerFactory) *Quantizer {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Quantizer{log: loggerFactory.NewLogger("quantize")}
}

// Resize rebuilds the context. On error the previous context is kept.
func (q *Quantizer) Resize(g Geometry) error {
	ctx, err := NewContext(g)
	if err != nil {
		q.log.Warnf("Ignoring resize: %v", err)
		return err
	}
	q.ctx = ctx
	q.log.Debugf("Geometry player %gx%g video %gx%g: %s, ratio %.4f",
		g.PlayerWidth, g.PlayerHeight, g.VideoWidth, g.VideoHeight, ctx.regime, ctx.ratio)
	return nil
}

// Context returns the current mapping.
func (q *Quantizer) Context() (*Context, error) {
	if q.ctx == nil {
		return nil, ErrNoGeometry
	}
	return q.ctx, nil
}

func (q *Quantizer) NormalizeAndQuantizeUnsigned(x, y float64) (Unsigned, error) {
	ctx, err := q.Context()
	if err != nil {
		return Unsigned{}, err
	}
	return ctx.NormalizeAndQuantizeUnsigned(x, y), nil
}

func (q *Quantizer) UnquantizeAndDenormalizeUnsigned(x, y uint16) (float64, float64, error) {
	ctx, err := q.Context()
	if err != nil {
		return 0, 0, err
	}
	px, py := ctx.UnquantizeAndDenormalizeUnsigned(x, y)
	return px, py, nil
}

func (q *Quantizer) NormalizeAndQuantizeSigned(dx, dy float64) (Signed, error) {
	ctx, err := q.Context()
	if err != nil {
		return Signed{}, err
	}
	return ctx.NormalizeAndQuantizeSigned(dx, dy), nil
}
