// Package geometry holds the canvas arithmetic the graph needs: node and
// port placement, legacy position conversion, boundary clamping and link
// path point generation.
package geometry

import "math"

// Node box layout in pixels
const (
	NodeWidth     = 120.0
	HeaderHeight  = 24.0
	PortSpacing   = 20.0
	MinNodeHeight = 60.0
)

// Point is a canvas position in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p moved by d.
func (p Point) Add(d Point) Point {
	return Point{X: p.X + d.X, Y: p.Y + d.Y}
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Canvas is the drawable area.
type Canvas struct {
	Width  float64
	Height float64
}

// FromStored converts a stored position to pixels. Positions written by
// older editors are fractions of the canvas in [0,1] on both axes.
func (c Canvas) FromStored(x, y float64) Point {
	if isFraction(x) && isFraction(y) && (x != 0 || y != 0) {
		return Point{X: x * c.Width, Y: y * c.Height}
	}
	return Point{X: x, Y: y}
}

func isFraction(v float64) bool {
	return v >= 0 && v <= 1
}

// Clamp keeps a node box of the given size inside the canvas.
func (c Canvas) Clamp(p Point, size Point) Point {
	return Point{
		X: clamp(p.X, 0, math.Max(0, c.Width-size.X)),
		Y: clamp(p.Y, 0, math.Max(0, c.Height-size.Y)),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// NodeSize returns the box size of a node with the given port counts.
func NodeSize(inPorts, outPorts int) Point {
	rows := max(inPorts, outPorts)
	h := HeaderHeight + float64(rows)*PortSpacing
	return Point{X: NodeWidth, Y: math.Max(h, MinNodeHeight)}
}

// InPort returns the anchor of the i-th input port of a node at origin.
func InPort(origin Point, i int) Point {
	return Point{X: origin.X, Y: origin.Y + HeaderHeight + (float64(i)+0.5)*PortSpacing}
}

// OutPort returns the anchor of the i-th output port of a node at origin.
func OutPort(origin Point, i int) Point {
	return Point{X: origin.X + NodeWidth, Y: origin.Y + HeaderHeight + (float64(i)+0.5)*PortSpacing}
}

// Straight returns the two-point path between endpoints.
func Straight(from, to Point) []Point {
	return []Point{from, to}
}

// Orthogonal returns a path of horizontal and vertical segments from an
// output anchor to an input anchor, bending at the horizontal midpoint.
// When the target lies behind the source the path steps out by one port
// spacing on both sides.
func Orthogonal(from, to Point) []Point {
	if to.X >= from.X+2*PortSpacing {
		midX := from.X + (to.X-from.X)/2
		return []Point{from, {X: midX, Y: from.Y}, {X: midX, Y: to.Y}, to}
	}
	midY := from.Y + (to.Y-from.Y)/2
	outX := from.X + PortSpacing
	inX := to.X - PortSpacing
	return []Point{
		from,
		{X: outX, Y: from.Y},
		{X: outX, Y: midY},
		{X: inX, Y: midY},
		{X: inX, Y: to.Y},
		to,
	}
}
