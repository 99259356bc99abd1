package stages

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

// dimension reads and writes one named attribute of a point.
type dimension struct {
	name string
	get  func(model.Point) float64
	set  func(*model.Point, float64)
}

var dimensions = []dimension{
	{"X", func(p model.Point) float64 { return p.X }, func(p *model.Point, v float64) { p.X = v }},
	{"Y", func(p model.Point) float64 { return p.Y }, func(p *model.Point, v float64) { p.Y = v }},
	{"Z", func(p model.Point) float64 { return p.Z }, func(p *model.Point, v float64) { p.Z = v }},
	{"Intensity", func(p model.Point) float64 { return float64(p.Intensity) },
		func(p *model.Point, v float64) { p.Intensity = uint16(clamp(v, 0, math.MaxUint16)) }},
	{"Classification", func(p model.Point) float64 { return float64(p.Classification) },
		func(p *model.Point, v float64) { p.Classification = uint8(clamp(v, 0, math.MaxUint8)) }},
	{"ReturnNumber", func(p model.Point) float64 { return float64(p.ReturnNumber) },
		func(p *model.Point, v float64) { p.ReturnNumber = uint8(clamp(v, 0, 7)) }},
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func lookupDimension(name string) (dimension, error) {
	for _, d := range dimensions {
		if strings.EqualFold(d.name, strings.TrimSpace(name)) {
			return d, nil
		}
	}
	return dimension{}, errors.Newf("unknown dimension %q", name)
}

// box is a crop region: a 2D orb.Bound with an optional Z extent.
type box struct {
	orb.Bound
	hasZ       bool
	minZ, maxZ float64
}

func (b box) contains(p model.Point) bool {
	if !b.Bound.Contains(orb.Point{p.X, p.Y}) {
		return false
	}
	return !b.hasZ || (p.Z >= b.minZ && p.Z <= b.maxZ)
}

var boundsPair = regexp.MustCompile(`\[\s*([^,\]]+?)\s*,\s*([^\]]+?)\s*\]`)

// parseBounds parses PDAL bounds "([xmin, xmax], [ymin, ymax][, [zmin, zmax]])".
func parseBounds(s string) (box, error) {
	pairs := boundsPair.FindAllStringSubmatch(s, -1)
	if len(pairs) != 2 && len(pairs) != 3 {
		return box{}, errors.Newf("bounds %q must be ([xmin, xmax], [ymin, ymax][, [zmin, zmax]])", s)
	}
	var lim [3][2]float64
	for i, pair := range pairs {
		for j := 0; j < 2; j++ {
			v, err := strconv.ParseFloat(pair[j+1], 64)
			if err != nil {
				return box{}, errors.Wrapf(err, "bounds %q", s)
			}
			lim[i][j] = v
		}
		if lim[i][0] > lim[i][1] {
			return box{}, errors.Newf("bounds %q: minimum greater than maximum", s)
		}
	}
	b := box{Bound: orb.Bound{
		Min: orb.Point{lim[0][0], lim[1][0]},
		Max: orb.Point{lim[0][1], lim[1][1]},
	}}
	if len(pairs) == 3 {
		b.hasZ, b.minZ, b.maxZ = true, lim[2][0], lim[2][1]
	}
	return b, nil
}

// limit is one PDAL range expression such as "Z[0:50]" or "Classification![7:7]".
type limit struct {
	dim              dimension
	negate           bool
	min, max         float64
	minOpen, maxOpen bool
}

func (l limit) matches(p model.Point) bool {
	v := l.dim.get(p)
	aboveMin := v >= l.min
	if l.minOpen {
		aboveMin = v > l.min
	}
	belowMax := v <= l.max
	if l.maxOpen {
		belowMax = v < l.max
	}
	return (aboveMin && belowMax) != l.negate
}

var rangeExpr = regexp.MustCompile(`^\s*([A-Za-z]+)\s*(!?)\s*([\[\(])\s*([^:]*?)\s*:\s*([^\]\)]*?)\s*([\]\)])\s*$`)

// parseLimits parses a comma separated list of range expressions. Empty
// bounds are unbounded.
func parseLimits(s string) ([]limit, error) {
	var out []limit
	for _, expr := range strings.Split(s, ",") {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		m := rangeExpr.FindStringSubmatch(expr)
		if m == nil {
			return nil, errors.Newf("invalid range %q, want Dimension[min:max]", strings.TrimSpace(expr))
		}
		dim, err := lookupDimension(m[1])
		if err != nil {
			return nil, err
		}
		l := limit{
			dim:     dim,
			negate:  m[2] == "!",
			min:     math.Inf(-1),
			max:     math.Inf(1),
			minOpen: m[3] == "(",
			maxOpen: m[6] == ")",
		}
		if m[4] != "" {
			if l.min, err = strconv.ParseFloat(m[4], 64); err != nil {
				return nil, errors.Wrapf(err, "range %q", expr)
			}
		}
		if m[5] != "" {
			if l.max, err = strconv.ParseFloat(m[5], 64); err != nil {
				return nil, errors.Wrapf(err, "range %q", expr)
			}
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil, errors.New("no range given")
	}
	return out, nil
}

// matchLimits ORs limits on the same dimension and ANDs across dimensions.
func matchLimits(limits []limit, p model.Point) bool {
	byDim := make(map[string]bool, len(limits))
	for _, l := range limits {
		if l.matches(p) {
			byDim[l.dim.name] = true
		} else if _, seen := byDim[l.dim.name]; !seen {
			byDim[l.dim.name] = false
		}
	}
	for _, ok := range byDim {
		if !ok {
			return false
		}
	}
	return true
}

// assignment is "Dimension = value [WHERE Dimension op value]".
type assignment struct {
	dim   dimension
	value float64
	where func(model.Point) bool
}

var (
	assignExpr = regexp.MustCompile(`(?i)^\s*([A-Za-z]+)\s*=\s*([-+0-9.eE]+)\s*(?:WHERE\s+(.+))?$`)
	whereExpr  = regexp.MustCompile(`^\s*([A-Za-z]+)\s*(<=|>=|==|!=|<|>)\s*([-+0-9.eE]+)\s*$`)
)

func parseAssignment(s string) (assignment, error) {
	m := assignExpr.FindStringSubmatch(s)
	if m == nil {
		return assignment{}, errors.Newf("invalid assignment %q, want Dimension=value", s)
	}
	dim, err := lookupDimension(m[1])
	if err != nil {
		return assignment{}, err
	}
	value, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return assignment{}, errors.Wrapf(err, "assignment %q", s)
	}
	a := assignment{dim: dim, value: value, where: func(model.Point) bool { return true }}
	if m[3] == "" {
		return a, nil
	}

	w := whereExpr.FindStringSubmatch(m[3])
	if w == nil {
		return assignment{}, errors.Newf("invalid condition %q, want Dimension op value", m[3])
	}
	cond, err := lookupDimension(w[1])
	if err != nil {
		return assignment{}, err
	}
	rhs, err := strconv.ParseFloat(w[3], 64)
	if err != nil {
		return assignment{}, errors.Wrapf(err, "condition %q", m[3])
	}
	op := w[2]
	a.where = func(p model.Point) bool {
		v := cond.get(p)
		switch op {
		case "<":
			return v < rhs
		case "<=":
			return v <= rhs
		case ">":
			return v > rhs
		case ">=":
			return v >= rhs
		case "==":
			return v == rhs
		default:
			return v != rhs
		}
	}
	return a, nil
}
