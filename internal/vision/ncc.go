package vision

import (
	"context"
	"image"
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

// flatEpsilon is the variance below which a window or template is treated
// as a solid colour.
const flatEpsilon = 1e-6

// Coarse-to-fine search. Templates whose shorter side is at least
// 2*minCoarseSide are first matched on frames shrunk by a power of two,
// then only the neighbourhoods of the best coarse peaks are scored at full
// resolution. Coarse scores run lower than full-resolution ones, so
// candidates are taken coarseSlack below the threshold.
const (
	minCoarseSide  = 12
	maxPyramidStep = 8
	coarseSlack    = 0.25
	coarseFloor    = 0.3
)

// luma is a single-channel float image in [0,255].
type luma struct {
	w, h int
	pix  []float64
}

func toLuma(img image.Image) *luma {
	b := img.Bounds()
	l := &luma{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < l.h; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+l.w*4]
			for x := 0; x < l.w; x++ {
				p := row[x*4 : x*4+3]
				l.pix[y*l.w+x] = 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
			}
		}
		return l
	}

	for y := 0; y < l.h; y++ {
		for x := 0; x < l.w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			l.pix[y*l.w+x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257
		}
	}
	return l
}

func (l *luma) at(x, y int) float64 {
	return l.pix[y*l.w+x]
}

// shrink box-averages l by f in both directions, dropping partial blocks.
func (l *luma) shrink(f int) *luma {
	out := &luma{w: l.w / f, h: l.h / f}
	out.pix = make([]float64, out.w*out.h)
	inv := 1 / float64(f*f)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			var sum float64
			for j := 0; j < f; j++ {
				off := (y*f+j)*l.w + x*f
				for _, v := range l.pix[off : off+f] {
					sum += v
				}
			}
			out.pix[y*out.w+x] = sum * inv
		}
	}
	return out
}

// integral holds summed-area tables of values and squared values with a
// one-pixel zero border.
type integral struct {
	stride int
	sum    []float64
	sq     []float64
}

func newIntegral(l *luma) *integral {
	stride := l.w + 1
	ii := &integral{
		stride: stride,
		sum:    make([]float64, stride*(l.h+1)),
		sq:     make([]float64, stride*(l.h+1)),
	}
	for y := 1; y <= l.h; y++ {
		var rowSum, rowSq float64
		for x := 1; x <= l.w; x++ {
			v := l.at(x-1, y-1)
			rowSum += v
			rowSq += v * v
			ii.sum[y*stride+x] = ii.sum[(y-1)*stride+x] + rowSum
			ii.sq[y*stride+x] = ii.sq[(y-1)*stride+x] + rowSq
		}
	}
	return ii
}

// window returns the sum and squared sum of the w×h window at (x,y).
func (ii *integral) window(x, y, w, h int) (sum, sq float64) {
	s := ii.stride
	a, b := y*s+x, y*s+x+w
	c, d := (y+h)*s+x, (y+h)*s+x+w
	return ii.sum[d] - ii.sum[b] - ii.sum[c] + ii.sum[a],
		ii.sq[d] - ii.sq[b] - ii.sq[c] + ii.sq[a]
}

// prepared is a template reduced to zero-mean luminance.
type prepared struct {
	w, h int
	zero []float64
	mean float64
	norm float64
	flat bool

	// coarse is the template shrunk by step, or nil when the template is
	// searched at full resolution only.
	coarse *prepared
	step   int
}

func prepare(l *luma) *prepared {
	p := prepareLevel(l)
	if p.flat {
		return p
	}
	step := 1
	for step*2 <= maxPyramidStep && min(l.w, l.h)/(step*2) >= minCoarseSide {
		step *= 2
	}
	if step == 1 {
		return p
	}
	if c := prepareLevel(l.shrink(step)); !c.flat {
		p.coarse, p.step = c, step
	}
	return p
}

func prepareLevel(l *luma) *prepared {
	n := float64(len(l.pix))
	var sum float64
	for _, v := range l.pix {
		sum += v
	}
	mean := sum / n

	p := &prepared{w: l.w, h: l.h, zero: make([]float64, len(l.pix)), mean: mean}
	var sq float64
	for i, v := range l.pix {
		d := v - mean
		p.zero[i] = d
		sq += d * d
	}
	p.norm = math.Sqrt(sq)
	p.flat = sq/n < flatEpsilon
	return p
}

// surface holds the confidence of every template placement.
type surface struct {
	w, h  int
	score []float64
}

func (s *surface) at(x, y int) float64 {
	return s.score[y*s.w+x]
}

// search scores placements of t in frame. With a coarse level it scores
// only the neighbourhoods of up to candidates coarse peaks; placements
// outside them score zero. The caller guarantees that t fits inside frame.
func search(ctx context.Context, frame *luma, t *prepared, threshold float64, candidates int, exhaustive bool) (*surface, error) {
	if exhaustive || t.coarse == nil {
		return correlate(ctx, frame, t)
	}
	small := frame.shrink(t.step)
	if t.coarse.w > small.w || t.coarse.h > small.h {
		return correlate(ctx, frame, t)
	}
	cs, err := correlate(ctx, small, t.coarse)
	if err != nil {
		return nil, err
	}

	peaks := cs.peaks(max(threshold-coarseSlack, coarseFloor))
	slices.SortStableFunc(peaks, func(a, b image.Point) int {
		switch va, vb := cs.at(a.X, a.Y), cs.at(b.X, b.Y); {
		case va > vb:
			return -1
		case va < vb:
			return 1
		}
		return 0
	})
	if len(peaks) > candidates {
		peaks = peaks[:candidates]
	}

	ii := newIntegral(frame)
	s := &surface{w: frame.w - t.w + 1, h: frame.h - t.h + 1}
	s.score = make([]float64, s.w*s.h)
	n := float64(t.w * t.h)
	r := t.step
	for _, c := range peaks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x0, x1 := max(c.X*r-r, 0), min(c.X*r+r, s.w-1)
		y0, y1 := max(c.Y*r-r, 0), min(c.Y*r+r, s.h-1)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				s.score[y*s.w+x] = placement(frame, ii, t, n, x, y)
			}
		}
	}
	return s, nil
}

// correlate scores every placement of t in frame. The caller guarantees
// that t fits inside frame.
func correlate(ctx context.Context, frame *luma, t *prepared) (*surface, error) {
	ii := newIntegral(frame)
	s := &surface{w: frame.w - t.w + 1, h: frame.h - t.h + 1}
	s.score = make([]float64, s.w*s.h)
	n := float64(t.w * t.h)

	workers := min(runtime.GOMAXPROCS(0), s.h)
	band := (s.h + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < s.h; start += band {
		end := min(start+band, s.h)
		g.Go(func() error {
			for y := start; y < end; y++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				for x := 0; x < s.w; x++ {
					s.score[y*s.w+x] = placement(frame, ii, t, n, x, y)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

func placement(frame *luma, ii *integral, t *prepared, n float64, x, y int) float64 {
	sum, sq := ii.window(x, y, t.w, t.h)
	variance := sq - sum*sum/n
	flatWindow := variance/n < flatEpsilon

	if t.flat || flatWindow {
		if t.flat && flatWindow {
			return clamp01(1 - math.Abs(sum/n-t.mean)/255)
		}
		return 0
	}

	var dot float64
	for j := 0; j < t.h; j++ {
		row := frame.pix[(y+j)*frame.w+x : (y+j)*frame.w+x+t.w]
		tr := t.zero[j*t.w : (j+1)*t.w]
		for i, v := range row {
			dot += tr[i] * v
		}
	}
	return clamp01(dot / (math.Sqrt(variance) * t.norm))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0, math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}

// best returns the highest scoring placement; ties keep the first in
// scan order.
func (s *surface) best() (image.Point, float64) {
	bestIdx := 0
	for i, v := range s.score {
		if v > s.score[bestIdx] {
			bestIdx = i
		}
	}
	return image.Pt(bestIdx%s.w, bestIdx/s.w), s.score[bestIdx]
}

// peaks returns placements scoring at least threshold that are not
// exceeded by any of their eight neighbours.
func (s *surface) peaks(threshold float64) []image.Point {
	var out []image.Point
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			v := s.at(x, y)
			if v < threshold || !s.isPeak(x, y, v) {
				continue
			}
			out = append(out, image.Pt(x, y))
		}
	}
	return out
}

func (s *surface) isPeak(x, y int, v float64) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= s.w || ny >= s.h {
				continue
			}
			if s.at(nx, ny) > v {
				return false
			}
		}
	}
	return true
}
