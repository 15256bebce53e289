package vision

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/keyreplay/internal/platform"
)

func noise(w, h int, seed uint64) *image.RGBA {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.IntN(256))
		img.Pix[i+1] = uint8(rng.IntN(256))
		img.Pix[i+2] = uint8(rng.IntN(256))
		img.Pix[i+3] = 255
	}
	return img
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func crop(src image.Image, r image.Rectangle) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), src, r.Min, draw.Src)
	return out
}

func paste(dst *image.RGBA, src image.Image, at image.Point) {
	draw.Draw(dst, src.Bounds().Add(at), src, src.Bounds().Min, draw.Src)
}

func newMatcher(t *testing.T, frames platform.FrameSource) *Matcher {
	t.Helper()
	m, err := NewMatcher(frames, MatcherOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return m
}

func mustTemplate(t *testing.T, name string, img image.Image) *Template {
	t.Helper()
	tmpl, err := NewTemplate(name, img)
	require.NoError(t, err)
	return tmpl
}

func TestFindImageExactCopy(t *testing.T) {
	screen := noise(80, 60, 1)
	tmpl := mustTemplate(t, "patch", crop(screen, image.Rect(30, 20, 42, 30)))
	m := newMatcher(t, platform.NewStaticFrames(screen))

	res, found, err := m.FindImage(context.Background(), tmpl)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 1.0, res.Confidence, 1e-6)
	assert.Equal(t, image.Rect(30, 20, 42, 30), res.Region)
	assert.Equal(t, image.Pt(36, 25), res.Position)
	assert.Equal(t, image.Pt(12, 10), res.TemplateSize)
}

func TestFindImageDissimilarFrame(t *testing.T) {
	tmpl := mustTemplate(t, "patch", crop(noise(80, 60, 1), image.Rect(30, 20, 42, 30)))
	m := newMatcher(t, platform.NewStaticFrames(noise(80, 60, 2)))

	_, found, err := m.FindImage(context.Background(), tmpl)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindImageThresholdOption(t *testing.T) {
	screen := noise(40, 40, 3)
	patch := crop(screen, image.Rect(10, 10, 20, 20))
	// Perturb the patch so the match is good but not perfect.
	for i := 0; i < len(patch.Pix); i += 4 * 7 {
		patch.Pix[i] = 255 - patch.Pix[i]
	}
	tmpl := mustTemplate(t, "noisy", patch)
	m := newMatcher(t, platform.NewStaticFrames(screen))

	res, found, err := m.FindImage(context.Background(), tmpl, WithThreshold(0.5))
	require.NoError(t, err)
	require.True(t, found)
	assert.Less(t, res.Confidence, 1.0)
	assert.Equal(t, image.Pt(10, 10), res.Region.Min)

	_, found, err = m.FindImage(context.Background(), tmpl, WithThreshold(0.9999))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindImageTemplateLargerThanFrame(t *testing.T) {
	m := newMatcher(t, platform.NewStaticFrames(noise(10, 10, 4)))
	_, found, err := m.FindImage(context.Background(), mustTemplate(t, "big", noise(20, 5, 5)))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindImageArea(t *testing.T) {
	screen := noise(100, 100, 6)
	tmpl := mustTemplate(t, "patch", crop(screen, image.Rect(70, 70, 80, 80)))
	m := newMatcher(t, platform.NewStaticFrames(screen))
	ctx := context.Background()

	_, found, err := m.FindImage(ctx, tmpl, WithArea(image.Rect(0, 0, 50, 50)))
	require.NoError(t, err)
	assert.False(t, found)

	res, found, err := m.FindImage(ctx, tmpl, WithArea(image.Rect(60, 60, 100, 100)))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, image.Rect(70, 70, 80, 80), res.Region)
}

func TestFindImageSolidTemplate(t *testing.T) {
	screen := noise(50, 50, 7)
	red := color.RGBA{R: 200, A: 255}
	paste(screen, solid(10, 10, red), image.Pt(20, 5))
	m := newMatcher(t, platform.NewStaticFrames(screen))

	res, found, err := m.FindImage(context.Background(), mustTemplate(t, "red", solid(6, 6, red)))
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
	assert.True(t, res.Region.In(image.Rect(20, 5, 30, 15)))
}

func TestFindAllImagesRanksAndSuppresses(t *testing.T) {
	screen := noise(120, 80, 8)
	patch := noise(10, 8, 9)
	paste(screen, patch, image.Pt(5, 5))
	paste(screen, patch, image.Pt(70, 40))

	faded := crop(patch, patch.Bounds())
	for i := 0; i < len(faded.Pix); i += 4 * 11 {
		faded.Pix[i+1] = 255 - faded.Pix[i+1]
	}
	paste(screen, faded, image.Pt(40, 60))

	tmpl := mustTemplate(t, "patch", patch)
	m := newMatcher(t, platform.NewStaticFrames(screen))

	all, err := m.FindAllImages(context.Background(), tmpl, WithThreshold(0.7))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.InDelta(t, 1.0, all[0].Confidence, 1e-6)
	assert.InDelta(t, 1.0, all[1].Confidence, 1e-6)
	assert.Less(t, all[2].Confidence, all[1].Confidence)
	assert.Equal(t, image.Pt(40, 60), all[2].Region.Min)

	mins := []image.Point{all[0].Region.Min, all[1].Region.Min}
	assert.ElementsMatch(t, []image.Point{image.Pt(5, 5), image.Pt(70, 40)}, mins)

	for i := range all {
		for j := i + 1; j < len(all); j++ {
			assert.False(t, all[i].Region.Overlaps(all[j].Region))
		}
	}

	one, err := m.FindAllImages(context.Background(), tmpl, WithThreshold(0.7), WithMaxResults(1))
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestSuppressDropsOverlaps(t *testing.T) {
	mk := func(x, y int, c float64) MatchResult {
		return MatchResult{Confidence: c, Region: image.Rect(x, y, x+10, y+10)}
	}
	kept := suppress([]MatchResult{mk(0, 0, 0.99), mk(3, 3, 0.95), mk(20, 0, 0.9), mk(25, 5, 0.85)}, 0)
	require.Len(t, kept, 2)
	assert.Equal(t, 0.99, kept[0].Confidence)
	assert.Equal(t, 0.9, kept[1].Confidence)
}

func TestWaitForImageAppears(t *testing.T) {
	blank := solid(60, 40, color.White)
	patch := noise(8, 8, 10)
	frames := platform.NewStaticFrames(blank)
	m := newMatcher(t, frames)

	go func() {
		time.Sleep(30 * time.Millisecond)
		screen := solid(60, 40, color.White)
		paste(screen, patch, image.Pt(12, 14))
		frames.SetScreen(screen)
	}()

	res, found, err := m.WaitForImage(context.Background(), mustTemplate(t, "p", patch), WaitOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, image.Pt(12, 14), res.Region.Min)
}

func TestWaitForImageTimeout(t *testing.T) {
	m := newMatcher(t, platform.NewStaticFrames(solid(30, 30, color.Black)))
	start := time.Now()
	_, found, err := m.WaitForImage(context.Background(), mustTemplate(t, "p", noise(5, 5, 11)), WaitOptions{Timeout: 40 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, found)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitForImageCancelled(t *testing.T) {
	m := newMatcher(t, platform.NewStaticFrames(solid(30, 30, color.Black)))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, found, err := m.WaitForImage(ctx, mustTemplate(t, "p", noise(5, 5, 12)), WaitOptions{})
	assert.False(t, found)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForImageDisappear(t *testing.T) {
	patch := noise(8, 8, 13)
	screen := solid(40, 40, color.White)
	paste(screen, patch, image.Pt(3, 3))
	frames := platform.NewStaticFrames(screen)
	m := newMatcher(t, frames)
	tmpl := mustTemplate(t, "p", patch)

	gone, err := m.WaitForImageDisappear(context.Background(), tmpl, WaitOptions{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, gone)

	time.AfterFunc(20*time.Millisecond, func() { frames.SetScreen(solid(40, 40, color.White)) })
	gone, err = m.WaitForImageDisappear(context.Background(), tmpl, WaitOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestCalculateSimilarity(t *testing.T) {
	a := noise(20, 20, 14)
	assert.InDelta(t, 1.0, CalculateSimilarity(a, a), 1e-9)
	assert.InDelta(t, 0.0, CalculateSimilarity(solid(4, 4, color.Black), solid(4, 4, color.White)), 1e-9)
	assert.InDelta(t, 1.0, CalculateSimilarity(solid(10, 10, color.Gray{Y: 90}), solid(3, 7, color.Gray{Y: 90})), 0.01)

	grey := CalculateSimilarity(solid(4, 4, color.Black), solid(4, 4, color.Gray{Y: 51}))
	assert.InDelta(t, 0.8, grey, 1e-9)

	assert.Equal(t, 0.0, CalculateSimilarity(image.NewRGBA(image.Rectangle{}), a))
}

func TestMatcherDefaults(t *testing.T) {
	m := newMatcher(t, platform.NewStaticFrames(noise(4, 4, 18)))
	m.SetThreshold(0.95)
	m.SetThreshold(2)
	m.SetPollInterval(0)
	threshold, interval := m.Defaults()
	assert.Equal(t, 0.95, threshold)
	assert.Equal(t, DefaultPollInterval, interval)
}

func TestNewTemplateRejectsEmpty(t *testing.T) {
	_, err := NewTemplate("empty", image.NewRGBA(image.Rectangle{}))
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = NewMatcher(nil, MatcherOptions{})
	assert.ErrorIs(t, err, platform.ErrUnsupported)
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestTemplateStoreLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "ok-button.png"), noise(6, 4, 15))
	writePNG(t, filepath.Join(dir, "spinner.PNG"), noise(5, 5, 16))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	store := NewTemplateStore()
	n, err := store.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"ok-button", "spinner"}, store.Names())

	tmpl, ok := store.Get("ok-button")
	require.True(t, ok)
	assert.Equal(t, image.Pt(6, 4), tmpl.Size())

	assert.True(t, store.Remove("spinner"))
	assert.False(t, store.Remove("spinner"))

	_, err = store.LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestGate(t *testing.T) {
	patch := noise(8, 8, 17)
	screen := solid(40, 40, color.White)
	paste(screen, patch, image.Pt(10, 10))

	store := NewTemplateStore()
	store.Add(mustTemplate(t, "dialog", patch))
	m := newMatcher(t, platform.NewStaticFrames(screen))
	m.SetPollInterval(time.Millisecond)
	gate := NewGate(m, store)
	ctx := context.Background()

	found, err := gate.WaitTemplate(ctx, "dialog", 0.9, time.Second)
	require.NoError(t, err)
	assert.True(t, found)

	gone, err := gate.WaitTemplateGone(ctx, "dialog", 0.9, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, gone)

	_, err = gate.WaitTemplate(ctx, "missing", 0.9, time.Second)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

// blobs draws soft grey discs on a mid-grey background, giving the smooth
// structure of real screens.
func blobs(w, h, count int, seed uint64) *image.RGBA {
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	lum := make([]float64, w*h)
	for i := range lum {
		lum[i] = 128
	}
	for range count {
		cx, cy := rng.Float64()*float64(w), rng.Float64()*float64(h)
		radius := 8 + rng.Float64()*24
		amp := rng.Float64()*160 - 80
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				d2 := (dx*dx + dy*dy) / (radius * radius)
				if d2 < 4 {
					lum[y*w+x] += amp * (1 - d2/4)
				}
			}
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, v := range lum {
		g := uint8(min(max(v, 0), 255))
		img.Pix[4*i], img.Pix[4*i+1], img.Pix[4*i+2], img.Pix[4*i+3] = g, g, g, 255
	}
	return img
}

func TestLargeTemplateUsesCoarseLevel(t *testing.T) {
	tmpl := mustTemplate(t, "panel", blobs(64, 48, 6, 20))
	assert.Equal(t, 4, tmpl.prep.step)
	require.NotNil(t, tmpl.prep.coarse)
	assert.Equal(t, 16, tmpl.prep.coarse.w)
	assert.Equal(t, 12, tmpl.prep.coarse.h)

	small := mustTemplate(t, "icon", noise(20, 30, 21))
	assert.Nil(t, small.prep.coarse)
}

func TestCoarseToFineFindsExactRegion(t *testing.T) {
	screen := blobs(400, 300, 40, 22)
	want := image.Rect(101, 77, 165, 125)
	tmpl := mustTemplate(t, "panel", crop(screen, want))
	require.NotNil(t, tmpl.prep.coarse)
	m := newMatcher(t, platform.NewStaticFrames(screen))

	res, found, err := m.FindImage(context.Background(), tmpl)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, res.Region)
	assert.InDelta(t, 1.0, res.Confidence, 1e-6)

	full, found, err := m.FindImage(context.Background(), tmpl, WithExhaustive())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, full.Region, res.Region)

	all, err := m.FindAllImages(context.Background(), tmpl)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, want, all[0].Region)
}

func TestCoarseToFineRejectsAbsentTemplate(t *testing.T) {
	tmpl := mustTemplate(t, "panel", crop(blobs(400, 300, 40, 23), image.Rect(40, 40, 104, 88)))
	m := newMatcher(t, platform.NewStaticFrames(solid(400, 300, color.Gray{Y: 128})))

	_, found, err := m.FindImage(context.Background(), tmpl)
	require.NoError(t, err)
	assert.False(t, found)
}
