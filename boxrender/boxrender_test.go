package boxrender

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/cverna/browserd/fault"
)

func blankImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	return img
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeBBox {
		t.Fatalf("empty: %v %v", m, err)
	}
	if m, err := ParseMode("crosshair"); err != nil || m != ModeCrosshair {
		t.Fatalf("crosshair: %v %v", m, err)
	}
	if _, err := ParseMode("sparkles"); !fault.Is(err, fault.BadArguments) {
		t.Fatalf("bad mode: %v", err)
	}
}

func TestRender_Deterministic(t *testing.T) {
	boxes := []Box{
		{X1: 40, Y1: 40, X2: 160, Y2: 100},
		{X1: 50, Y1: 60, X2: 170, Y2: 120},
		{X1: 400, Y1: 300, X2: 520, Y2: 380},
	}
	a, err := Render(blankImage(640, 480), boxes, ModeBBox)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, err := Render(blankImage(640, 480), boxes, ModeBBox)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(encode(t, a), encode(t, b)) {
		t.Fatal("two renders of the same input differ")
	}
}

func TestRender_DrawsBoxOutline(t *testing.T) {
	boxes := []Box{{X1: 100, Y1: 100, X2: 200, Y2: 160}}
	img, err := Render(blankImage(640, 480), boxes, ModeBBox)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := palette[0]
	if got := img.RGBAAt(150, 100); got != want {
		t.Fatalf("top edge: %v", got)
	}
	if got := img.RGBAAt(100, 130); got != want {
		t.Fatalf("left edge: %v", got)
	}
	if got := img.RGBAAt(150, 159); got != want {
		t.Fatalf("bottom edge: %v", got)
	}
}

func TestRender_CrosshairMarksCenter(t *testing.T) {
	boxes := []Box{{X1: 100, Y1: 100, X2: 200, Y2: 160}}
	img, err := Render(blankImage(640, 480), boxes, ModeCrosshair)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := img.RGBAAt(150, 130); got != palette[0] {
		t.Fatalf("center: %v", got)
	}
	// Box edges are not drawn in crosshair mode.
	if got := img.RGBAAt(100, 100); got != (color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("corner: %v", got)
	}
}

func TestPlaceLabels_OnePerBoxOutsideOthers(t *testing.T) {
	boxes := []Box{
		{X1: 60, Y1: 60, X2: 180, Y2: 140},
		{X1: 70, Y1: 80, X2: 190, Y2: 160},
		{X1: 75, Y1: 90, X2: 200, Y2: 170},
		{X1: 420, Y1: 80, X2: 560, Y2: 180},
		{X1: 200, Y1: 320, X2: 360, Y2: 420},
	}
	labels := placeLabels(boxes, 640, 480)
	if len(labels) != len(boxes) {
		t.Fatalf("labels: got %d, want %d", len(labels), len(boxes))
	}
	for i, l := range labels {
		for j, b := range boxes {
			if i == j {
				continue
			}
			if l.x >= b.X1 && l.x < b.X2 && l.y >= b.Y1 && l.y < b.Y2 {
				t.Errorf("label %d at (%d,%d) sits inside box %d %+v", i+1, l.x, l.y, j+1, b)
			}
		}
	}
}

func TestPlaceLabels_SeparatedFromEachOther(t *testing.T) {
	// A tight cluster forces the fan-out logic.
	boxes := []Box{
		{X1: 300, Y1: 200, X2: 340, Y2: 240},
		{X1: 310, Y1: 210, X2: 350, Y2: 250},
		{X1: 320, Y1: 220, X2: 360, Y2: 260},
	}
	labels := placeLabels(boxes, 640, 480)
	for i := 0; i < len(labels); i++ {
		for j := i + 1; j < len(labels); j++ {
			d := dist(float64(labels[i].x), float64(labels[i].y), float64(labels[j].x), float64(labels[j].y))
			if d < labelRadius {
				t.Errorf("labels %d and %d collide: %v %v", i+1, j+1, labels[i], labels[j])
			}
		}
	}
}

func TestRender_EmptyBoxes(t *testing.T) {
	src := blankImage(64, 64)
	img, err := Render(src, nil, ModeBBox)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(img.Pix, src.Pix) {
		t.Fatal("empty box list modified the image")
	}
}

func TestRender_RejectsEmptyImage(t *testing.T) {
	_, err := Render(image.NewRGBA(image.Rect(0, 0, 0, 0)), nil, ModeBBox)
	if !fault.Is(err, fault.BadArguments) {
		t.Fatalf("got %v, want bad arguments", err)
	}
}
