package fingerprint

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"
)

// testImage builds a deterministic 128x128 image of 16x16 flat blocks.
// Block structure survives downscaling, so re-encoding should barely
// move the hash while a different seed produces an unrelated one.
func testImage(seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, 128, 128))
	for by := 0; by < 8; by++ {
		for bx := 0; bx < 8; bx++ {
			v := uint8(rng.Intn(256))
			for y := by * 16; y < (by+1)*16; y++ {
				for x := bx * 16; x < (bx+1)*16; x++ {
					img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
				}
			}
		}
	}
	return img
}

func TestHashSurvivesReencoding(t *testing.T) {
	t.Parallel()
	img := testImage(1)

	var pngBuf, jpgBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	if err := jpeg.Encode(&jpgBuf, img, &jpeg.Options{Quality: 70}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}

	hPNG, err := Decode(&pngBuf)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	hJPG, err := Decode(&jpgBuf)
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}

	if d := Distance(hPNG, hJPG); d > 5 {
		t.Fatalf("re-encoded image drifted %d bits, want <= 5", d)
	}
}

func TestDistinctImagesAreFarApart(t *testing.T) {
	t.Parallel()
	a := FromImage(testImage(1))
	b := FromImage(testImage(2))

	if d := Distance(a, b); d <= 10 {
		t.Fatalf("unrelated images only %d bits apart", d)
	}
}

func TestDistance(t *testing.T) {
	t.Parallel()
	if d := Distance(0, 0); d != 0 {
		t.Fatalf("Distance(0,0) = %d", d)
	}
	if d := Distance(0, ^Hash(0)); d != 64 {
		t.Fatalf("Distance(0,~0) = %d", d)
	}
	if d := Distance(0b1011, 0b0001); d != 2 {
		t.Fatalf("Distance = %d, want 2", d)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := Decode(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Fatal("expected decode error")
	}
}
