package fingerprint

import (
	"fmt"
	"image"
	"io"
	"math/bits"

	"github.com/disintegration/imaging"

	// Register decoders for the formats Telegram media comes in.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Hash is a 64-bit perceptual difference hash (dHash). Visually identical
// images survive re-encoding and mild re-compression with a Hamming
// distance of a few bits; unrelated images land ~32 bits apart.
type Hash uint64

const (
	dhashW = 9
	dhashH = 8
)

// FromImage computes the dHash of an already-decoded image: scale to 9x8
// grayscale, then emit one bit per horizontally adjacent pixel pair.
func FromImage(img image.Image) Hash {
	small := imaging.Grayscale(imaging.Resize(img, dhashW, dhashH, imaging.Lanczos))

	var h Hash
	for y := 0; y < dhashH; y++ {
		for x := 0; x < dhashW-1; x++ {
			h <<= 1
			if lumaAt(small, x, y) < lumaAt(small, x+1, y) {
				h |= 1
			}
		}
	}
	return h
}

// Decode reads and hashes an encoded image (jpeg/png/gif/webp).
func Decode(r io.Reader) (Hash, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: decode image: %w", err)
	}
	return FromImage(img), nil
}

// Distance is the Hamming distance between two hashes.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

func lumaAt(img *image.NRGBA, x, y int) uint8 {
	// Grayscale() output has R == G == B.
	return img.Pix[img.PixOffset(x, y)]
}
