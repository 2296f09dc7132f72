package facecache

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"math/rand"

	"github.com/rs/zerolog/log"
)

// Perturb nudges a handful of pixels by a small random amount so the image's
// content hash differs from every previous submission while staying visually
// identical. Re-encodes as JPEG. On any decode failure the original bytes are
// returned unchanged.
func Perturb(imageBytes []byte, rnd *rand.Rand) []byte {
	if len(imageBytes) == 0 {
		return imageBytes
	}

	src, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		log.Warn().Err(err).Msg("failed to decode verification image, uploading as is")
		return imageBytes
	}

	bounds := src.Bounds()
	if bounds.Dx() < 20 || bounds.Dy() < 20 {
		return imageBytes
	}

	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, src, bounds.Min, draw.Src)

	numPixels := 5 + rnd.Intn(11)
	for i := 0; i < numPixels; i++ {
		// stay off the edges, the change should not be noticeable
		x := bounds.Min.X + 10 + rnd.Intn(bounds.Dx()-20)
		y := bounds.Min.Y + 10 + rnd.Intn(bounds.Dy()-20)

		c := rgba.RGBAAt(x, y)
		channels := []*uint8{&c.R, &c.G, &c.B}
		for j := 0; j < 1+rnd.Intn(3); j++ {
			ch := channels[rnd.Intn(3)]
			*ch = clampUint8(int(*ch) + rnd.Intn(11) - 5)
		}
		rgba.SetRGBA(x, y, c)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, rgba, &jpeg.Options{Quality: 95}); err != nil {
		log.Warn().Err(err).Msg("failed to re-encode verification image, uploading as is")
		return imageBytes
	}
	return out.Bytes()
}

func clampUint8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
