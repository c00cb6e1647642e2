// Package preprocess normalizes uploaded document photos before extraction:
// decode, grayscale, re-encode as JPEG, base64. Grayscale keeps payloads
// smaller and removes color noise the model does not need.
package preprocess

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/rotisserie/eris"
)

const jpegQuality = 90

// IsValidImage reports whether data decodes as a supported image format
// (JPEG, PNG, or GIF). Used by the submission path for fast rejection of
// corrupted or unsupported uploads.
func IsValidImage(data []byte) bool {
	_, _, err := image.Decode(bytes.NewReader(data))
	return err == nil
}

// Preprocess decodes an uploaded image, converts it to grayscale, and
// returns it base64-encoded as JPEG, ready to embed in a data URL.
func Preprocess(data []byte) (string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", eris.Wrap(err, "preprocess: decode image")
	}

	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", eris.Wrapf(err, "preprocess: encode jpeg from %s", format)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
