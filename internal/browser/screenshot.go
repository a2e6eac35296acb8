package browser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/nfnt/resize"

	"github.com/v0xg/toolhost/internal/overlay"
)

const dataURLPrefix = "data:image/png;base64,"

// finishScreenshot applies the optional click marker and width cap to a PNG.
// The input is returned untouched when neither applies.
func finishScreenshot(data []byte, maxWidth uint, click *Point) ([]byte, error) {
	if maxWidth == 0 && click == nil {
		return data, nil
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	changed := false
	if click != nil {
		at := image.Pt(int(math.Round(click.X)), int(math.Round(click.Y))).Add(img.Bounds().Min)
		img = overlay.MarkClick(img, at)
		changed = true
	}
	if maxWidth > 0 && uint(img.Bounds().Dx()) > maxWidth {
		// A zero height keeps the aspect ratio.
		img = resize.Resize(maxWidth, 0, img, resize.Lanczos3)
		changed = true
	}
	if !changed {
		return data, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeDataURL encodes PNG bytes as a data URL for transport.
func EncodeDataURL(data []byte) string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL reverses EncodeDataURL.
func DecodeDataURL(s string) ([]byte, error) {
	if len(s) < len(dataURLPrefix) || s[:len(dataURLPrefix)] != dataURLPrefix {
		return nil, fmt.Errorf("not a PNG data URL")
	}
	return base64.StdEncoding.DecodeString(s[len(dataURLPrefix):])
}
