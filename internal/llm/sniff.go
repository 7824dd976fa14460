package llm

import (
	"fmt"
	"strings"
)

// base64 magic prefixes for the image formats a screen capture can produce.
// Matching on the encoded text avoids decoding the whole payload.
const (
	pngBase64Magic  = "iVBORw0KGgo"
	jpegBase64Magic = "/9j/"
	webpBase64Magic = "UklGR"
)

// SniffImageMediaType guesses the media type of base64 image data. Defaults
// to PNG for unrecognized payloads.
func SniffImageMediaType(b64 string) string {
	switch {
	case strings.HasPrefix(b64, jpegBase64Magic):
		return "image/jpeg"
	case strings.HasPrefix(b64, webpBase64Magic):
		return "image/webp"
	case strings.HasPrefix(b64, pngBase64Magic):
		return "image/png"
	default:
		return "image/png"
	}
}

// ParseImageDataURL splits a data:image/...;base64,... URL into media type
// and payload. A missing or generic media type is sniffed from the payload.
func ParseImageDataURL(dataURL string) (mediaType, b64 string, err error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", "", fmt.Errorf("not a data URL")
	}
	rest := dataURL[len("data:"):]

	comma := strings.Index(rest, ",")
	if comma < 0 {
		return "", "", fmt.Errorf("malformed data URL: no payload")
	}
	meta, b64 := rest[:comma], rest[comma+1:]
	if b64 == "" {
		return "", "", fmt.Errorf("malformed data URL: empty payload")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", fmt.Errorf("data URL is not base64-encoded")
	}

	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" || !strings.HasPrefix(mediaType, "image/") {
		mediaType = SniffImageMediaType(b64)
	}
	return mediaType, b64, nil
}
