package models

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

// MaxImageSize is the largest accepted image payload (20MB).
const MaxImageSize = 20 * 1024 * 1024

// ValidMediaTypes contains the image media types accepted for upload and edit.
var ValidMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// formatMediaTypes maps image.DecodeConfig format names to media types.
var formatMediaTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"gif":  "image/gif",
}

// ImageAsset is an encoded image exchanged with the model. Edits produce a new
// asset; an existing one is never modified.
type ImageAsset struct {
	Data      []byte
	MediaType string
	Width     int
	Height    int
}

// Empty reports whether the asset carries no payload.
func (a ImageAsset) Empty() bool {
	return len(a.Data) == 0
}

// Base64 returns the payload in standard base64.
func (a ImageAsset) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

// DataURI renders the asset as data:<type>;base64,<payload>.
func (a ImageAsset) DataURI() string {
	return "data:" + a.MediaType + ";base64," + a.Base64()
}

// DecodeImage validates raw bytes as an image and returns an asset for them.
// The declared media type is checked against the decoded format; when they
// disagree the decoded format wins.
func DecodeImage(data []byte, declaredType string) (ImageAsset, error) {
	const op = "decode image"

	if len(data) == 0 {
		return ImageAsset{}, WrapError(ErrImageRead, op, fmt.Errorf("empty payload"))
	}
	if len(data) > MaxImageSize {
		return ImageAsset{}, WrapError(ErrImageRead, op,
			fmt.Errorf("%d bytes exceeds max %d", len(data), MaxImageSize))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageAsset{}, WrapError(ErrImageRead, op, err)
	}
	mediaType, ok := formatMediaTypes[format]
	if !ok {
		return ImageAsset{}, WrapError(ErrImageRead, op, fmt.Errorf("unsupported format %q", format))
	}

	declared := normalizeMediaType(declaredType)
	if declared != "" && !ValidMediaTypes[declared] {
		return ImageAsset{}, WrapError(ErrImageRead, op, fmt.Errorf("unsupported media type %q", declaredType))
	}

	return ImageAsset{
		Data:      data,
		MediaType: mediaType,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}, nil
}

// ParseDataURI decodes either a data URI or bare base64 into bytes and the
// media type it declares. fallbackType is used when the input carries none.
func ParseDataURI(s, fallbackType string) ([]byte, string, error) {
	payload := strings.TrimSpace(s)
	mediaType := fallbackType

	if strings.HasPrefix(payload, "data:") {
		header, body, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, "", fmt.Errorf("%w: malformed data URI", ErrInvalidInput)
		}
		meta := strings.TrimPrefix(header, "data:")
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("%w: data URI is not base64 encoded", ErrInvalidInput)
		}
		if mt := strings.TrimSuffix(meta, ";base64"); mt != "" {
			mediaType = mt
		}
		payload = body
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: invalid base64: %w", ErrInvalidInput, err)
	}
	return data, normalizeMediaType(mediaType), nil
}

func normalizeMediaType(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}
