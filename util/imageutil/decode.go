package imageutil

import (
	"bytes"
	"image"
	"image/jpeg"

	_ "image/png"
)

var jpegEOI = []byte{0xFF, 0xD9}

// Decode fully decodes a JPEG or PNG. A JPEG whose stream ends before the end of image marker is
// retried once with the marker appended, so slightly truncated files still decode.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, format, nil
	}
	if isTruncatedJPEG(data) {
		patched := make([]byte, 0, len(data)+len(jpegEOI))
		patched = append(patched, data...)
		patched = append(patched, jpegEOI...)
		if img, retryErr := jpeg.Decode(bytes.NewReader(patched)); retryErr == nil {
			return img, "jpeg", nil
		}
	}
	return nil, format, err
}

// isTruncatedJPEG reports a stream that starts with a JPEG start of image marker but does not end
// with an end of image marker.
func isTruncatedJPEG(data []byte) bool {
	return len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8 && !bytes.HasSuffix(data, jpegEOI)
}
