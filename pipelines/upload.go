package pipelines

import (
	"slices"
	"strings"

	"github.com/knights-analytics/tbdetect/util/errs"
)

// Upload is one uploaded file as handed over by a transport.
type Upload struct {
	Data        []byte
	Filename    string
	ContentType string
}

// SourceType is the decoder an upload is routed to.
type SourceType string

const (
	SourceImage SourceType = "image"
	SourceDICOM SourceType = "dicom"
)

var (
	imageContentTypes = []string{"image/jpeg", "image/png", "image/jpg", "image/pjpeg", "image/x-png"}
	imageExtensions   = []string{".jpg", ".jpeg", ".png"}
	dicomContentTypes = []string{"application/dicom", "application/dicom+json", "application/dicom+octet-stream", "application/octet-stream"}
	dicomExtensions   = []string{".dcm", ".dicom"}
)

const unsupportedTypeMessage = "Unsupported file type. Upload JPG, PNG, or DICOM (.dcm)"

// Classify routes an upload by content type and filename. Image rules are checked before DICOM
// rules, so a .png sent as application/octet-stream is decoded as an image.
func Classify(u Upload) (SourceType, error) {
	filename := strings.ToLower(u.Filename)
	contentType := strings.ToLower(strings.TrimSpace(u.ContentType))
	hasSuffix := func(suffixes []string) bool {
		return slices.ContainsFunc(suffixes, func(s string) bool { return strings.HasSuffix(filename, s) })
	}

	switch {
	case slices.Contains(imageContentTypes, contentType) || hasSuffix(imageExtensions):
		return SourceImage, nil
	case hasSuffix(dicomExtensions) || slices.Contains(dicomContentTypes, contentType):
		return SourceDICOM, nil
	default:
		return "", errs.Wrapf(errs.ErrUnsupportedInputType, unsupportedTypeMessage)
	}
}
