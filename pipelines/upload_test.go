package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/tbdetect/util/errs"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		upload Upload
		want   SourceType
	}{
		{Upload{Filename: "xray.jpg"}, SourceImage},
		{Upload{Filename: "XRAY.JPEG"}, SourceImage},
		{Upload{Filename: "scan", ContentType: "image/x-png"}, SourceImage},
		{Upload{Filename: "blob", ContentType: "IMAGE/PJPEG"}, SourceImage},
		{Upload{Filename: "scan.png", ContentType: "application/octet-stream"}, SourceImage},
		{Upload{Filename: "study.dcm"}, SourceDICOM},
		{Upload{Filename: "study.DICOM"}, SourceDICOM},
		{Upload{Filename: "upload", ContentType: "application/dicom"}, SourceDICOM},
		{Upload{Filename: "upload", ContentType: "application/octet-stream"}, SourceDICOM},
	}
	for _, c := range cases {
		got, err := Classify(c.upload)
		assert.NoError(t, err, c.upload.Filename)
		assert.Equal(t, c.want, got, c.upload.Filename)
	}
}

func TestClassifyUnsupported(t *testing.T) {
	for _, u := range []Upload{
		{Filename: "notes.txt", ContentType: "text/plain"},
		{Filename: "scan.gif", ContentType: "image/gif"},
		{},
	} {
		_, err := Classify(u)
		assert.ErrorIs(t, err, errs.ErrUnsupportedInputType)
		assert.Contains(t, err.Error(), "Upload JPG, PNG, or DICOM (.dcm)")
	}
}
