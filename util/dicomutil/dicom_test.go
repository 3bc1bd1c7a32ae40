package dicomutil

import (
	"bytes"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func element(t *testing.T, tg tag.Tag, value any) *dicom.Element {
	t.Helper()
	e, err := dicom.NewElement(tg, value)
	require.NoError(t, err)
	return e
}

// writeVolume encodes a 16-bit monochrome 4x4 volume whose frame f holds 100*f+i at pixel i.
func writeVolume(t *testing.T, frames int) []byte {
	t.Helper()
	info := dicom.PixelDataInfo{}
	for f := range frames {
		data := make([][]int, 16)
		for i := range data {
			data[i] = []int{100*f + i}
		}
		info.Frames = append(info.Frames, &frame.Frame{
			NativeData: frame.NativeFrame{BitsPerSample: 16, Rows: 4, Cols: 4, Data: data},
		})
	}
	dataset := dicom.Dataset{Elements: []*dicom.Element{
		element(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}),
		element(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4"}),
		element(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		element(t, tag.Rows, []int{4}),
		element(t, tag.Columns, []int{4}),
		element(t, tag.BitsAllocated, []int{16}),
		element(t, tag.BitsStored, []int{16}),
		element(t, tag.HighBit, []int{15}),
		element(t, tag.PixelRepresentation, []int{0}),
		element(t, tag.SamplesPerPixel, []int{1}),
		element(t, tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		element(t, tag.NumberOfFrames, []string{"5"}),
		element(t, tag.PixelData, info),
	}}
	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, dataset))
	return buf.Bytes()
}

func TestReadPixelArray(t *testing.T) {
	dataset, err := Parse(writeVolume(t, 5))
	require.NoError(t, err)
	pixels, err := ReadPixelArray(dataset)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 4}, pixels.Shape)
	assert.Equal(t, 1, pixels.SamplesPerPixel)
	assert.Equal(t, 215.0, pixels.Data[2*16+15])
}

func TestDecodeMultiFrame(t *testing.T) {
	img, err := Decode(writeVolume(t, 5))
	require.NoError(t, err)
	require.IsType(t, &image.Gray{}, img)
	grey := img.(*image.Gray)
	assert.Equal(t, image.Rect(0, 0, 4, 4), grey.Bounds())
	for i, v := range grey.Pix {
		assert.Equal(t, uint8(i*17), v, "pixel %d", i)
	}
}
