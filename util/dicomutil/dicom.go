package dicomutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Parse reads a DICOM dataset. Files without a preamble and file meta header are retried with
// metadata parsing disabled, the way lenient readers force a read.
func Parse(data []byte) (dicom.Dataset, error) {
	dataset, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.AllowMismatchPixelDataLength())
	if err == nil {
		return dataset, nil
	}
	forced, forceErr := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil,
		dicom.AllowMismatchPixelDataLength(), dicom.SkipMetadataReadOnNewParserInit())
	if forceErr != nil {
		return dicom.Dataset{}, errors.Join(err, forceErr)
	}
	return forced, nil
}

// ReadPixelArray collects every frame of the dataset's pixel data. A single frame has shape
// (H, W) or (H, W, S), several frames (F, H, W) or (F, H, W, S).
func ReadPixelArray(dataset dicom.Dataset) (*PixelArray, error) {
	element, err := dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("dataset has no pixel data: %w", err)
	}
	info, ok := element.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel data value %T", element.Value.GetValue())
	}
	if len(info.Frames) == 0 {
		return nil, errors.New("pixel data holds no frames")
	}

	var rows, cols, samples int
	var data []float64
	for i := range info.Frames {
		fr := info.Frames[i]
		var frameRows, frameCols, frameSamples int
		var frameData []float64
		if fr.Encapsulated {
			img, imgErr := fr.GetImage()
			if imgErr != nil {
				return nil, fmt.Errorf("cannot decode encapsulated frame %d: %w", i, imgErr)
			}
			frameRows, frameCols, frameSamples, frameData = imageSamples(img)
		} else {
			native := fr.NativeData
			frameRows, frameCols = native.Rows, native.Cols
			if len(native.Data) > 0 {
				frameSamples = len(native.Data[0])
			}
			frameData = make([]float64, 0, len(native.Data)*frameSamples)
			for _, pixel := range native.Data {
				for s := range frameSamples {
					frameData = append(frameData, float64(pixel[s]))
				}
			}
		}
		if i == 0 {
			rows, cols, samples = frameRows, frameCols, frameSamples
		} else if frameRows != rows || frameCols != cols || frameSamples != samples {
			return nil, fmt.Errorf("frame %d is %dx%dx%d, expected %dx%dx%d", i, frameRows, frameCols, frameSamples, rows, cols, samples)
		}
		data = append(data, frameData...)
	}
	if rows <= 0 || cols <= 0 || samples <= 0 || len(data) != len(info.Frames)*rows*cols*samples {
		return nil, fmt.Errorf("pixel data of %d samples does not fill %d frames of %dx%dx%d", len(data), len(info.Frames), rows, cols, samples)
	}

	shape := []int{rows, cols}
	if samples > 1 {
		shape = append(shape, samples)
	}
	if len(info.Frames) > 1 {
		shape = append([]int{len(info.Frames)}, shape...)
	}
	return &PixelArray{Shape: shape, Data: data, SamplesPerPixel: samples}, nil
}

func imageSamples(img image.Image) (int, int, int, []float64) {
	bounds := img.Bounds()
	rows, cols := bounds.Dy(), bounds.Dx()
	_, grey16 := img.(*image.Gray16)
	_, grey8 := img.(*image.Gray)
	samples := 3
	if grey16 || grey8 {
		samples = 1
	}
	data := make([]float64, 0, rows*cols*samples)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			if samples == 1 {
				data = append(data, float64(r))
			} else {
				data = append(data, float64(r), float64(g), float64(b))
			}
		}
	}
	return rows, cols, samples, data
}

// Decode parses a DICOM file, selects the middle frame of multi-frame data and returns it as an
// 8-bit grey or colour image.
func Decode(data []byte) (image.Image, error) {
	dataset, err := Parse(data)
	if err != nil {
		return nil, err
	}
	pixels, err := ReadPixelArray(dataset)
	if err != nil {
		return nil, err
	}
	pixels, err = MiddleSlice(pixels)
	if err != nil {
		return nil, err
	}
	return ToImage(pixels)
}
