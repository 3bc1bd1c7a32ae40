package backends

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/util/errs"
	"github.com/knights-analytics/tbdetect/util/fileutil"
)

// InputContract is the input signature a model declares, whatever representation it came from.
type InputContract interface {
	// InputShape is the representative declared input shape, batch dimension included.
	InputShape() Shape
	// InputCount is the number of inputs the model is fed, at least 1.
	InputCount() int
}

// graphContract reads the contract from the inputs declared by the graph itself.
type graphContract struct {
	inputs []InputOutputInfo
}

// NewGraphContract returns the contract declared by a graph's inputs.
func NewGraphContract(inputs []InputOutputInfo) InputContract {
	return graphContract{inputs: inputs}
}

func (g graphContract) InputShape() Shape {
	if len(g.inputs) == 0 {
		return nil
	}
	return g.inputs[0].Dimensions
}

func (g graphContract) InputCount() int {
	return max(1, len(g.inputs))
}

// metadataContract reads the contract from a sidecar file. Lists of shapes or of input layers
// take precedence over a single shape or a single input layer.
type metadataContract struct {
	shapes []Shape
	single Shape
}

func (m metadataContract) InputShape() Shape {
	if len(m.shapes) > 0 {
		return m.shapes[0]
	}
	return m.single
}

func (m metadataContract) InputCount() int {
	if len(m.shapes) > 0 {
		return len(m.shapes)
	}
	return 1
}

// Metadata is the optional JSON sidecar stored next to a model as <name>.json. input_shape may be
// a single shape or a list of shapes; inputs/input describe input layers. Unknown dimensions
// are null.
type Metadata struct {
	InputShape jsoniter.RawMessage `json:"input_shape"`
	Inputs     []LayerMetadata     `json:"inputs"`
	Input      *LayerMetadata      `json:"input"`
	Layout     options.Layout      `json:"layout"`
}

type LayerMetadata struct {
	Name  string   `json:"name"`
	Shape []*int64 `json:"shape"`
}

func metadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, options.ModelExtension) + ".json"
}

func loadMetadata(ctx context.Context, modelPath string) (*Metadata, error) {
	path := metadataPath(modelPath)
	if path == modelPath {
		return nil, nil
	}
	exists, err := fileutil.FileExists(ctx, path)
	if err != nil || !exists {
		return nil, err
	}
	raw, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	return ParseMetadata(raw)
}

func ParseMetadata(raw []byte) (*Metadata, error) {
	metadata := &Metadata{}
	if err := jsoniter.Unmarshal(raw, metadata); err != nil {
		return nil, fmt.Errorf("cannot parse model metadata: %w", err)
	}
	if metadata.Layout != "" {
		layout := options.Layout(strings.ToUpper(string(metadata.Layout)))
		if layout != options.LayoutNHWC && layout != options.LayoutNCHW {
			return nil, fmt.Errorf("metadata layout %q is not supported", metadata.Layout)
		}
		metadata.Layout = layout
	}
	if _, err := metadata.shapes(); err != nil {
		return nil, err
	}
	return metadata, nil
}

// Contract returns the input contract described by the sidecar.
func (m *Metadata) Contract() InputContract {
	contract, _ := m.shapes()
	return contract
}

func (m *Metadata) shapes() (metadataContract, error) {
	var contract metadataContract
	if len(m.InputShape) > 0 && string(m.InputShape) != "null" {
		var list [][]*int64
		if err := jsoniter.Unmarshal(m.InputShape, &list); err == nil && len(list) > 0 {
			for _, s := range list {
				contract.shapes = append(contract.shapes, toShape(s))
			}
			return contract, nil
		}
		var single []*int64
		if err := jsoniter.Unmarshal(m.InputShape, &single); err != nil {
			return contract, fmt.Errorf("input_shape must be a shape or a list of shapes: %w", err)
		}
		contract.single = toShape(single)
	}
	if len(m.Inputs) > 0 {
		for _, layer := range m.Inputs {
			contract.shapes = append(contract.shapes, toShape(layer.Shape))
		}
		return contract, nil
	}
	if contract.single == nil && m.Input != nil {
		contract.single = toShape(m.Input.Shape)
	}
	if contract.single == nil {
		return contract, fmt.Errorf("metadata declares no input shape")
	}
	return contract, nil
}

func toShape(dims []*int64) Shape {
	shape := make(Shape, len(dims))
	for i, d := range dims {
		if d == nil {
			shape[i] = -1
		} else {
			shape[i] = *d
		}
	}
	return shape
}

// TargetShape is the spatial size and channel count a model expects for one image.
type TargetShape struct {
	Height   int `json:"height"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// Dims returns [H, W, C].
func (t TargetShape) Dims() []int {
	return []int{t.Height, t.Width, t.Channels}
}

// TargetShapeOf derives the per-image target from a 4 dimensional declared input shape. An
// unspecified channel dimension means 3 channels.
func TargetShapeOf(contract InputContract, layout options.Layout) (TargetShape, error) {
	shape := contract.InputShape()
	if len(shape) != 4 {
		return TargetShape{}, errs.Wrapf(errs.ErrUnsupportedModelShape, "Unsupported model input shape: %s", shape)
	}
	var h, w, c int64
	if layout == options.LayoutNCHW {
		c, h, w = shape[1], shape[2], shape[3]
	} else {
		h, w, c = shape[1], shape[2], shape[3]
	}
	if c <= 0 {
		c = 3
	}
	if h <= 0 || w <= 0 {
		return TargetShape{}, errs.Wrapf(errs.ErrUnsupportedModelShape, "Unsupported model input shape: %s has dynamic height or width", shape)
	}
	if c != 1 && c != 3 {
		return TargetShape{}, errs.Wrapf(errs.ErrUnsupportedModelShape, "Unsupported model input shape: %s needs %d channels, only 1 or 3 are supported", shape, c)
	}
	return TargetShape{Height: int(h), Width: int(w), Channels: int(c)}, nil
}
