package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/tbdetect/options"
)

// goRuntime runs graphs with the pure Go gonnx interpreter. It needs no shared library but only
// supports a subset of ONNX operators.
type goRuntime struct{}

func (*goRuntime) Name() string {
	return "GO"
}

func (*goRuntime) NewSession(onnxBytes []byte, _ *options.Options) (Session, error) {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputs, outputs := loadInputOutputMetaGo(model)
	return &goSession{model: model, inputs: inputs, outputs: outputs}, nil
}

func (*goRuntime) Destroy() error {
	return nil
}

type goSession struct {
	model   *gonnx.Model
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func (s *goSession) Inputs() []InputOutputInfo  { return s.inputs }
func (s *goSession) Outputs() []InputOutputInfo { return s.outputs }

func (s *goSession) Run(inputs []*Tensor) ([]float32, error) {
	if len(inputs) != len(s.inputs) {
		return nil, fmt.Errorf("model has %d inputs, got %d tensors", len(s.inputs), len(inputs))
	}
	inputMap := make(map[string]tensor.Tensor, len(inputs))
	for i, t := range inputs {
		inputMap[s.inputs[i].Name] = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(t.Shape.ValuesInt()...),
			tensor.WithBacking(t.Data),
		)
	}
	outputs, err := s.model.Run(inputMap)
	if err != nil {
		return nil, err
	}
	first, ok := outputs[s.outputs[0].Name]
	if !ok {
		return nil, fmt.Errorf("model produced no value for output %s", s.outputs[0].Name)
	}
	switch data := first.Data().(type) {
	case []float32:
		result := make([]float32, len(data))
		copy(result, data)
		return result, nil
	case float32:
		return []float32{data}, nil
	case []float64:
		result := make([]float32, len(data))
		for i, v := range data {
			result[i] = float32(v)
		}
		return result, nil
	case float64:
		return []float32{float32(data)}, nil
	default:
		return nil, fmt.Errorf("model output %s has unsupported type %T", s.outputs[0].Name, data)
	}
}

func (s *goSession) Destroy() error {
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = dynamicAsNegative(y.Size)
		}
		inputs = append(inputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = dynamicAsNegative(y.Size)
		}
		outputs = append(outputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	return inputs, outputs
}

// gonnx reports dynamic dimensions with size 0.
func dynamicAsNegative(size int64) int64 {
	if size <= 0 {
		return -1
	}
	return size
}
