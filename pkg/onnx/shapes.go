package onnx

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/strataviz/strata/pkg/tensor"
)

// ShapeInference is the result of static shape propagation over a graph.
// Shapes use -1 for dimensions that are not fixed.
type ShapeInference struct {
	Shapes map[string][]int
	// Skipped maps value names whose shape could not be inferred to the reason.
	Skipped map[string]string
}

// InferShapes propagates shapes from graph inputs, initializers and value_info through the nodes.
// Nodes must already be in topological order, which well-formed ONNX graphs guarantee.
func InferShapes(g *Graph) *ShapeInference {
	r := &ShapeInference{
		Shapes:  make(map[string][]int),
		Skipped: make(map[string]string),
	}
	consts := make(map[string]*TensorProto)
	for _, init := range g.Initializers {
		r.Shapes[init.Name] = init.Shape()
		consts[init.Name] = init
	}
	for _, list := range [][]*ValueInfo{g.Inputs, g.ValueInfo, g.Outputs} {
		for _, vi := range list {
			if s := vi.StaticShape(); s != nil {
				if _, ok := r.Shapes[vi.Name]; !ok {
					r.Shapes[vi.Name] = s
				}
			}
		}
	}

	for _, n := range g.Nodes {
		if n.OpType == "Constant" {
			if a := n.Attr("value"); a != nil && a.T != nil && len(n.Outputs) > 0 {
				consts[n.Outputs[0]] = a.T
			}
		}

		ins := make([][]int, len(n.Inputs))
		for i, name := range n.Inputs {
			if name != "" {
				ins[i] = r.Shapes[name]
			}
		}
		if len(n.Outputs) == 0 || n.Outputs[0] == "" {
			continue
		}
		out := n.Outputs[0]
		if _, ok := r.Shapes[out]; ok {
			continue
		}
		shape, err := inferNode(n, ins, consts)
		if err != nil {
			r.Skipped[out] = err.Error()
			continue
		}
		r.Shapes[out] = shape
	}

	for _, n := range g.Nodes {
		for _, out := range n.Outputs[min(1, len(n.Outputs)):] {
			if out == "" {
				continue
			}
			if _, ok := r.Shapes[out]; !ok {
				r.Skipped[out] = fmt.Sprintf("secondary output of %s is not inferred", n.OpType)
			}
		}
	}
	return r
}

var sameShapeOps = map[string]bool{
	"Identity": true, "Dropout": true, "Relu": true, "LeakyRelu": true, "Elu": true, "Sigmoid": true,
	"Tanh": true, "Exp": true, "Log": true, "Sqrt": true, "Neg": true, "Abs": true, "Erf": true,
	"Clip": true, "Softmax": true, "BatchNormalization": true, "Cast": true,
}

var broadcastOps = map[string]bool{
	"Add": true, "Sub": true, "Mul": true, "Div": true, "Pow": true,
}

func inferNode(n *Node, ins [][]int, consts map[string]*TensorProto) ([]int, error) {
	need := func(i int) ([]int, error) {
		if i >= len(ins) || ins[i] == nil {
			return nil, fmt.Errorf("shape of input %d of %s is unknown", i, n.OpType)
		}
		return ins[i], nil
	}

	switch {
	case sameShapeOps[n.OpType]:
		return need(0)
	case broadcastOps[n.OpType]:
		a, err := need(0)
		if err != nil {
			return nil, err
		}
		b, err := need(1)
		if err != nil {
			return nil, err
		}
		return broadcastPartial(a, b)
	}

	switch n.OpType {
	case "MatMul":
		a, err := need(0)
		if err != nil {
			return nil, err
		}
		b, err := need(1)
		if err != nil {
			return nil, err
		}
		return MatMulShape(a, b)

	case "Gemm":
		a, err := need(0)
		if err != nil {
			return nil, err
		}
		b, err := need(1)
		if err != nil {
			return nil, err
		}
		if len(a) != 2 || len(b) != 2 {
			return nil, fmt.Errorf("Gemm expects rank-2 inputs, got %v and %v", a, b)
		}
		m, nn := a[0], b[1]
		if n.AttrInt("transA", 0) != 0 {
			m = a[1]
		}
		if n.AttrInt("transB", 0) != 0 {
			nn = b[0]
		}
		return []int{m, nn}, nil

	case "Conv", "MaxPool", "AveragePool":
		x, err := need(0)
		if err != nil {
			return nil, err
		}
		if len(x) < 3 || slices.Contains(x[2:], -1) {
			return nil, fmt.Errorf("%s needs known spatial dimensions, got %v", n.OpType, x)
		}
		spatial := x[2:]
		channels := x[1]
		var kernel []int
		if n.OpType == "Conv" {
			w, err := need(1)
			if err != nil {
				return nil, err
			}
			kernel = w[2:]
			channels = w[0]
		} else {
			for _, k := range n.AttrInts("kernel_shape") {
				kernel = append(kernel, int(k))
			}
		}
		if len(kernel) != len(spatial) {
			return nil, fmt.Errorf("%s kernel %v does not match spatial dimensions %v", n.OpType, kernel, spatial)
		}
		p := NewWindowParams(n, spatial, kernel)
		out := []int{x[0], channels}
		for i := range spatial {
			out = append(out, p.OutputSize(i, spatial[i]))
		}
		return out, nil

	case "GlobalAveragePool", "GlobalMaxPool":
		x, err := need(0)
		if err != nil {
			return nil, err
		}
		out := slices.Clone(x)
		for i := 2; i < len(out); i++ {
			out[i] = 1
		}
		return out, nil

	case "Flatten":
		x, err := need(0)
		if err != nil {
			return nil, err
		}
		axis, err := FlattenAxis(int(n.AttrInt("axis", 1)), len(x))
		if err != nil {
			return nil, err
		}
		return []int{productPartial(x[:axis]), productPartial(x[axis:])}, nil

	case "Reshape":
		x, err := need(0)
		if err != nil {
			return nil, err
		}
		target, err := constInts(consts, n.Input(1))
		if err != nil {
			return nil, err
		}
		if slices.Contains(x, -1) {
			return nil, fmt.Errorf("Reshape of partially known shape %v", x)
		}
		return ResolveReshape(x, target, n.AttrInt("allowzero", 0) != 0)

	case "Transpose":
		x, err := need(0)
		if err != nil {
			return nil, err
		}
		perm := n.AttrInts("perm")
		out := make([]int, len(x))
		for i := range out {
			if perm == nil {
				out[i] = x[len(x)-1-i]
			} else {
				out[i] = x[perm[i]]
			}
		}
		return out, nil

	case "Concat":
		first, err := need(0)
		if err != nil {
			return nil, err
		}
		axis, err := ResolveAxis(int(n.AttrInt("axis", 0)), len(first))
		if err != nil {
			return nil, err
		}
		out := slices.Clone(first)
		for i := 1; i < len(ins); i++ {
			s, err := need(i)
			if err != nil {
				return nil, err
			}
			if out[axis] < 0 || s[axis] < 0 {
				out[axis] = -1
			} else {
				out[axis] += s[axis]
			}
		}
		return out, nil

	case "Constant":
		a := n.Attr("value")
		if a == nil || a.T == nil {
			return nil, fmt.Errorf("Constant without a tensor value")
		}
		return a.T.Shape(), nil

	case "Shape":
		x, err := need(0)
		if err != nil {
			return nil, err
		}
		return []int{len(x)}, nil

	case "Squeeze", "Unsqueeze":
		x, err := need(0)
		if err != nil {
			return nil, err
		}
		axes := n.AttrInts("axes")
		if axes == nil && n.Input(1) != "" {
			if axes, err = constInts(consts, n.Input(1)); err != nil {
				return nil, err
			}
		}
		if n.OpType == "Squeeze" {
			return SqueezeShape(x, axes)
		}
		return UnsqueezeShape(x, axes)

	case "ReduceMean":
		x, err := need(0)
		if err != nil {
			return nil, err
		}
		axes := n.AttrInts("axes")
		if axes == nil && n.Input(1) != "" {
			if axes, err = constInts(consts, n.Input(1)); err != nil {
				return nil, err
			}
		}
		return ReduceShape(x, axes, n.AttrInt("keepdims", 1) != 0)
	}

	return nil, fmt.Errorf("no shape rule for operator %s", n.OpType)
}

func constInts(consts map[string]*TensorProto, name string) ([]int64, error) {
	p, ok := consts[name]
	if !ok {
		return nil, fmt.Errorf("%q is not a constant", name)
	}
	t, err := p.ToTensor()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(t.Data))
	for i, v := range t.Data {
		out[i] = int64(v)
	}
	return out, nil
}

func productPartial(dims []int) int {
	n := 1
	for _, d := range dims {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func broadcastPartial(a, b []int) ([]int, error) {
	if !slices.Contains(a, -1) && !slices.Contains(b, -1) {
		return tensor.BroadcastShapes(a, b)
	}
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for i := 0; i < rank; i++ {
		da, db := 1, 1
		if j := len(a) - rank + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - rank + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		case da == -1:
			out[i] = db
		case db == -1:
			out[i] = da
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", a, b)
		}
	}
	return out, nil
}

// MatMulShape follows numpy.matmul, including the promotion of rank-1 operands.
func MatMulShape(a, b []int) ([]int, error) {
	if len(a) == 0 || len(b) == 0 {
		return nil, fmt.Errorf("MatMul does not accept scalars")
	}
	a2, b2 := a, b
	if len(a) == 1 {
		a2 = []int{1, a[0]}
	}
	if len(b) == 1 {
		b2 = []int{b[0], 1}
	}
	k1, k2 := a2[len(a2)-1], b2[len(b2)-2]
	if k1 >= 0 && k2 >= 0 && k1 != k2 {
		return nil, fmt.Errorf("MatMul inner dimensions differ: %v x %v", a, b)
	}
	batch, err := broadcastPartial(a2[:len(a2)-2], b2[:len(b2)-2])
	if err != nil {
		return nil, err
	}
	out := batch
	if len(a) > 1 {
		out = append(out, a2[len(a2)-2])
	}
	if len(b) > 1 {
		out = append(out, b2[len(b2)-1])
	}
	return out, nil
}

// ResolveAxis normalizes a possibly negative axis against rank.
func ResolveAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= max(rank, 1) {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// FlattenAxis normalizes the Flatten axis, which may equal the rank.
func FlattenAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis > rank {
		return 0, fmt.Errorf("flatten axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// ResolveReshape applies the Reshape rules for 0 (copy) and -1 (infer) entries.
func ResolveReshape(in []int, target []int64, allowZero bool) ([]int, error) {
	out := make([]int, len(target))
	infer := -1
	known := 1
	for i, d := range target {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("reshape target %v has more than one -1", target)
			}
			infer = i
			continue
		case d == 0 && !allowZero:
			if i >= len(in) {
				return nil, fmt.Errorf("reshape target %v copies missing dimension %d", target, i)
			}
			out[i] = in[i]
		case d < 0:
			return nil, fmt.Errorf("invalid reshape dimension %d", d)
		default:
			out[i] = int(d)
		}
		known *= out[i]
	}
	total := tensor.NumElements(in)
	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("cannot reshape %v into %v", in, target)
		}
		out[infer] = total / known
	} else if known != total {
		return nil, fmt.Errorf("cannot reshape %v into %v", in, target)
	}
	return out, nil
}

func SqueezeShape(in []int, axes []int64) ([]int, error) {
	drop := make(map[int]bool)
	if len(axes) == 0 {
		for i, d := range in {
			if d == 1 {
				drop[i] = true
			} else if d < 0 {
				return nil, fmt.Errorf("Squeeze without axes on partially known shape %v", in)
			}
		}
	}
	for _, a := range axes {
		ax, err := ResolveAxis(int(a), len(in))
		if err != nil {
			return nil, err
		}
		if in[ax] != 1 && in[ax] != -1 {
			return nil, fmt.Errorf("cannot squeeze dimension %d of %v", ax, in)
		}
		drop[ax] = true
	}
	out := []int{}
	for i, d := range in {
		if !drop[i] {
			out = append(out, d)
		}
	}
	return out, nil
}

func UnsqueezeShape(in []int, axes []int64) ([]int, error) {
	rank := len(in) + len(axes)
	insert := make(map[int]bool)
	for _, a := range axes {
		ax, err := ResolveAxis(int(a), rank)
		if err != nil {
			return nil, err
		}
		insert[ax] = true
	}
	out := make([]int, 0, rank)
	j := 0
	for i := 0; i < rank; i++ {
		if insert[i] {
			out = append(out, 1)
			continue
		}
		if j >= len(in) {
			return nil, fmt.Errorf("duplicate unsqueeze axes %v", axes)
		}
		out = append(out, in[j])
		j++
	}
	return out, nil
}

// ReduceShape returns the shape after reducing over axes; no axes reduces everything.
func ReduceShape(in []int, axes []int64, keepDims bool) ([]int, error) {
	reduce := make(map[int]bool)
	for _, a := range axes {
		ax, err := ResolveAxis(int(a), len(in))
		if err != nil {
			return nil, err
		}
		reduce[ax] = true
	}
	out := []int{}
	for i, d := range in {
		if len(axes) == 0 || reduce[i] {
			if keepDims {
				out = append(out, 1)
			}
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// WindowParams holds the resolved strides, dilations and padding of a Conv or pooling node.
type WindowParams struct {
	Kernel    []int
	Strides   []int
	Dilations []int
	PadsBegin []int
	PadsEnd   []int
	CeilMode  bool
}

func NewWindowParams(n *Node, spatial, kernel []int) *WindowParams {
	rank := len(spatial)
	p := &WindowParams{
		Kernel:    kernel,
		Strides:   intsOr(n.AttrInts("strides"), rank, 1),
		Dilations: intsOr(n.AttrInts("dilations"), rank, 1),
		PadsBegin: make([]int, rank),
		PadsEnd:   make([]int, rank),
		CeilMode:  n.AttrInt("ceil_mode", 0) != 0,
	}
	autoPad := strings.ToUpper(n.AttrString("auto_pad", "NOTSET"))
	if pads := n.AttrInts("pads"); len(pads) == 2*rank && (autoPad == "NOTSET" || autoPad == "") {
		for i := 0; i < rank; i++ {
			p.PadsBegin[i] = int(pads[i])
			p.PadsEnd[i] = int(pads[i+rank])
		}
	}
	if autoPad == "SAME_UPPER" || autoPad == "SAME_LOWER" {
		for i := 0; i < rank; i++ {
			out := int(math.Ceil(float64(spatial[i]) / float64(p.Strides[i])))
			extent := (kernel[i]-1)*p.Dilations[i] + 1
			total := max(0, (out-1)*p.Strides[i]+extent-spatial[i])
			small, large := total/2, total-total/2
			if autoPad == "SAME_UPPER" {
				p.PadsBegin[i], p.PadsEnd[i] = small, large
			} else {
				p.PadsBegin[i], p.PadsEnd[i] = large, small
			}
		}
	}
	return p
}

// OutputSize returns the size of spatial dimension i for an input of size in.
func (p *WindowParams) OutputSize(i, in int) int {
	extent := p.Dilations[i]*(p.Kernel[i]-1) + 1
	span := in + p.PadsBegin[i] + p.PadsEnd[i] - extent
	if p.CeilMode {
		return int(math.Ceil(float64(span)/float64(p.Strides[i]))) + 1
	}
	return span/p.Strides[i] + 1
}

func intsOr(values []int64, n int, def int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = def
		if i < len(values) {
			out[i] = int(values[i])
		}
	}
	return out
}
