package fallback

import (
	"fmt"
	"math"
	"slices"

	"github.com/strataviz/strata/pkg/onnx"
	"github.com/strataviz/strata/pkg/tensor"
)

// MatMul multiplies following numpy.matmul semantics.
func MatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	outShape, err := onnx.MatMulShape(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	as, bs := a.Shape, b.Shape
	if len(as) == 1 {
		as = []int{1, as[0]}
	}
	if len(bs) == 1 {
		bs = []int{bs[0], 1}
	}
	m, k := as[len(as)-2], as[len(as)-1]
	n := bs[len(bs)-1]
	aBatch, bBatch := as[:len(as)-2], bs[:len(bs)-2]
	batch, err := tensor.BroadcastShapes(aBatch, bBatch)
	if err != nil {
		return nil, err
	}
	aStrides, bStrides := tensor.Strides(aBatch), tensor.Strides(bBatch)

	nb := tensor.NumElements(batch)
	out := make([]float64, nb*m*n)
	for bi := 0; bi < nb; bi++ {
		ao := tensor.BroadcastIndex(bi, batch, aBatch, aStrides) * m * k
		bo := tensor.BroadcastIndex(bi, batch, bBatch, bStrides) * k * n
		oo := bi * m * n
		for i := 0; i < m; i++ {
			for p := 0; p < k; p++ {
				av := a.Data[ao+i*k+p]
				row := b.Data[bo+p*n : bo+(p+1)*n]
				dst := out[oo+i*n : oo+(i+1)*n]
				for j, bv := range row {
					dst[j] += av * bv
				}
			}
		}
	}
	return tensor.New(outShape, out)
}

// Gemm computes alpha*A'*B' + beta*C where ' is an optional transpose.
func Gemm(a, b, c *tensor.Tensor, alpha, beta float64, transA, transB bool) (*tensor.Tensor, error) {
	if err := requireRank("Gemm A", a, 2); err != nil {
		return nil, err
	}
	if err := requireRank("Gemm B", b, 2); err != nil {
		return nil, err
	}
	var err error
	if transA {
		if a, err = Transpose(a, []int{1, 0}); err != nil {
			return nil, err
		}
	}
	if transB {
		if b, err = Transpose(b, []int{1, 0}); err != nil {
			return nil, err
		}
	}
	y, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	if alpha != 1 {
		y = Map(y, func(v float64) float64 { return alpha * v })
	}
	if c == nil {
		return y, nil
	}
	out, err := Broadcast(y, c, func(x, z float64) float64 { return x + beta*z })
	if err != nil {
		return nil, err
	}
	if !sameSize(out, y) {
		return nil, fmt.Errorf("Gemm C of shape %v does not broadcast to %v", c.Shape, y.Shape)
	}
	return out, nil
}

// Linear computes x @ weight^T + bias for weight of shape [out, in].
func Linear(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank("weight", weight, 2); err != nil {
		return nil, err
	}
	if x.Rank() == 0 || x.Shape[x.Rank()-1] != weight.Shape[1] {
		return nil, fmt.Errorf("input of shape %v does not match weight of shape %v", x.Shape, weight.Shape)
	}
	wt, err := Transpose(weight, []int{1, 0})
	if err != nil {
		return nil, err
	}
	y, err := MatMul(x, wt)
	if err != nil {
		return nil, err
	}
	if bias == nil {
		return y, nil
	}
	return Broadcast(y, bias, func(a, b float64) float64 { return a + b })
}

// Transpose permutes dimensions; a nil perm reverses them.
func Transpose(x *tensor.Tensor, perm []int) (*tensor.Tensor, error) {
	rank := x.Rank()
	if perm == nil {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	if len(perm) != rank {
		return nil, fmt.Errorf("permutation %v does not match rank %d", perm, rank)
	}
	shape := make([]int, rank)
	for i, p := range perm {
		if p < 0 || p >= rank {
			return nil, fmt.Errorf("invalid permutation %v", perm)
		}
		shape[i] = x.Shape[p]
	}
	inStrides := tensor.Strides(x.Shape)
	out := make([]float64, len(x.Data))
	for i := range out {
		rem := i
		offset := 0
		for d := rank - 1; d >= 0; d-- {
			coord := rem % shape[d]
			rem /= shape[d]
			offset += coord * inStrides[perm[d]]
		}
		out[i] = x.Data[offset]
	}
	return tensor.New(shape, out)
}

// Conv2D convolves an NCHW input with MCkHkW weights.
func Conv2D(x, w, bias *tensor.Tensor, p *onnx.WindowParams, group int) (*tensor.Tensor, error) {
	if err := requireRank("Conv input", x, 4); err != nil {
		return nil, err
	}
	if err := requireRank("Conv weight", w, 4); err != nil {
		return nil, err
	}
	if group <= 0 {
		group = 1
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	m, cg, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	if c != cg*group || m%group != 0 {
		return nil, fmt.Errorf("Conv input channels %d do not match weight %v with group %d", c, w.Shape, group)
	}
	if bias != nil && bias.Len() != m {
		return nil, fmt.Errorf("Conv bias of shape %v does not match %d output channels", bias.Shape, m)
	}
	oh, ow := p.OutputSize(0, h), p.OutputSize(1, wd)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("Conv output would be empty for input %v and kernel %v", x.Shape, w.Shape)
	}

	out := make([]float64, n*m*oh*ow)
	mPerGroup := m / group
	for ni := 0; ni < n; ni++ {
		for mi := 0; mi < m; mi++ {
			g := mi / mPerGroup
			b := 0.0
			if bias != nil {
				b = bias.Data[mi]
			}
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					sum := b
					for ci := 0; ci < cg; ci++ {
						ic := g*cg + ci
						for ky := 0; ky < kh; ky++ {
							iy := oy*p.Strides[0] - p.PadsBegin[0] + ky*p.Dilations[0]
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*p.Strides[1] - p.PadsBegin[1] + kx*p.Dilations[1]
								if ix < 0 || ix >= wd {
									continue
								}
								sum += x.Data[((ni*c+ic)*h+iy)*wd+ix] * w.Data[((mi*cg+ci)*kh+ky)*kw+kx]
							}
						}
					}
					out[((ni*m+mi)*oh+oy)*ow+ox] = sum
				}
			}
		}
	}
	return tensor.New([]int{n, m, oh, ow}, out)
}

type PoolMode int

const (
	MaxPool PoolMode = iota
	AveragePool
)

// Pool2D applies max or average pooling to an NCHW input.
func Pool2D(x *tensor.Tensor, p *onnx.WindowParams, mode PoolMode, countIncludePad bool) (*tensor.Tensor, error) {
	if err := requireRank("pooling input", x, 4); err != nil {
		return nil, err
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := p.OutputSize(0, h), p.OutputSize(1, wd)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("pooling output would be empty for input %v", x.Shape)
	}
	out := make([]float64, n*c*oh*ow)
	for nc := 0; nc < n*c; nc++ {
		plane := x.Data[nc*h*wd : (nc+1)*h*wd]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				acc := math.Inf(-1)
				if mode == AveragePool {
					acc = 0
				}
				count := 0
				for ky := 0; ky < p.Kernel[0]; ky++ {
					iy := oy*p.Strides[0] - p.PadsBegin[0] + ky*p.Dilations[0]
					for kx := 0; kx < p.Kernel[1]; kx++ {
						ix := ox*p.Strides[1] - p.PadsBegin[1] + kx*p.Dilations[1]
						inside := iy >= 0 && iy < h && ix >= 0 && ix < wd
						if !inside {
							inPad := iy < h+p.PadsEnd[0] && ix < wd+p.PadsEnd[1]
							if mode == AveragePool && countIncludePad && inPad {
								count++
							}
							continue
						}
						v := plane[iy*wd+ix]
						if mode == MaxPool {
							if v > acc || math.IsNaN(v) {
								acc = v
							}
						} else {
							acc += v
						}
						count++
					}
				}
				if mode == AveragePool && count > 0 {
					acc /= float64(count)
				}
				out[(nc*oh+oy)*ow+ox] = acc
			}
		}
	}
	return tensor.New([]int{n, c, oh, ow}, out)
}

// GlobalAveragePool averages every spatial position of an N-C-... input.
func GlobalAveragePool(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() < 3 {
		return nil, fmt.Errorf("GlobalAveragePool needs rank >= 3, got shape %v", x.Shape)
	}
	spatial := tensor.NumElements(x.Shape[2:])
	nc := x.Shape[0] * x.Shape[1]
	out := make([]float64, nc)
	for i := range out {
		sum := 0.0
		for _, v := range x.Data[i*spatial : (i+1)*spatial] {
			sum += v
		}
		out[i] = sum / float64(spatial)
	}
	shape := slices.Clone(x.Shape)
	for i := 2; i < len(shape); i++ {
		shape[i] = 1
	}
	return tensor.New(shape, out)
}

// BatchNorm normalizes an N-C-... input with per-channel running statistics.
func BatchNorm(x, scale, bias, mean, variance *tensor.Tensor, epsilon float64) (*tensor.Tensor, error) {
	if x.Rank() < 2 {
		return nil, fmt.Errorf("BatchNormalization needs rank >= 2, got shape %v", x.Shape)
	}
	c := x.Shape[1]
	for _, p := range []*tensor.Tensor{scale, bias, mean, variance} {
		if p.Len() != c {
			return nil, fmt.Errorf("BatchNormalization parameter of shape %v does not match %d channels", p.Shape, c)
		}
	}
	inner := tensor.NumElements(x.Shape[2:])
	out := make([]float64, len(x.Data))
	for i, v := range x.Data {
		ch := (i / inner) % c
		out[i] = scale.Data[ch]*(v-mean.Data[ch])/math.Sqrt(variance.Data[ch]+epsilon) + bias.Data[ch]
	}
	return tensor.New(x.Shape, out)
}

// Softmax normalizes along axis.
func Softmax(x *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	axis, err := onnx.ResolveAxis(axis, x.Rank())
	if err != nil {
		return nil, err
	}
	if x.Rank() == 0 {
		return tensor.Scalar(1), nil
	}
	dim := x.Shape[axis]
	inner := tensor.NumElements(x.Shape[axis+1:])
	outer := tensor.NumElements(x.Shape[:axis])
	out := make([]float64, len(x.Data))
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*dim*inner + in
			maxV := math.Inf(-1)
			for d := 0; d < dim; d++ {
				maxV = math.Max(maxV, x.Data[base+d*inner])
			}
			sum := 0.0
			for d := 0; d < dim; d++ {
				e := math.Exp(x.Data[base+d*inner] - maxV)
				out[base+d*inner] = e
				sum += e
			}
			for d := 0; d < dim; d++ {
				out[base+d*inner] /= sum
			}
		}
	}
	return tensor.New(x.Shape, out)
}

// Concat joins tensors along axis.
func Concat(axis int, ts ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("Concat needs at least one input")
	}
	first := ts[0]
	axis, err := onnx.ResolveAxis(axis, first.Rank())
	if err != nil {
		return nil, err
	}
	shape := slices.Clone(first.Shape)
	shape[axis] = 0
	for _, t := range ts {
		if t.Rank() != first.Rank() {
			return nil, fmt.Errorf("Concat inputs have different ranks: %v and %v", first.Shape, t.Shape)
		}
		for d := range t.Shape {
			if d != axis && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("Concat inputs differ outside axis %d: %v and %v", axis, first.Shape, t.Shape)
			}
		}
		shape[axis] += t.Shape[axis]
	}
	outer := tensor.NumElements(shape[:axis])
	inner := tensor.NumElements(shape[axis+1:])
	out := make([]float64, 0, tensor.NumElements(shape))
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			chunk := t.Shape[axis] * inner
			out = append(out, t.Data[o*chunk:(o+1)*chunk]...)
		}
	}
	return tensor.New(shape, out)
}

// ReduceMean averages over axes; no axes averages everything.
func ReduceMean(x *tensor.Tensor, axes []int64, keepDims bool) (*tensor.Tensor, error) {
	kept, err := onnx.ReduceShape(x.Shape, axes, true)
	if err != nil {
		return nil, err
	}
	keptStrides := tensor.Strides(kept)
	sums := make([]float64, tensor.NumElements(kept))
	for i, v := range x.Data {
		rem := i
		offset := 0
		for d := len(x.Shape) - 1; d >= 0; d-- {
			coord := rem % x.Shape[d]
			rem /= x.Shape[d]
			if kept[d] != 1 {
				offset += coord * keptStrides[d]
			}
		}
		sums[offset] += v
	}
	count := float64(len(x.Data)) / float64(max(len(sums), 1))
	for i := range sums {
		sums[i] /= count
	}
	shape, err := onnx.ReduceShape(x.Shape, axes, keepDims)
	if err != nil {
		return nil, err
	}
	return tensor.New(shape, sums)
}
