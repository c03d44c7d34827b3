// Package record turns captured tensors into layer records with full-tensor statistics.
package record

import (
	"encoding/json"
	"math"
	"slices"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/tensor"
)

// Stats summarizes every element of a tensor. Std is the population standard deviation.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// MarshalJSON encodes non-finite values as null.
func (s Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]*float64{
		"mean": finite(s.Mean),
		"std":  finite(s.Std),
		"min":  finite(s.Min),
		"max":  finite(s.Max),
	})
}

func (s *Stats) UnmarshalJSON(b []byte) error {
	var raw map[string]*float64
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	get := func(k string) float64 {
		if v := raw[k]; v != nil {
			return *v
		}
		return math.NaN()
	}
	*s = Stats{Mean: get("mean"), Std: get("std"), Min: get("min"), Max: get("max")}
	return nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Accumulator computes Stats in a single pass using Welford's method.
type Accumulator struct {
	n        int
	mean, m2 float64
	min, max float64
}

func (a *Accumulator) Add(v float64) {
	a.n++
	if a.n == 1 {
		a.min, a.max = v, v
	} else {
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
	}
	delta := v - a.mean
	a.mean += delta / float64(a.n)
	a.m2 += delta * (v - a.mean)
}

func (a *Accumulator) Count() int { return a.n }

// Stats returns the accumulated statistics, all zero when nothing was added.
func (a *Accumulator) Stats() Stats {
	if a.n == 0 {
		return Stats{}
	}
	variance := a.m2 / float64(a.n)
	return Stats{
		Mean: a.mean,
		Std:  math.Sqrt(math.Max(variance, 0)),
		Min:  a.min,
		Max:  a.max,
	}
}

// Compute returns the statistics of every element of t.
func Compute(t *tensor.Tensor) Stats {
	var a Accumulator
	if t != nil {
		for _, v := range t.Data {
			a.Add(v)
		}
	}
	return a.Stats()
}

// LayerRecord is everything captured for one operation in one run.
type LayerRecord struct {
	// RuntimeKey is the name the runtime gave the tensor.
	RuntimeKey string `json:"layer_id"`
	// NodeID is the matched static graph node, empty when no node matched.
	NodeID              string         `json:"node_id,omitempty"`
	DisplayName         string         `json:"name"`
	OperationKind       string         `json:"type"`
	ParamCount          int64          `json:"param_count"`
	TrainableParamCount int64          `json:"trainable_params"`
	InputShape          []int          `json:"input_shape"`
	OutputShape         []int          `json:"output_shape"`
	Stats               Stats          `json:"stats"`
	Input               *tensor.Tensor `json:"input_tensor"`
	Output              *tensor.Tensor `json:"output_tensor"`
}

// Node carries the static graph metadata attached to a record.
type Node struct {
	ID                  string
	ParamCount          int64
	TrainableParamCount int64
}

// Build creates the record for c. A missing input is recorded as an empty tensor.
func Build(c engine.Capture, node *Node) *LayerRecord {
	out := c.Output
	if out == nil {
		out = tensor.Zeros(0)
	}
	in := c.Input
	if in == nil {
		in = tensor.Zeros(0)
	}
	r := &LayerRecord{
		RuntimeKey:    c.Key,
		DisplayName:   c.DisplayName,
		OperationKind: c.Kind,
		InputShape:    shapeOf(c.Input),
		OutputShape:   slices.Clone(out.Shape),
		Stats:         Compute(out),
		Input:         in,
		Output:        out,
	}
	if r.DisplayName == "" {
		r.DisplayName = c.Key
	}
	if node != nil {
		r.NodeID = node.ID
		r.ParamCount = node.ParamCount
		r.TrainableParamCount = node.TrainableParamCount
	}
	return r
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return []int{}
	}
	return slices.Clone(t.Shape)
}

// Elements returns the number of values held by the input and output tensors.
func (r *LayerRecord) Elements() int {
	n := 0
	for _, t := range []*tensor.Tensor{r.Input, r.Output} {
		if t != nil {
			n += t.Len()
		}
	}
	return n
}
