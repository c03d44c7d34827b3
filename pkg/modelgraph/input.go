package modelgraph

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/tensor"
)

// Hint says how raw user input should be turned into a tensor.
type Hint string

const (
	HintImage  Hint = "image"
	HintText   Hint = "text"
	HintTensor Hint = "tensor"
)

// Tokenizer turns text into token ids. None is bundled; callers that need text input supply one.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
}

// Metadata is what PrepareInput needs to know about the model.
type Metadata struct {
	Format Format
	// InputShape is the declared input shape, -1 marking dynamic dimensions.
	InputShape []int
	Tokenizer  Tokenizer
}

const defaultImageSize = 224

var (
	imageNetMean = [3]float64{0.485, 0.456, 0.406}
	imageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// PrepareInput converts raw input to the model's input tensor.
//
//   - image: base64 PNG, JPEG or GIF, resized (nearest neighbour) to the declared height and width
//     or 224x224, normalized with ImageNet statistics and laid out as [1, 3, H, W].
//   - text: token ids from meta.Tokenizer as [1, N].
//   - tensor: comma-separated numbers as [1, N], reshaped to the declared input shape when the
//     element counts agree.
//
// An empty hint means tensor; any other hint falls back to tensor parsing.
func PrepareInput(raw string, hint Hint, meta Metadata) (*tensor.Tensor, error) {
	switch Hint(strings.ToLower(strings.TrimSpace(string(hint)))) {
	case HintImage:
		return prepareImage(raw, meta)
	case HintText:
		return prepareText(raw, meta)
	case HintTensor, "":
		return prepareTensor(raw, meta)
	}
	t, err := prepareTensor(raw, meta)
	if err != nil {
		return nil, engine.InputBindingErrorf("", "unsupported input hint %q: use image, text or tensor, or provide comma-separated numbers", hint)
	}
	return t, nil
}

func prepareTensor(raw string, meta Metadata) (*tensor.Tensor, error) {
	var values []float64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, engine.InputBindingErrorf("", "could not parse tensor from comma-separated numbers: %q is not a number", part)
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, engine.InputBindingErrorf("", "could not parse tensor from comma-separated numbers: no numbers provided")
	}

	t, err := tensor.New([]int{1, len(values)}, values)
	if err != nil {
		return nil, err
	}
	if shape, ok := probeShape(meta.InputShape); ok && tensor.NumElements(shape) == len(values) {
		return t.Reshape(shape...)
	}
	return t, nil
}

func prepareText(raw string, meta Metadata) (*tensor.Tensor, error) {
	if meta.Tokenizer == nil {
		return nil, engine.InputBindingErrorf("", "text input needs a tokenizer and none is configured")
	}
	ids, err := meta.Tokenizer.Encode(raw)
	if err != nil {
		return nil, engine.InputBindingErrorf("", "tokenization failed: %v", err)
	}
	if len(ids) == 0 {
		return nil, engine.InputBindingErrorf("", "tokenization produced no tokens")
	}
	values := make([]float64, len(ids))
	for i, id := range ids {
		values[i] = float64(id)
	}
	return tensor.New([]int{1, len(values)}, values)
}

func prepareImage(raw string, meta Metadata) (*tensor.Tensor, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, engine.InputBindingErrorf("", "invalid base64 image data: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, engine.InputBindingErrorf("", "could not load image: %v", err)
	}

	h, w := defaultImageSize, defaultImageSize
	if s := meta.InputShape; len(s) == 4 && s[2] > 0 && s[3] > 0 {
		h, w = s[2], s[3]
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, engine.InputBindingErrorf("", "image is empty")
	}

	plane := h * w
	out := make([]float64, 3*plane)
	for y := 0; y < h; y++ {
		sy := bounds.Min.Y + y*srcH/h
		for x := 0; x < w; x++ {
			sx := bounds.Min.X + x*srcW/w
			r, g, b, _ := img.At(sx, sy).RGBA()
			for c, v := range [3]uint32{r, g, b} {
				out[c*plane+y*w+x] = (float64(v)/0xffff - imageNetMean[c]) / imageNetStd[c]
			}
		}
	}
	return tensor.New([]int{1, 3, h, w}, out)
}
