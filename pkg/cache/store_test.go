package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataviz/strata/pkg/record"
)

func TestPutGetClear(t *testing.T) {
	s := New()
	a := &record.LayerRecord{RuntimeKey: "/features/0/Conv"}
	b := &record.LayerRecord{RuntimeKey: "fc"}
	s.Put(a, "/features/0/Conv", "_features_0_Conv")
	s.Put(b, "fc", "")

	for _, k := range []string{"/features/0/Conv", "_features_0_Conv"} {
		got, ok := s.Get(k)
		require.True(t, ok, k)
		assert.Same(t, a, got)
	}
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []*record.LayerRecord{a, b}, s.Records())

	s.Clear()
	for _, k := range []string{"/features/0/Conv", "_features_0_Conv", "fc"} {
		_, ok := s.Get(k)
		assert.False(t, ok, k)
		_, ok = s.GetAny(k)
		assert.False(t, ok, k)
	}
	assert.Zero(t, s.Len())
}

func TestLastWriteWins(t *testing.T) {
	s := New()
	first := &record.LayerRecord{RuntimeKey: "x"}
	second := &record.LayerRecord{RuntimeKey: "x"}
	s.Put(first, "x")
	s.Put(second, "x")

	got, ok := s.Get("x")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, []string{"x"}, s.Keys())
}

func TestGetAnySanitizedScenario(t *testing.T) {
	s := New()
	rec := &record.LayerRecord{RuntimeKey: "Conv_12", NodeID: "conv_12"}
	s.Put(rec, "Conv_12", "conv_12")

	for _, k := range []string{"Conv_12", "conv_12"} {
		got, ok := s.GetAny(k)
		require.True(t, ok, k)
		assert.Same(t, rec, got)
	}
}

func TestGetAnySanitizedIgnoresCase(t *testing.T) {
	s := New()
	extra := &record.LayerRecord{RuntimeKey: "stage_conv_extra"}
	conv := &record.LayerRecord{RuntimeKey: "Stage.Conv"}
	s.Put(extra, extra.RuntimeKey)
	s.Put(conv, conv.RuntimeKey, "Stage_Conv")

	// The substring scan would find stage_conv_extra first.
	for _, k := range []string{"stage.conv", "STAGE_CONV", "stage/Conv"} {
		got, ok := s.GetAny(k)
		require.True(t, ok, k)
		assert.Same(t, conv, got, k)
	}

	s.Clear()
	_, ok := s.GetAny("stage.conv")
	assert.False(t, ok)
}

func TestGetAnyFallbacks(t *testing.T) {
	s := New()
	conv := &record.LayerRecord{RuntimeKey: "/features/0/Conv_output_0"}
	relu := &record.LayerRecord{RuntimeKey: "/features/1/Relu_output_0"}
	s.Put(conv, conv.RuntimeKey)
	s.Put(relu, relu.RuntimeKey, "_features_1_Relu_output_0")

	got, ok := s.GetAny("/features/1/Relu:output_0")
	require.True(t, ok)
	assert.Same(t, relu, got)

	got, ok = s.GetAny("features.0.conv")
	require.True(t, ok)
	assert.Same(t, conv, got)

	// Both keys contain "features"; the first stored key wins.
	got, ok = s.GetAny("FEATURES")
	require.True(t, ok)
	assert.Same(t, conv, got)

	_, ok = s.GetAny("...")
	assert.False(t, ok)
	_, ok = s.GetAny("softmax")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := fmt.Sprintf("w%d_%d", w, i)
				s.Put(&record.LayerRecord{RuntimeKey: k}, k)
				_, ok := s.Get(k)
				assert.True(t, ok)
				s.GetAny("w0")
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 800, s.Len())
}
