package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataviz/strata/pkg/modelgraph"
)

func testNodes() []modelgraph.OperationNode {
	return []modelgraph.OperationNode{
		{ID: "conv_12", Name: "conv_12", Kind: "Conv"},
		{ID: "_features_0_Conv", Name: "/features/0/Conv", Kind: "Conv"},
		{ID: "_classifier_Gemm", Name: "/classifier/Gemm", Kind: "Gemm"},
		{ID: "fc1", Name: "fc1", Kind: "Linear"},
	}
}

func TestSanitizeAndNormalize(t *testing.T) {
	assert.Equal(t, "_features_0_Conv", Sanitize("/features/0/Conv"))
	assert.Equal(t, "layer1_0_conv1", Sanitize("layer1.0.conv1"))
	assert.Equal(t, "conv", Normalize(LastSegment("/features/0/Conv")))
	assert.Equal(t, "features0conv", Normalize("/features/0/Conv"))
	assert.Equal(t, "plain", LastSegment("plain"))
}

func TestResolveRules(t *testing.T) {
	r := NewResolver(testNodes())

	for _, tc := range []struct {
		name   string
		query  Query
		wantID string
		rule   Rule
	}{
		{"exact", Query{Key: "conv_12"}, "conv_12", RuleExact},
		{"sanitized ignores case", Query{Key: "Conv_12"}, "conv_12", RuleSanitized},
		{"sanitized path", Query{Key: "/features/0/Conv"}, "_features_0_Conv", RuleSanitized},
		{"full name preferred", Query{Key: "classifier_out", DisplayName: "/classifier/Gemm"}, "_classifier_Gemm", RuleSuffix},
		{"suffix containment", Query{Key: "x.y", DisplayName: "block/Gemm"}, "_classifier_Gemm", RuleSuffix},
		{"module path", Query{Key: "model.fc1"}, "fc1", RuleSuffix},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := r.Resolve(tc.query)
			require.True(t, m.Found())
			assert.Equal(t, tc.wantID, m.Node.ID)
			assert.Equal(t, tc.rule, m.Rule)
		})
	}
}

func TestResolveMiss(t *testing.T) {
	r := NewResolver(testNodes())

	m := r.Resolve(Query{Key: "softmax_out"})
	assert.False(t, m.Found())
	assert.Equal(t, RuleNone, m.Rule)

	m = r.Resolve(Query{Key: "///"})
	assert.False(t, m.Found())
}

func TestResolveIsDeterministic(t *testing.T) {
	q := Query{Key: "unknown", DisplayName: "stage/conv"}
	first := NewResolver(testNodes()).Resolve(q)
	require.True(t, first.Found())
	for i := 0; i < 20; i++ {
		m := NewResolver(testNodes()).Resolve(q)
		assert.Equal(t, first.Node.ID, m.Node.ID)
		assert.Equal(t, first.Rule, m.Rule)
	}
}
