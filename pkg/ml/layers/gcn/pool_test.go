// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gcn

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/ctxtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

var (
	wantMaxPool1    = [][][]float32{{{2, 6, 9}, {1, 5, 9}, {2, 6, 8}, {3, 7, 2}}}
	wantMaxPool2    = [][][]float32{{{2, 6, 9}, {2, 6, 9}, {2, 6, 9}, {3, 7, 2}}}
	wantMeanPool1   = [][][]float32{{{1, 5, 6}, {0.5, 4.5, 8.5}, {1, 5, 4.5}, {3, 7, 2}}}
	wantMeanPool2   = [][][]float32{{{1, 5, 6}, {1, 5, 6}, {1, 5, 6}, {3, 7, 2}}}
	testPoolStepNum = []int{1, 2, 60000000}
)

func TestMaxPooling(t *testing.T) {
	graphtest.RunTestGraphFn(t, "MaxPooling", func(g *Graph) (inputs, outputs []*Node) {
		features := Const(g, testPoolFeatures)
		adjacency := Const(g, testAdjacency)
		inputs = []*Node{features, adjacency}
		for _, stepNum := range testPoolStepNum {
			outputs = append(outputs, MaxPooling(features, adjacency, stepNum))
		}
		return
	}, []any{wantMaxPool1, wantMaxPool2, wantMaxPool2}, -1)
}

func TestAveragePooling(t *testing.T) {
	graphtest.RunTestGraphFn(t, "AveragePooling", func(g *Graph) (inputs, outputs []*Node) {
		features := Const(g, testPoolFeatures)
		adjacency := Const(g, testAdjacency)
		inputs = []*Node{features, adjacency}
		for _, stepNum := range testPoolStepNum {
			outputs = append(outputs, AveragePooling(features, adjacency, stepNum))
		}
		return
	}, []any{wantMeanPool1, wantMeanPool2, wantMeanPool2}, 1e-5)
}

func TestPoolConfig(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Pool", func(g *Graph) (inputs, outputs []*Node) {
		features := Const(g, testPoolFeatures)
		// Integer adjacency is converted to the features dtype.
		adjacency := Const(g, [][][]int8{{{1, 1, 1, 0}, {1, 1, 0, 0}, {1, 0, 1, 0}, {0, 0, 0, 1}}})
		inputs = []*Node{features, adjacency}
		outputs = []*Node{
			Pool(features, adjacency).Reduction(ReductionMax).Done(),
			Pool(features, adjacency).Mean().StepNum(2).Done(),
			// ReduceWith takes precedence over the reduction.
			Pool(features, adjacency).Max().ReduceWith(MeanAggregate).Done(),
		}
		return
	}, []any{wantMaxPool1, wantMeanPool2, wantMeanPool1}, 1e-5)
}

func TestPoolNotImplemented(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestPoolNotImplemented")
	features := Const(g, testPoolFeatures)
	adjacency := Const(g, testAdjacency)

	err := exceptions.TryCatch[error](func() { _ = Pool(features, adjacency).Done() })
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotImplemented), "expected ErrNotImplemented, got %+v", err)
	require.Contains(t, err.Error(), "unimplemented operation")

	// Raised for any input, valid or not.
	err = exceptions.TryCatch[error](func() {
		_ = NewPoolLayer(ReductionNone).Forward(nil, Const(g, []float32{1}), Const(g, []float32{1}))
	})
	require.ErrorIs(t, err, ErrNotImplemented)

	// The shape and mask contract does not depend on the reduction.
	layer := NewPoolLayer(ReductionNone)
	outputShape, err := layer.OutputShape(features.Shape(), adjacency.Shape())
	require.NoError(t, err)
	require.True(t, outputShape.Equal(features.Shape()))
}

func TestPoolLayer(t *testing.T) {
	featuresShape := shapes.Make(dtypes.Float32, 3, 5, 7)
	adjacencyShape := shapes.Make(dtypes.Float32, 3, 5, 5)
	for _, reduction := range ReductionValues() {
		layer := NewPoolLayer(reduction)
		require.NoError(t, layer.BuildParameters(context.New(), featuresShape))
		outputShape, err := layer.OutputShape(featuresShape, adjacencyShape)
		require.NoError(t, err)
		require.NoError(t, outputShape.CheckDims(3, 5, 7))
		require.Equal(t, dtypes.Float32, outputShape.DType)
	}

	layer := NewPoolLayer(ReductionMax)
	_, err := layer.OutputShape(featuresShape, shapes.Make(dtypes.Float32, 3, 5, 4))
	require.Error(t, err)
	layer.StepNum = 0
	require.Error(t, layer.BuildParameters(context.New(), featuresShape))

	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestPoolLayer")
	featuresMask := Const(g, [][]bool{{true, true, false}})
	adjacencyMask := Const(g, [][]bool{{true, false, false}})
	require.Same(t, featuresMask, layer.ComputeMask(featuresMask, adjacencyMask))
	require.Nil(t, layer.ComputeMask(nil, adjacencyMask))
}

func TestPoolInvalidStepNum(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestPoolInvalidStepNum")
	features := Const(g, testPoolFeatures)
	adjacency := Const(g, testAdjacency)
	require.Panics(t, func() { Pool(features, adjacency).StepNum(0) })
	require.Panics(t, func() { Pool(features, adjacency).Max().StepNum(-1) })

	// The step number is reported before the input shapes.
	layer := NewPoolLayer(ReductionMax)
	layer.StepNum = 0
	err := exceptions.TryCatch[error](func() {
		_ = layer.Forward(nil, Const(g, []float32{1}), Const(g, []float32{1}))
	})
	require.ErrorContains(t, err, "StepNum >= 1")

	// The unimplemented reduction is still reported first.
	layer = NewPoolLayer(ReductionNone)
	layer.StepNum = 0
	err = exceptions.TryCatch[error](func() { _ = layer.Forward(nil, features, adjacency) })
	require.ErrorIs(t, err, ErrNotImplemented)
}

func TestReduction(t *testing.T) {
	assert.Equal(t, []string{"none", "max", "mean"}, ReductionStrings())
	for _, name := range []string{"max", "MAX", "Max"} {
		reduction, err := ReductionString(name)
		require.NoError(t, err)
		assert.Equal(t, ReductionMax, reduction)
	}
	_, err := ReductionString("sum")
	require.Error(t, err)
	assert.Nil(t, ReductionNone.ReduceFn())
	assert.NotNil(t, ReductionMean.ReduceFn())
}

func TestPoolFromContext(t *testing.T) {
	for _, tc := range []struct {
		poolingType string
		stepNum     int
		want        [][][]float32
	}{
		{"max", 1, wantMaxPool1},
		{"max", 2, wantMaxPool2},
		{"mean", 1, wantMeanPool1},
		{"mean", 60000000, wantMeanPool2},
	} {
		ctxtest.RunTestGraphFn(t, "PoolFromContext("+tc.poolingType+")", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			ctx.SetParam(ParamPoolingType, tc.poolingType)
			ctx.SetParam(ParamStepNum, tc.stepNum)
			features := Const(g, testPoolFeatures)
			adjacency := Const(g, testAdjacency)
			inputs = []*Node{features, adjacency}
			outputs = []*Node{PoolFromContext(ctx.In("pool"), features, adjacency)}
			return
		}, []any{tc.want}, 1e-5)
	}
}

func toFloat16(values [][][]float32) [][][]float16.Float16 {
	converted := make([][][]float16.Float16, len(values))
	for b := range values {
		converted[b] = make([][]float16.Float16, len(values[b]))
		for i := range values[b] {
			converted[b][i] = make([]float16.Float16, len(values[b][i]))
			for j, v := range values[b][i] {
				converted[b][i][j] = float16.Fromfloat32(v)
			}
		}
	}
	return converted
}

func TestPoolFloat16(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(features, adjacency *Node) (*Node, *Node) {
		return MaxPooling(features, adjacency, 2), AveragePooling(features, adjacency, 1)
	})
	results := exec.Call(toFloat16(testPoolFeatures), testAdjacency)
	require.Equal(t, dtypes.Float16, results[0].DType())
	require.Equal(t, toFloat16(wantMaxPool2), results[0].Value())
	// All the means in the fixture are exactly representable in float16.
	require.Equal(t, toFloat16(wantMeanPool1), results[1].Value())
}
