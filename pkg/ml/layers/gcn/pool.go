// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gcn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reduction used by a graph pooling layer to aggregate the features of the neighbors of each node.
type Reduction int

//go:generate go tool enumer -type Reduction -trimprefix=Reduction -transform=snake -text -output=gen_reduction_enumer.go pool.go

const (
	// ReductionNone means no reduction is configured: pooling with it panics with ErrNotImplemented.
	ReductionNone Reduction = iota
	ReductionMax
	ReductionMean
)

// ReduceFn returns the aggregation function for the reduction, or nil for ReductionNone.
func (r Reduction) ReduceFn() ReduceFn {
	switch r {
	case ReductionMax:
		return MaxAggregate
	case ReductionMean:
		return MeanAggregate
	default:
		return nil
	}
}

// PoolLayer replaces the features of each node by an aggregation (see Reduction) of the features of
// the nodes reachable in up to StepNum edges. It has no variables.
type PoolLayer struct {
	// StepNum is the number of edges walked when expanding the neighborhood. It must be >= 1.
	StepNum int

	// Reduction used to aggregate the neighbors' features.
	Reduction Reduction

	// ReduceFn, if not nil, is used instead of Reduction.
	ReduceFn ReduceFn
}

var _ Layer = (*PoolLayer)(nil)

// NewPoolLayer returns a PoolLayer with the given reduction and StepNum 1.
func NewPoolLayer(reduction Reduction) *PoolLayer {
	return &PoolLayer{StepNum: 1, Reduction: reduction}
}

func (l *PoolLayer) reduceFn() ReduceFn {
	if l.ReduceFn != nil {
		return l.ReduceFn
	}
	return l.Reduction.ReduceFn()
}

func (l *PoolLayer) validate() error {
	if l.StepNum < 1 {
		return errors.Errorf("gcn.PoolLayer requires StepNum >= 1, got %d", l.StepNum)
	}
	return nil
}

// BuildParameters implements Layer. PoolLayer has no variables, it only validates the configuration.
func (l *PoolLayer) BuildParameters(_ *context.Context, featuresShape shapes.Shape) error {
	if err := l.validate(); err != nil {
		return err
	}
	if featuresShape.Rank() != 3 {
		return errors.Errorf("features must be shaped [batch_size, num_nodes, feature_dim], got %s", featuresShape)
	}
	return nil
}

// OutputShape implements Layer: pooling preserves the features shape.
func (l *PoolLayer) OutputShape(featuresShape, adjacencyShape shapes.Shape) (shapes.Shape, error) {
	if err := checkShapes(featuresShape, adjacencyShape); err != nil {
		return shapes.Shape{}, err
	}
	return featuresShape.Clone(), nil
}

// ComputeMask implements Layer, passing through the features mask.
func (l *PoolLayer) ComputeMask(featuresMask, _ *Node) *Node {
	return featuresMask
}

// Forward implements Layer. ctx is only used to name the output in NanLogger, and it can be nil.
//
// It panics with ErrNotImplemented if no reduction is configured.
func (l *PoolLayer) Forward(ctx *context.Context, features, adjacency *Node) *Node {
	reduce := l.reduceFn()
	if reduce == nil {
		panic(errors.Wrapf(ErrNotImplemented, "gcn.PoolLayer with reduction %s", l.Reduction))
	}
	if err := l.validate(); err != nil {
		panic(err)
	}
	mustCheckInputs("PoolLayer", features, adjacency)
	klog.V(1).Infof("gcn.PoolLayer: reduction=%s, step_num=%d, features=%s", l.Reduction, l.StepNum, features.Shape())

	adjacency = adjacencyAs(adjacency, features.DType())
	adjacency = ExpandNeighborhood(adjacency, l.StepNum)
	output := reduce(features, adjacency)
	if ctx != nil {
		traceNaN(output, ctx.Scope(), "gcn.PoolLayer")
	} else {
		traceNaN(output, "gcn.PoolLayer")
	}
	return output
}

// PoolConfig is created with Pool, and can be configured with its methods, then built with Done.
type PoolConfig struct {
	features, adjacency *Node
	layer               PoolLayer
}

// Pool creates a graph pooling of the features over the neighbors given by adjacency.
//
// A reduction must be selected (Max, Mean, Reduction or ReduceWith), otherwise Done panics with ErrNotImplemented.
// See also MaxPooling, AveragePooling and PoolFromContext.
//
// Inputs:
//   - features: shaped `[batchSize, numNodes, featureDim]`, with a float dtype.
//   - adjacency: shaped `[batchSize, numNodes, numNodes]`, any numeric dtype. It is converted to the features dtype.
func Pool(features, adjacency *Node) *PoolConfig {
	return &PoolConfig{
		features:  features,
		adjacency: adjacency,
		layer:     PoolLayer{StepNum: 1},
	}
}

// StepNum sets the number of edges walked when expanding the neighborhood of each node. Default is 1.
func (c *PoolConfig) StepNum(stepNum int) *PoolConfig {
	if stepNum < 1 {
		exceptions.Panicf("gcn.Pool requires stepNum >= 1, got %d", stepNum)
	}
	c.layer.StepNum = stepNum
	return c
}

// Reduction sets the reduction used to aggregate the neighbors' features.
func (c *PoolConfig) Reduction(reduction Reduction) *PoolConfig {
	c.layer.Reduction = reduction
	return c
}

// Max aggregates with an element-wise max.
func (c *PoolConfig) Max() *PoolConfig {
	return c.Reduction(ReductionMax)
}

// Mean aggregates with the mean.
func (c *PoolConfig) Mean() *PoolConfig {
	return c.Reduction(ReductionMean)
}

// ReduceWith sets a custom aggregation function, used instead of the Reduction.
func (c *PoolConfig) ReduceWith(reduceFn ReduceFn) *PoolConfig {
	c.layer.ReduceFn = reduceFn
	return c
}

// Layer returns a copy of the configured PoolLayer.
func (c *PoolConfig) Layer() *PoolLayer {
	layer := c.layer
	return &layer
}

// Done builds the pooling and returns the pooled features, shaped like the input features.
func (c *PoolConfig) Done() *Node {
	return c.layer.Forward(nil, c.features, c.adjacency)
}

// MaxPooling returns for each node the element-wise max of the features of the nodes reachable in up to stepNum edges.
func MaxPooling(features, adjacency *Node, stepNum int) *Node {
	return Pool(features, adjacency).StepNum(stepNum).Max().Done()
}

// AveragePooling returns for each node the mean of the features of the nodes reachable in up to stepNum edges.
func AveragePooling(features, adjacency *Node, stepNum int) *Node {
	return Pool(features, adjacency).StepNum(stepNum).Mean().Done()
}

// PoolFromContext builds a pooling configured by the context hyperparameters ParamPoolingType and ParamStepNum.
func PoolFromContext(ctx *context.Context, features, adjacency *Node) *Node {
	poolingType := context.GetParamOr(ctx, ParamPoolingType, ReductionMean.String())
	reduction, err := ReductionString(poolingType)
	if err != nil {
		panic(errors.WithMessagef(err, "invalid value for %q", ParamPoolingType))
	}
	layer := PoolLayer{
		StepNum:   context.GetParamOr(ctx, ParamStepNum, 1),
		Reduction: reduction,
	}
	return layer.Forward(ctx, features, adjacency)
}
