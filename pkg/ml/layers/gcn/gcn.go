// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gcn implements graph convolution and graph pooling layers over dense adjacency matrices.
//
// All layers take two inputs:
//
//   - features: shaped `[batchSize, numNodes, featureDim]`, one feature vector per node.
//   - adjacency: shaped `[batchSize, numNodes, numNodes]`, where `adjacency[b, i, j] > 0` means node `j`
//     is a neighbor of node `i` (the edge `i -> j`). Self-loops must be explicit: a node only sees itself
//     if `adjacency[b, i, i] > 0`.
//
// Each node aggregates the values of its neighbors, and optionally of every node reachable by walking
// up to `stepNum` edges (see ExpandNeighborhood). Nodes without neighbors are not guarded: a mean over
// zero neighbors yields NaN, and a max over zero neighbors yields the lowest value of the dtype.
// Set NanLogger to find where those show up.
//
// Example of a model with two graph convolutions followed by a max pooling:
//
//	func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		features, adjacency := inputs[0], inputs[1]
//		x := gcn.Conv(ctx.In("conv_0"), features, adjacency, 32).Activation(activations.TypeRelu).Done()
//		x = gcn.Conv(ctx.In("conv_1"), x, adjacency, 32).StepNum(2).Activation(activations.TypeRelu).Done()
//		x = gcn.MaxPooling(x, adjacency, 1)
//		return []*Node{x}
//	}
package gcn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamStepNum context hyperparameter defines the default number of edges walked when
	// expanding the neighborhood of each node. Default is 1 (only direct neighbors).
	ParamStepNum = "gcn_step_num"

	// ParamActivation context hyperparameter defines the default activation used by Conv.
	// The value is a name accepted by activations.FromName. Default is "" (no activation).
	ParamActivation = "gcn_activation"

	// ParamUseBias context hyperparameter defines whether Conv adds a learned bias. Default is true.
	ParamUseBias = "gcn_use_bias"

	// ParamPoolingType context hyperparameter defines the reduction used by PoolFromContext.
	// Valid values are "mean" and "max". Default is "mean".
	ParamPoolingType = "gcn_pooling_type"
)

// ErrNotImplemented is raised (panicked) when a pooling layer has no reduction configured.
// Use errors.Is to check for it after converting the panic with exceptions.TryCatch[error].
var ErrNotImplemented = errors.New("unimplemented operation")

// NanLogger, if set, traces the first NaN (or infinity) in the outputs of the layers in this package,
// tagged with the scope of the context used to build them.
//
// Remember to attach it to the executor (see nanlogger.NanLogger.AttachToExec).
var NanLogger *nanlogger.NanLogger

// traceNaN is a no-op if NanLogger is nil.
func traceNaN(x *Node, scope ...string) {
	if NanLogger == nil {
		return
	}
	NanLogger.TraceFirstNaN(x, scope...)
}

// Layer is the lifecycle shared by the graph convolution and graph pooling layers.
//
// BuildParameters creates the layer variables (if any) for the given features shape, and Forward
// builds the computation, reusing those variables. OutputShape and ComputeMask let a model validate
// and propagate shapes and masks without building the graph.
type Layer interface {
	// BuildParameters creates the variables of the layer under ctx.
	BuildParameters(ctx *context.Context, featuresShape shapes.Shape) error

	// Forward builds the computation of the layer.
	// It panics with an error if the inputs are invalid.
	Forward(ctx *context.Context, features, adjacency *Node) *Node

	// OutputShape returns the shape of the output of Forward for the given input shapes.
	OutputShape(featuresShape, adjacencyShape shapes.Shape) (shapes.Shape, error)

	// ComputeMask returns the mask of the output, given the masks of the inputs (either may be nil).
	// The features mask is passed through unchanged.
	ComputeMask(featuresMask, adjacencyMask *Node) *Node
}

// checkShapes returns an error if features is not shaped `[batchSize, numNodes, featureDim]` with a float dtype,
// or if adjacency is not shaped `[batchSize, numNodes, numNodes]`.
func checkShapes(featuresShape, adjacencyShape shapes.Shape) error {
	if featuresShape.Rank() != 3 {
		return errors.Errorf("features must be shaped [batch_size, num_nodes, feature_dim], got %s", featuresShape)
	}
	if !featuresShape.DType.IsFloat() {
		return errors.Errorf("features must have a float dtype, got %s", featuresShape)
	}
	batchSize, numNodes := featuresShape.Dim(0), featuresShape.Dim(1)
	if adjacencyShape.Rank() != 3 || adjacencyShape.Dim(0) != batchSize ||
		adjacencyShape.Dim(1) != numNodes || adjacencyShape.Dim(2) != numNodes {
		return errors.Errorf("adjacency must be shaped [batch_size=%d, num_nodes=%d, num_nodes=%d] to match features %s, got %s",
			batchSize, numNodes, numNodes, featuresShape, adjacencyShape)
	}
	return nil
}

// mustCheckInputs panics with the error returned by checkShapes, if any.
func mustCheckInputs(op string, features, adjacency *Node) {
	if err := checkShapes(features.Shape(), adjacency.Shape()); err != nil {
		panic(errors.WithMessagef(err, "gcn.%s", op))
	}
}
