// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gcn

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ReduceFn aggregates the values of the neighbors of each node.
//
// values are shaped `[batchSize, numNodes, featureDim]` and adjacency `[batchSize, numNodes, numNodes]`, with the
// same dtype. It must return a tensor shaped like values, where row `i` only depends on the rows `j` of values
// for which `adjacency[b, i, j] > 0`.
type ReduceFn func(values, adjacency *Node) *Node

// MeanAggregate returns for each node the mean of the values of its neighbors.
//
// Entries of adjacency are used as weights, so with a 0/1 adjacency it is the plain mean. A node
// without neighbors divides by zero (NaN).
func MeanAggregate(values, adjacency *Node) *Node {
	adjacency = adjacencyAs(adjacency, values.DType())
	sum := Einsum("bij,bjf->bif", adjacency, values)
	numNeighbors := ReduceAndKeep(adjacency, ReduceSum, -1) // [batchSize, numNodes, 1]
	return Div(sum, numNeighbors)
}

// MaxAggregate returns for each node the element-wise max of the values of its neighbors.
//
// Non-neighbors are masked out with the lowest value of the dtype (with Where, so no arithmetic is done on it).
// A node without neighbors gets the lowest value of the dtype (-Inf for floats).
//
// It materializes a `[batchSize, numNodes, numNodes, featureDim]` intermediate tensor.
func MaxAggregate(values, adjacency *Node) *Node {
	adjacency = adjacencyAs(adjacency, values.DType())
	dims := values.Shape().Dimensions
	batchSize, numNodes, featureDim := dims[0], dims[1], dims[2]
	broadcastDims := []int{batchSize, numNodes, numNodes, featureDim}

	// neighborValues[b, i, j, f] = values[b, j, f]
	neighborValues := BroadcastToDims(InsertAxes(values, 1), broadcastDims...)
	mask := GreaterThan(adjacency, ZerosLike(adjacency))
	mask = BroadcastToDims(InsertAxes(mask, -1), broadcastDims...)
	return MaskedReduceMax(neighborValues, mask, 2)
}

// adjacencyAs converts adjacency to dtype, if needed.
func adjacencyAs(adjacency *Node, dtype dtypes.DType) *Node {
	if adjacency.DType() == dtype {
		return adjacency
	}
	return ConvertDType(adjacency, dtype)
}
