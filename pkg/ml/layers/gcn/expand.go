// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gcn

import (
	"math/bits"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"k8s.io/klog/v2"
)

// ExpandNeighborhood returns the adjacency matrix of the nodes reachable from each node by walking up to
// stepNum edges, with all entries set to 0 or 1.
//
// The adjacency can be shaped `[numNodes, numNodes]` or `[batchSize, numNodes, numNodes]`.
// Non-float adjacency matrices are converted to Float32.
//
// If stepNum is 1 the adjacency is returned unchanged (it is not binarized). For larger values it
// uses exponentiation by squaring, so it costs O(log2(stepNum)) matrix products:
//
//	expand(A, 1) = A
//	expand(A, n) = binarize(expand(binarize(A·A), n/2))      for even n
//	expand(A, n) = binarize(expand(binarize(A·A), n/2) + A)  for odd n
//
// With self-loops on every node the result only gains entries as stepNum grows, and it is stable once
// stepNum reaches the diameter of the graph.
//
// It panics if stepNum < 1.
func ExpandNeighborhood(adjacency *Node, stepNum int) *Node {
	if stepNum < 1 {
		exceptions.Panicf("gcn.ExpandNeighborhood requires stepNum >= 1, got %d", stepNum)
	}
	if stepNum == 1 {
		return adjacency
	}
	if adjacency.Rank() != 2 && adjacency.Rank() != 3 {
		exceptions.Panicf("gcn.ExpandNeighborhood requires adjacency shaped [num_nodes, num_nodes] or "+
			"[batch_size, num_nodes, num_nodes], got %s", adjacency.Shape())
	}
	if !adjacency.DType().IsFloat() {
		adjacency = ConvertDType(adjacency, dtypes.Float32)
	}
	klog.V(2).Infof("gcn: expanding adjacency %s to %d steps with %d matrix products",
		adjacency.Shape(), stepNum, bits.Len(uint(stepNum))-1)
	return expandNeighborhood(adjacency, stepNum)
}

func expandNeighborhood(adjacency *Node, stepNum int) *Node {
	if stepNum <= 1 {
		return adjacency
	}
	expanded := expandNeighborhood(squareAdjacency(adjacency), stepNum/2)
	if stepNum%2 == 1 {
		expanded = Add(expanded, adjacency)
	}
	return Binarize(expanded)
}

// squareAdjacency returns binarize(A·A), batched if A has rank 3.
func squareAdjacency(adjacency *Node) *Node {
	equation := "ij,jk->ik"
	if adjacency.Rank() == 3 {
		equation = "bij,bjk->bik"
	}
	return Binarize(Einsum(equation, adjacency, adjacency))
}

// Binarize returns 1 where x > 0 and 0 elsewhere, with the same shape and dtype as x.
func Binarize(x *Node) *Node {
	return ConvertDType(GreaterThan(x, ZerosLike(x)), x.DType())
}
