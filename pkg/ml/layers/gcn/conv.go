// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gcn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConvScope is the scope created under the context given to the graph convolution, where its variables
// "weights" and "biases" are stored.
const ConvScope = "gcn_conv"

// ConvLayer is a graph convolution: each node's features are projected to Units dimensions with a learned
// kernel, a learned bias is added, and then the projections of the nodes reachable in up to StepNum edges
// are averaged, followed by the activation:
//
//	output = activation(MeanAggregate(features·weights + biases, ExpandNeighborhood(adjacency, StepNum)))
//
// Since the bias is added before averaging, it is weighted by the adjacency entries like the features.
type ConvLayer struct {
	// Units is the output feature dimension. It must be >= 1.
	Units int

	// StepNum is the number of edges walked when expanding the neighborhood. It must be >= 1.
	StepNum int

	// Activation applied to the output.
	Activation activations.Type

	// UseBias adds a learned bias of shape `[Units]`.
	UseBias bool

	// KernelInitializer for the weights. If nil, the context's default initializer is used.
	KernelInitializer context.VariableInitializer

	// BiasInitializer for the biases. If nil, it uses initializers.Zero.
	BiasInitializer context.VariableInitializer

	// KernelRegularizer, if not nil, is applied to the weights.
	KernelRegularizer regularizers.Regularizer

	// BiasRegularizer, if not nil, is applied to the biases.
	BiasRegularizer regularizers.Regularizer

	// builtScope is the scope where BuildParameters created the variables, reused by Forward.
	builtScope string
}

var _ Layer = (*ConvLayer)(nil)

// NewConvLayer returns a ConvLayer with the given number of units, StepNum 1, no activation, with bias and
// no regularization.
//
// Use Conv to create one configured from the context hyperparameters.
func NewConvLayer(units int) *ConvLayer {
	return &ConvLayer{
		Units:   units,
		StepNum: 1,
		UseBias: true,
	}
}

func (l *ConvLayer) validate() error {
	if l.Units < 1 {
		return errors.Errorf("gcn.ConvLayer requires Units >= 1, got %d", l.Units)
	}
	if l.StepNum < 1 {
		return errors.Errorf("gcn.ConvLayer requires StepNum >= 1, got %d", l.StepNum)
	}
	return nil
}

// BuildParameters implements Layer. It creates the variables "weights" (shaped `[featureDim, Units]`) and, if
// UseBias is set, "biases" (shaped `[Units]`), under the scope ConvScope.
//
// Forward reuses them when called with a context in the same scope. Any other layer creating variables in
// that scope panics, as usual for a checked context.
func (l *ConvLayer) BuildParameters(ctx *context.Context, featuresShape shapes.Shape) error {
	if err := l.validate(); err != nil {
		return err
	}
	if featuresShape.Rank() != 3 || !featuresShape.DType.IsFloat() {
		return errors.Errorf("features must be shaped [batch_size, num_nodes, feature_dim] with a float dtype, got %s",
			featuresShape)
	}
	err := exceptions.TryCatch[error](func() {
		_, _ = l.variables(ctx, featuresShape.DType, featuresShape.Dim(2))
	})
	if err != nil {
		return err
	}
	l.builtScope = ctx.In(ConvScope).Scope()
	return nil
}

// OutputShape implements Layer. The output is shaped `[batchSize, numNodes, Units]`.
func (l *ConvLayer) OutputShape(featuresShape, adjacencyShape shapes.Shape) (shapes.Shape, error) {
	if err := l.validate(); err != nil {
		return shapes.Shape{}, err
	}
	if err := checkShapes(featuresShape, adjacencyShape); err != nil {
		return shapes.Shape{}, err
	}
	return shapes.Make(featuresShape.DType, featuresShape.Dim(0), featuresShape.Dim(1), l.Units), nil
}

// ComputeMask implements Layer, passing through the features mask.
func (l *ConvLayer) ComputeMask(featuresMask, _ *Node) *Node {
	return featuresMask
}

// variables returns the weights and, if UseBias is set, the biases variables.
// They are created, unless BuildParameters already created them in the same scope.
func (l *ConvLayer) variables(ctx *context.Context, dtype dtypes.DType, featureDim int) (weightsVar, biasesVar *context.Variable) {
	ctx = ctx.In(ConvScope)
	if l.builtScope != "" && ctx.Scope() == l.builtScope {
		ctx = ctx.Reuse()
	}
	kernelCtx := ctx
	if l.KernelInitializer != nil {
		kernelCtx = ctx.WithInitializer(l.KernelInitializer)
	}
	weightsVar = kernelCtx.VariableWithShape("weights", shapes.Make(dtype, featureDim, l.Units))
	if l.UseBias {
		biasInitializer := l.BiasInitializer
		if biasInitializer == nil {
			biasInitializer = initializers.Zero
		}
		biasesVar = ctx.WithInitializer(biasInitializer).VariableWithShape("biases", shapes.Make(dtype, l.Units))
	}
	return
}

// Forward implements Layer, returning the convolved features shaped `[batchSize, numNodes, Units]`.
// It creates the variables if BuildParameters was not called.
//
// The adjacency is converted to the dtype of the features.
func (l *ConvLayer) Forward(ctx *context.Context, features, adjacency *Node) *Node {
	if err := l.validate(); err != nil {
		panic(err)
	}
	mustCheckInputs("ConvLayer", features, adjacency)
	g := features.Graph()
	dtype := features.DType()
	klog.V(1).Infof("gcn.ConvLayer(%s): units=%d, step_num=%d, activation=%s, use_bias=%v, features=%s",
		ctx.Scope(), l.Units, l.StepNum, l.Activation, l.UseBias, features.Shape())

	weightsVar, biasesVar := l.variables(ctx, dtype, features.Shape().Dim(2))
	if l.KernelRegularizer != nil {
		l.KernelRegularizer(ctx, g, weightsVar)
	}
	if biasesVar != nil && l.BiasRegularizer != nil {
		l.BiasRegularizer(ctx, g, biasesVar)
	}

	adjacency = adjacencyAs(adjacency, dtype)
	adjacency = ExpandNeighborhood(adjacency, l.StepNum)
	projected := Einsum("bnf,fu->bnu", features, weightsVar.ValueGraph(g))
	if biasesVar != nil {
		biases := Reshape(biasesVar.ValueGraph(g), 1, 1, l.Units)
		projected = Add(projected, biases)
	}
	output := MeanAggregate(projected, adjacency)
	output = activations.Apply(l.Activation, output)
	traceNaN(output, ctx.Scope(), "gcn.ConvLayer")
	return output
}

// ConvConfig is created with Conv and can be configured with its methods, or simply setting the corresponding
// hyperparameters in the context. Call Done to build the graph convolution.
type ConvConfig struct {
	ctx                 *context.Context
	features, adjacency *Node
	layer               ConvLayer
}

// Conv creates a configuration for a graph convolution with the given number of output units.
// It can be further configured through its methods, and when finished, call Done to build the computation.
//
// Inputs:
//   - features: shaped `[batchSize, numNodes, featureDim]`, with a float dtype.
//   - adjacency: shaped `[batchSize, numNodes, numNodes]`, any numeric dtype.
//
// The output is shaped `[batchSize, numNodes, units]`. The variables are created under ctx.In(ConvScope).
//
// Defaults can be configured with the context hyperparameters ParamStepNum, ParamActivation, ParamUseBias
// and the regularizers.ParamL1 and regularizers.ParamL2 (for the kernel).
//
// E.g.:
//
//	x = gcn.Conv(ctx.In("conv_0"), features, adjacency, 64).
//		StepNum(2).
//		Activation(activations.TypeRelu).
//		Done()
func Conv(ctx *context.Context, features, adjacency *Node, units int) *ConvConfig {
	if units < 1 {
		exceptions.Panicf("gcn.Conv requires units >= 1, got %d", units)
	}
	return &ConvConfig{
		ctx:       ctx,
		features:  features,
		adjacency: adjacency,
		layer: ConvLayer{
			Units:             units,
			StepNum:           context.GetParamOr(ctx, ParamStepNum, 1),
			Activation:        activations.FromName(context.GetParamOr(ctx, ParamActivation, "")),
			UseBias:           context.GetParamOr(ctx, ParamUseBias, true),
			KernelRegularizer: regularizers.FromContext(ctx),
		},
	}
}

// StepNum sets the number of edges walked when expanding the neighborhood of each node.
// With stepNum > 1 nodes also aggregate the features of nodes further away.
//
// The default is 1, and it can be configured with the hyperparameter ParamStepNum.
func (c *ConvConfig) StepNum(stepNum int) *ConvConfig {
	if stepNum < 1 {
		exceptions.Panicf("gcn.Conv requires stepNum >= 1, got %d", stepNum)
	}
	c.layer.StepNum = stepNum
	return c
}

// Activation sets the activation applied to the output.
//
// The default is none, and it can be configured with the hyperparameter ParamActivation.
func (c *ConvConfig) Activation(activation activations.Type) *ConvConfig {
	c.layer.Activation = activation
	return c
}

// UseBias configures whether to add a learned bias to the projected features.
//
// The default is true, and it can be configured with the hyperparameter ParamUseBias.
func (c *ConvConfig) UseBias(useBias bool) *ConvConfig {
	c.layer.UseBias = useBias
	return c
}

// KernelInitializer sets the initializer of the weights. The default is the context's initializer.
func (c *ConvConfig) KernelInitializer(initializer context.VariableInitializer) *ConvConfig {
	c.layer.KernelInitializer = initializer
	return c
}

// BiasInitializer sets the initializer of the biases. The default is initializers.Zero.
func (c *ConvConfig) BiasInitializer(initializer context.VariableInitializer) *ConvConfig {
	c.layer.BiasInitializer = initializer
	return c
}

// KernelRegularizer to be applied to the weights.
//
// The default is regularizers.FromContext, which is configured by regularizers.ParamL1 and regularizers.ParamL2.
func (c *ConvConfig) KernelRegularizer(regularizer regularizers.Regularizer) *ConvConfig {
	c.layer.KernelRegularizer = regularizer
	return c
}

// BiasRegularizer to be applied to the biases. Default is none.
func (c *ConvConfig) BiasRegularizer(regularizer regularizers.Regularizer) *ConvConfig {
	c.layer.BiasRegularizer = regularizer
	return c
}

// Layer returns a copy of the configured ConvLayer.
func (c *ConvConfig) Layer() *ConvLayer {
	layer := c.layer
	return &layer
}

// Done builds the graph convolution and returns its output.
func (c *ConvConfig) Done() *Node {
	return c.layer.Forward(c.ctx, c.features, c.adjacency)
}
