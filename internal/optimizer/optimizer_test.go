package optimizer

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestClipByGlobalNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	clip := func(clipNorm float64) (clipped []float32, norm float32) {
		outputs := context.ExecOnceN(backend, context.New(), func(ctx *context.Context, inputs []*Node) []*Node {
			// Two gradients with global norm 5: sqrt(3^2 + 4^2).
			grads, globalNorm := ClipByGlobalNorm([]*Node{inputs[0], inputs[1]}, clipNorm)
			return []*Node{Concatenate(grads, 0), globalNorm}
		}, []float32{3}, []float32{4})
		return tensors.CopyFlatData[float32](outputs[0]), tensors.ToScalar[float32](outputs[1])
	}

	clipped, norm := clip(1.0)
	assert.InDelta(t, 5.0, norm, 1e-5)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, clipped, 1e-4)
	assert.InDelta(t, 1.0, math.Hypot(float64(clipped[0]), float64(clipped[1])), 1e-4)

	// Norm already below the threshold.
	clipped, _ = clip(10.0)
	assert.InDeltaSlice(t, []float32{3, 4}, clipped, 1e-5)

	// Disabled.
	for _, clipNorm := range []float64{0, -1} {
		clipped, norm = clip(clipNorm)
		assert.InDelta(t, 5.0, norm, 1e-5)
		assert.Equal(t, []float32{3, 4}, clipped)
	}
}

func TestScheduleFactor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	factor := func(step float32, warmupSteps, totalSteps int) float32 {
		return tensors.ToScalar[float32](context.ExecOnce(backend, context.New(),
			func(ctx *context.Context, inputs []*Node) *Node {
				return ScheduleFactor(inputs[0], warmupSteps, totalSteps)
			}, step))
	}
	assert.Equal(t, float32(1), factor(7, 0, 0))
	assert.InDelta(t, 0.0, factor(0, 10, 110), 1e-6)
	assert.InDelta(t, 0.5, factor(5, 10, 110), 1e-6)
	assert.InDelta(t, 1.0, factor(10, 10, 110), 1e-6)
	assert.InDelta(t, 0.5, factor(60, 10, 110), 1e-6)
	assert.InDelta(t, 0.0, factor(200, 10, 110), 1e-6)

	// No warmup: decays from the first step.
	assert.InDelta(t, 1.0, factor(0, 0, 4), 1e-6)
	assert.InDelta(t, 0.75, factor(1, 0, 4), 1e-6)

	assert.Equal(t, 10, WarmupSteps(100, 0.1))
	assert.Equal(t, 0, WarmupSteps(100, 0))
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate:    0.5,
		optimizers.ParamAdamEpsilon:     1e-6,
		optimizers.ParamAdamWeightDecay: 0.01,
		ParamClipNorm:                   2.0,
		ParamTotalSteps:                 100,
		ParamWarmupSteps:                10,
	})
	opt := FromContext(ctx)
	assert.Equal(t, 0.5, opt.learningRate)
	assert.Equal(t, 1e-6, opt.epsilon)
	assert.Equal(t, 0.01, opt.weightDecay)
	assert.Equal(t, 2.0, opt.clipNorm)
	assert.Equal(t, 100, opt.totalSteps)
	assert.Equal(t, 10, opt.warmupSteps)

	defaults := FromContext(context.New())
	assert.Equal(t, 0.001, defaults.learningRate)
	assert.Equal(t, 0.0, defaults.clipNorm)
	assert.Equal(t, 0, defaults.totalSteps)
}

// trainOneStep of the loss dot(x, [3, 4]) (gradient norm 5), with x initialized to [1, 1].
func trainOneStep(t *testing.T, ctx *context.Context) (gradNorm float32) {
	backend := graphtest.BuildTestBackend()
	gradNormT := context.ExecOnce(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		g := inputs[0].Graph()
		xVar := ctx.In("model").VariableWithValue("x", []float32{1, 1})
		loss := Mul(inputs[0], ReduceAllSum(Mul(xVar.ValueGraph(g), Const(g, []float32{3, 4}))))
		opt := FromContext(ctx)
		vars := TrainableVariables(ctx, "model")
		require.Len(t, vars, 1)
		gradNorm, _ := opt.UpdateGraph(ctx, loss, vars)
		return gradNorm
	}, float32(1))
	return tensors.ToScalar[float32](gradNormT)
}

func TestAdamUpdateIsClipped(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamLearningRate: 0.1,
		ParamClipNorm:     1.0,
	})
	assert.InDelta(t, 5.0, trainOneStep(t, ctx), 1e-5)

	// The first moment holds (1-beta1) times the clipped gradient, of norm 1.
	xVar := ctx.InspectVariable("/model", "x")
	require.NotNil(t, xVar)
	mVar := ctx.InspectVariable(ctx.In(Scope).In("m").Scope(), momentName(xVar))
	require.NotNil(t, mVar)
	assert.InDeltaSlice(t, []float32{0.1 * 0.6, 0.1 * 0.8}, tensors.CopyFlatData[float32](mVar.Value()), 1e-5)

	// The first Adam step moves each parameter by ~learning rate.
	assert.InDeltaSlice(t, []float32{0.9, 0.9}, tensors.CopyFlatData[float32](xVar.Value()), 1e-4)

	stepVar := ctx.InspectVariable(ctx.In(Scope).Scope(), "step")
	require.NotNil(t, stepVar)
	assert.Equal(t, int64(1), tensors.ToScalar[int64](stepVar.Value()))
}

func TestAdamUpdateNotClipped(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamLearningRate: 0.1,
		ParamClipNorm:     0.0,
	})
	trainOneStep(t, ctx)
	xVar := ctx.InspectVariable("/model", "x")
	mVar := ctx.InspectVariable(ctx.In(Scope).In("m").Scope(), momentName(xVar))
	require.NotNil(t, mVar)
	assert.InDeltaSlice(t, []float32{0.1 * 3, 0.1 * 4}, tensors.CopyFlatData[float32](mVar.Value()), 1e-5)
}
