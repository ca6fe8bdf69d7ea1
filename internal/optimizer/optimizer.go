// Package optimizer implements the Adam (and AdamW) update of the model variables as part of
// the train step graph, with optional global-norm gradient clipping and a linear
// warmup/decay learning rate schedule.
//
// All hyperparameters are read from the context (see the Param* constants), and all of the
// optimizer state (moments and step counter) are context variables under Scope, so they are
// saved and restored with the checkpoints.
package optimizer

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/sentigo/internal/generics"
	"strings"
)

// Hyperparameter keys shared with the GoMLX optimizers.
var (
	ParamLearningRate = optimizers.ParamLearningRate
	ParamEpsilon      = optimizers.ParamAdamEpsilon
)

// Hyperparameter keys.
const (
	ParamWeightDecay = optimizers.ParamAdamWeightDecay

	// ParamClipNorm is the maximum global norm of the gradients. If <= 0, no clipping is done.
	ParamClipNorm = "clip_norm"

	// ParamWarmupSteps and ParamTotalSteps configure the linear warmup/decay schedule.
	// The schedule is only used if ParamTotalSteps > 0, otherwise the learning rate is constant.
	ParamWarmupSteps = "warmup_steps"
	ParamTotalSteps  = "total_steps"
)

// Scope of the optimizer variables.
const Scope = "optimizer"

const (
	beta1 = 0.9
	beta2 = 0.999
)

// Adam optimizer, with decoupled weight decay (AdamW) if ParamWeightDecay > 0.
type Adam struct {
	learningRate, epsilon, weightDecay, clipNorm float64
	warmupSteps, totalSteps                      int
}

// FromContext creates an Adam optimizer configured by the context hyperparameters.
func FromContext(ctx *context.Context) *Adam {
	return &Adam{
		learningRate: context.GetParamOr(ctx, ParamLearningRate, 0.001),
		epsilon:      context.GetParamOr(ctx, ParamEpsilon, 1e-8),
		weightDecay:  context.GetParamOr(ctx, ParamWeightDecay, 0.0),
		clipNorm:     context.GetParamOr(ctx, ParamClipNorm, 0.0),
		warmupSteps:  context.GetParamOr(ctx, ParamWarmupSteps, 0),
		totalSteps:   context.GetParamOr(ctx, ParamTotalSteps, 0),
	}
}

// TrainableVariables returns the trainable variables under the given scope (relative to the root scope).
func TrainableVariables(ctx *context.Context, scope string) []*context.Variable {
	prefix := context.ScopeSeparator + scope
	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		if v.Scope() == prefix || strings.HasPrefix(v.Scope(), prefix+context.ScopeSeparator) {
			vars = append(vars, v)
		}
	})
	return vars
}

// UpdateGraph takes the gradient of loss with respect to vars, clips it and updates the variables
// and the optimizer state.
//
// It returns the global norm of the gradients before clipping, and the learning rate used.
func (o *Adam) UpdateGraph(ctx *context.Context, loss *Node, vars []*context.Variable) (gradNorm, learningRate *Node) {
	if len(vars) == 0 {
		exceptions.Panicf("optimizer: no trainable variables to update")
	}
	g := loss.Graph()
	dtype := loss.DType()
	values := generics.SliceMap(vars, func(v *context.Variable) *Node { return v.ValueGraph(g) })
	grads := Gradient(loss, values...)
	grads, gradNorm = ClipByGlobalNorm(grads, o.clipNorm)

	// Step counter: the schedule uses the number of updates done before this one.
	optCtx := ctx.In(Scope)
	stepVar := optCtx.VariableWithValue("step", int64(0))
	stepVar.Trainable = false
	previousStep := stepVar.ValueGraph(g)
	step := Add(previousStep, OnesLike(previousStep))
	stepVar.SetValueGraph(step)

	learningRate = MulScalar(ScheduleFactor(ConvertDType(previousStep, dtype), o.warmupSteps, o.totalSteps),
		o.learningRate)

	// Bias corrections.
	stepF := ConvertDType(step, dtype)
	correction1 := OneMinus(Pow(Scalar(g, dtype, beta1), stepF))
	correction2 := OneMinus(Pow(Scalar(g, dtype, beta2), stepF))

	for ii, v := range vars {
		grad := ConvertDType(grads[ii], v.Shape().DType)
		mVar := optCtx.In("m").VariableWithValue(momentName(v), tensors.FromShape(v.Shape()))
		vVar := optCtx.In("v").VariableWithValue(momentName(v), tensors.FromShape(v.Shape()))
		mVar.Trainable = false
		vVar.Trainable = false
		m := Add(MulScalar(mVar.ValueGraph(g), beta1), MulScalar(grad, 1-beta1))
		sq := Add(MulScalar(vVar.ValueGraph(g), beta2), MulScalar(Square(grad), 1-beta2))
		mVar.SetValueGraph(m)
		vVar.SetValueGraph(sq)

		param := values[ii]
		update := Div(Div(m, correction1), AddScalar(Sqrt(Div(sq, correction2)), o.epsilon))
		if o.weightDecay > 0 {
			update = Add(update, MulScalar(param, o.weightDecay))
		}
		v.SetValueGraph(Sub(param, Mul(update, learningRate)))
	}
	return
}

// momentName for the optimizer state of variable v.
func momentName(v *context.Variable) string {
	name := strings.TrimPrefix(v.Scope(), context.ScopeSeparator)
	name = strings.ReplaceAll(name, context.ScopeSeparator, ".")
	if name == "" {
		return v.Name()
	}
	return name + "." + v.Name()
}

// ClipByGlobalNorm scales grads down so that their global L2 norm is at most clipNorm.
// If clipNorm <= 0 the gradients are returned unchanged.
//
// It returns the (possibly) scaled gradients and the global norm before clipping.
func ClipByGlobalNorm(grads []*Node, clipNorm float64) (clipped []*Node, globalNorm *Node) {
	g := grads[0].Graph()
	dtype := grads[0].DType()
	sumSquares := ScalarZero(g, dtype)
	for _, grad := range grads {
		sumSquares = Add(sumSquares, ConvertDType(ReduceAllSum(Square(grad)), dtype))
	}
	globalNorm = Sqrt(sumSquares)
	if clipNorm <= 0 {
		return grads, globalNorm
	}
	scale := Min(ScalarOne(g, dtype), Div(Scalar(g, dtype, clipNorm), AddScalar(globalNorm, 1e-6)))
	clipped = make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped, globalNorm
}

// ScheduleFactor returns the learning rate multiplier for the given step (number of updates
// already done).
//
// If totalSteps <= 0 it is constant 1. Otherwise, it ramps linearly from 0 to 1 during the first
// warmupSteps, and then decays linearly to 0 at totalSteps.
func ScheduleFactor(step *Node, warmupSteps, totalSteps int) *Node {
	g := step.Graph()
	dtype := step.DType()
	if totalSteps <= 0 {
		return ScalarOne(g, dtype)
	}
	warmup := float64(warmupSteps)
	rampUp := DivScalar(step, max(warmup, 1))
	decay := DivScalar(Sub(Scalar(g, dtype, float64(totalSteps)), step), max(float64(totalSteps-warmupSteps), 1))
	decay = Max(decay, ScalarZero(g, dtype))
	return Where(LessThan(step, Scalar(g, dtype, warmup)), rampUp, decay)
}

// WarmupSteps returns the number of warmup steps for the fraction warmupPercent (from 0 to 1) of totalSteps.
func WarmupSteps(totalSteps int, warmupPercent float64) int {
	return int(float64(totalSteps) * warmupPercent)
}
