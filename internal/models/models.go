// Package models implements the sentiment classifier backbones (CNN, LSTM and a transformer
// encoder) as GoMLX graphs, behind a uniform Backbone interface.
//
// All backbones take as inputs the token ids shaped [batch_size, max_len] (int32) and an
// attention mask of the same shape (int32, 1 for real tokens), and output the logits shaped
// [batch_size, num_classes].
//
// Backbones that compute their own loss (the transformer) also implement InternalLoss. The
// others have the loss computed by the caller with MaskedCrossEntropy: see LossAndLogits.
package models

import (
	"bytes"
	"fmt"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/sentigo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Type of backbone.
type Type int

const (
	TypeCNN Type = iota
	TypeLSTM
	TypeTransformer
)

//go:generate go tool enumer -type=Type -trimprefix=Type -transform=snake -values -text models.go

// Backbone is a GoMLX classifier model.
type Backbone interface {
	// Type of the backbone.
	Type() Type

	// Context used by the model: with both its weights and hyperparameters.
	Context() *context.Context

	// NumClasses the model classifies into.
	NumClasses() int

	// ForwardGraph is the GoMLX model graph function with the forward path.
	// inputs are the token ids and the attention mask, both shaped [batch_size, max_len].
	// It must return the logits shaped [batch_size, num_classes].
	ForwardGraph(ctx *context.Context, inputs []*Node) *Node
}

// InternalLoss is implemented by backbones that compute their loss along with the forward path.
type InternalLoss interface {
	Backbone

	// ForwardWithLossGraph returns the scalar loss (mean over the first numValid examples of the batch)
	// and the logits, shaped [batch_size, num_classes].
	//
	// labels are int32 shaped [batch_size], numValid is an int32 scalar.
	ForwardWithLossGraph(ctx *context.Context, inputs []*Node, labels, numValid *Node) (loss, logits *Node)
}

// WarmupScheduled is implemented by backbones trained with a linear warmup/decay learning rate schedule.
type WarmupScheduled interface {
	Backbone

	// WarmupScheduled is a marker method.
	WarmupScheduled()
}

// Config for the creation of a new Backbone.
type Config struct {
	Type       Type
	VocabSize  int
	NumClasses int
	MaxLen     int

	// Params overwrite the model hyperparameters, given as "key=value" pairs.
	// Consumed parameters are removed from it, and any key left over is an error.
	Params parameters.Params
}

// Model context hyperparameter keys shared by all backbones.
const (
	ParamVocabSize    = "vocab_size"
	ParamNumClasses   = "num_classes"
	ParamMaxLen       = "max_len"
	ParamEmbeddingDim = "embedding_dim"
)

// ModelScope is the scope of the model variables in the context.
// Variables outside it (optimizer state, random number generator state) are not trained.
const ModelScope = "model"

// New creates a freshly initialized backbone: the variables are only created when the graph
// is first built.
func New(config Config) (Backbone, error) {
	if config.VocabSize <= 0 || config.NumClasses < 2 || config.MaxLen <= 0 {
		return nil, errors.Errorf("invalid model configuration: vocab_size=%d, num_classes=%d, max_len=%d",
			config.VocabSize, config.NumClasses, config.MaxLen)
	}
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamVocabSize:  config.VocabSize,
		ParamNumClasses: config.NumClasses,
		ParamMaxLen:     config.MaxLen,
	})

	var backbone Backbone
	switch config.Type {
	case TypeCNN:
		backbone = newCNN(ctx)
	case TypeLSTM:
		backbone = newLSTM(ctx)
	case TypeTransformer:
		backbone = newTransformer(ctx)
	default:
		return nil, errors.Errorf("model type %s not implemented", config.Type)
	}
	if err := extractParams(backbone, config.Params); err != nil {
		return nil, err
	}
	if err := config.Params.Unused(); err != nil {
		return nil, errors.WithMessagef(err, "model %s", config.Type)
	}
	klog.V(1).Infof("Created %s backbone: vocab_size=%d, num_classes=%d, max_len=%d",
		config.Type, config.VocabSize, config.NumClasses, config.MaxLen)
	return backbone, nil
}

// LossAndLogits builds the forward path and the loss, using the backbone's own loss if it
// implements InternalLoss, and MaskedCrossEntropy otherwise.
func LossAndLogits(ctx *context.Context, backbone Backbone, inputs []*Node, labels, numValid *Node) (loss, logits *Node) {
	if internal, ok := backbone.(InternalLoss); ok {
		loss, logits = internal.ForwardWithLossGraph(ctx, inputs, labels, numValid)
	} else {
		logits = backbone.ForwardGraph(ctx, inputs)
		loss = MaskedCrossEntropy(logits, labels, numValid)
	}
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return
}

// HyperparametersHelp enumerates the hyperparameters of the backbone, and their current values.
func HyperparametersHelp(backbone Backbone) string {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Model %s hyperparameters:\n", backbone.Type())
	backbone.Context().EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: value is %v\n", key, value)
	})
	return buf.String()
}

// extractParams and write them as context hyperparameters.
func extractParams(backbone Backbone, params parameters.Params) error {
	if len(params) == 0 {
		return nil
	}
	ctx := backbone.Context()
	modelType := backbone.Type()
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelType)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelType)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelType)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelType, key, defaultValue)
		}
	})
	return err
}
