// Package checkpoints persists the model state (model and optimizer variables, plus the
// hyperparameters) in one directory per epoch, and promotes the best epoch to a canonical
// directory once training is over:
//
//	<model_base_path>/checkpoints/epoch_1/
//	<model_base_path>/checkpoints/epoch_2/
//	...
//	<model_base_path>/checkpoints/e_best/
//
// Each directory holds a GoMLX checkpoint. Once written, an epoch directory is never modified.
package checkpoints

import (
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	mlcheckpoints "github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/janpfeifer/sentigo/internal/models"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"path/filepath"
)

const (
	// DirName is the subdirectory of the model base path holding the checkpoints.
	DirName = "checkpoints"

	// BestName is the name of the directory of the promoted best epoch.
	BestName = "e_best"

	// ParamEpoch is the context hyperparameter holding the epoch of the checkpoint.
	ParamEpoch = "checkpoint_epoch"
)

// Store of the checkpoints of a training run.
type Store struct {
	dir      string
	promoter Promoter
}

// NewStore for the model base path. If promoter is nil, CopyPromoter is used.
func NewStore(modelBasePath string, promoter Promoter) *Store {
	if promoter == nil {
		promoter = CopyPromoter{}
	}
	return &Store{dir: filepath.Join(modelBasePath, DirName), promoter: promoter}
}

// Dir where the checkpoints are stored.
func (s *Store) Dir() string { return s.dir }

// EpochDir returns the directory of the checkpoint of the given epoch.
func (s *Store) EpochDir(epoch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("epoch_%d", epoch))
}

// BestDir returns the directory of the promoted best epoch.
func (s *Store) BestDir() string {
	return filepath.Join(s.dir, BestName)
}

// Save the context variables and hyperparameters as the checkpoint of the given epoch.
//
// A stale directory for the same epoch (from a previous run) is replaced. A failure only affects
// this epoch's directory.
func (s *Store) Save(ctx *context.Context, epoch int) error {
	dir := s.EpochDir(epoch)
	if _, err := os.Stat(dir); err == nil {
		klog.Warningf("Replacing stale checkpoint in %s", dir)
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "failed to remove stale checkpoint for epoch %d", epoch)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory for epoch %d", epoch)
	}
	ctx.SetParam(ParamEpoch, epoch)
	err := exceptions.TryCatch[error](func() {
		handler, err := mlcheckpoints.Build(ctx).Dir(dir).Immediate().Done()
		if err != nil {
			panic(err)
		}
		if err = handler.Save(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint for epoch %d in %s", epoch, dir)
	}
	klog.Infof("Saved checkpoint for epoch %d in %s", epoch, dir)
	return nil
}

// Promote the checkpoint of epoch to the canonical BestDir, replacing any previous one.
func (s *Store) Promote(epoch int) error {
	if epoch < 1 {
		return errors.Errorf("no best epoch to promote (epoch=%d)", epoch)
	}
	src, dst := s.EpochDir(epoch), s.BestDir()
	if _, err := os.Stat(src); err != nil {
		return errors.Wrapf(err, "checkpoint of epoch %d not found", epoch)
	}
	if err := s.promoter.Promote(src, dst); err != nil {
		return errors.WithMessagef(err, "failed to promote epoch %d with %s", epoch, s.promoter)
	}
	klog.Infof("Promoted checkpoint of epoch %d to %s (%s)", epoch, dst, s.promoter)
	return nil
}

// Restore builds a fresh backbone with factory and loads the checkpoint in dir into it.
// It returns the backbone and the epoch the checkpoint was saved at (0 if unknown).
func Restore(dir string, factory func() (models.Backbone, error)) (models.Backbone, int, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, 0, errors.Wrapf(err, "checkpoint %s not found", dir)
	}
	backbone, err := factory()
	if err != nil {
		return nil, 0, err
	}
	ctx := backbone.Context()
	err = exceptions.TryCatch[error](func() {
		_, err := mlcheckpoints.Build(ctx).Dir(dir).Immediate().Done()
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "failed to load checkpoint from %s", dir)
	}
	epoch := context.GetParamOr(ctx, ParamEpoch, 0)
	klog.Infof("Restored %s model from %s (epoch %d)", backbone.Type(), dir, epoch)
	return backbone, epoch, nil
}
