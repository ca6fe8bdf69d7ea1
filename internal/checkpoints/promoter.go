package checkpoints

import (
	"github.com/pkg/errors"
	"os"
	"path/filepath"
	"strings"
)

// Promoter makes the checkpoint directory src available under dst, replacing whatever is in dst.
type Promoter interface {
	Promote(src, dst string) error
	String() string
}

// CopyPromoter copies the checkpoint: all epoch directories are kept intact.
type CopyPromoter struct{}

// Promote implements Promoter.
func (CopyPromoter) Promote(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "failed to remove %s", dst)
	}
	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		return errors.Wrapf(err, "failed to copy %s to %s", src, dst)
	}
	return nil
}

func (CopyPromoter) String() string { return "copy" }

// RenamePromoter moves the checkpoint: the epoch directory is gone afterward. A previously
// promoted epoch in dst is deleted, so with RenamePromoter only the last promotion survives.
// The trainer promotes once per run.
type RenamePromoter struct{}

// Promote implements Promoter.
func (RenamePromoter) Promote(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "failed to remove %s", dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(err, "failed to rename %s to %s", src, dst)
	}
	return nil
}

func (RenamePromoter) String() string { return "rename" }

// SymlinkPromoter links dst to the checkpoint. The link target is relative if both are in the
// same directory, so the checkpoints directory can be moved.
type SymlinkPromoter struct{}

// Promote implements Promoter.
func (SymlinkPromoter) Promote(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "failed to remove %s", dst)
	}
	target := src
	if filepath.Dir(src) == filepath.Dir(dst) {
		target = filepath.Base(src)
	} else if abs, err := filepath.Abs(src); err == nil {
		target = abs
	}
	if err := os.Symlink(target, dst); err != nil {
		return errors.Wrapf(err, "failed to link %s to %s", dst, src)
	}
	return nil
}

func (SymlinkPromoter) String() string { return "symlink" }

// ParsePromoter converts "copy", "rename" or "symlink" to the corresponding Promoter.
func ParsePromoter(name string) (Promoter, error) {
	switch strings.ToLower(name) {
	case "copy", "":
		return CopyPromoter{}, nil
	case "rename":
		return RenamePromoter{}, nil
	case "symlink":
		return SymlinkPromoter{}, nil
	}
	return nil, errors.Errorf("unknown checkpoint promotion %q, valid values are \"copy\", \"rename\" or \"symlink\"", name)
}
