// Package config defines the configuration of a training or test run: it can be given as a YAML
// file, and overridden by command-line flags.
package config

import (
	"bytes"
	"flag"
	"github.com/janpfeifer/sentigo/internal/batcher"
	"github.com/janpfeifer/sentigo/internal/checkpoints"
	"github.com/janpfeifer/sentigo/internal/models"
	"github.com/janpfeifer/sentigo/internal/parameters"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"os"
	"path/filepath"
	"strings"
)

// Mode of the program.
type Mode int

const (
	ModeTrain Mode = iota
	ModeTest
)

var modeNames = []string{"train", "test"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "invalid"
	}
	return modeNames[m]
}

// ParseMode converts "train" or "test" to a Mode.
func ParseMode(s string) (Mode, error) {
	for ii, name := range modeNames {
		if s == name {
			return Mode(ii), nil
		}
	}
	return ModeTrain, errors.Errorf("incorrect mode %q, valid values are %q", s, modeNames)
}

// Config of a run.
type Config struct {
	Mode string `yaml:"mode"`

	// Backbone selection: if UseTransformerBackbone is set, ModelType is ignored.
	UseTransformerBackbone bool   `yaml:"use_transformer_backbone"`
	ModelType              string `yaml:"model_type"`
	HParams                string `yaml:"hparams"`

	// Data.
	TrainPath  string `yaml:"train_path"`
	ValPath    string `yaml:"val_path"`
	TestPath   string `yaml:"test_path"`
	NumClasses int    `yaml:"num_classes"`
	MaxLen     int    `yaml:"max_len"`
	TestOnVal  bool   `yaml:"test_on_val"`

	// Training.
	BatchSizeTrain int     `yaml:"batch_size_train"`
	BatchSizeVal   int     `yaml:"batch_size_val"`
	BatchSizeTest  int     `yaml:"batch_size_test"`
	Boundary       string  `yaml:"boundary"`
	NumEpoch       int     `yaml:"num_epoch"`
	LearningRate   float64 `yaml:"learning_rate"`
	ClipNorm       float64 `yaml:"clip_norm"`
	WarmupPercent  float64 `yaml:"warmup_percent"`
	AdamEps        float64 `yaml:"adam_eps"`
	WeightDecay    float64 `yaml:"weight_decay"`
	Seed           uint64  `yaml:"seed"`

	// Outputs.
	ModelBasePath  string `yaml:"model_base_path"`
	TBLogTrainPath string `yaml:"tb_log_train_path"`
	TBLogValPath   string `yaml:"tb_log_val_path"`
	Promote        string `yaml:"promote"`
	LoadModelPath  string `yaml:"load_model_path"`

	// Device.
	GPU     bool   `yaml:"gpu"`
	Backend string `yaml:"backend"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Mode:           "train",
		ModelType:      "cnn",
		NumClasses:     2,
		MaxLen:         128,
		BatchSizeTrain: 32,
		BatchSizeVal:   64,
		BatchSizeTest:  64,
		Boundary:       "keep",
		NumEpoch:       10,
		LearningRate:   1e-3,
		ClipNorm:       1.0,
		WarmupPercent:  0.1,
		AdamEps:        1e-8,
		Seed:           42,
		ModelBasePath:  "model",
		Promote:        "copy",
	}
}

// RegisterFlags binds the configuration fields to flags in fs, with the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Mode, "mode", c.Mode, "Program mode: \"train\" or \"test\".")
	fs.BoolVar(&c.UseTransformerBackbone, "use_transformer_backbone", c.UseTransformerBackbone,
		"Use the transformer encoder backbone. If set -model_type is ignored.")
	fs.StringVar(&c.ModelType, "model_type", c.ModelType, "Backbone type if not using the transformer: \"cnn\" or \"lstm\".")
	fs.StringVar(&c.HParams, "hparams", c.HParams,
		"Model hyperparameters as \"key=value,...\". Use \"help\" to list them.")
	fs.StringVar(&c.TrainPath, "train_path", c.TrainPath, "Training split, TSV file with \"<label>\\t<sentence>\" lines.")
	fs.StringVar(&c.ValPath, "val_path", c.ValPath, "Validation split, same format as -train_path.")
	fs.StringVar(&c.TestPath, "test_path", c.TestPath, "Test split, same format as -train_path.")
	fs.IntVar(&c.NumClasses, "num_classes", c.NumClasses, "Number of classes.")
	fs.IntVar(&c.MaxLen, "max_len", c.MaxLen, "Sentences are padded or truncated to this number of tokens.")
	fs.BoolVar(&c.TestOnVal, "test_on_val", c.TestOnVal, "Use the validation split as the test split.")
	fs.IntVar(&c.BatchSizeTrain, "batch_size_train", c.BatchSizeTrain, "Training batch size.")
	fs.IntVar(&c.BatchSizeVal, "batch_size_val", c.BatchSizeVal, "Validation batch size.")
	fs.IntVar(&c.BatchSizeTest, "batch_size_test", c.BatchSizeTest, "Test batch size.")
	fs.StringVar(&c.Boundary, "boundary", c.Boundary,
		"Last partial batch policy: \"keep\", \"pad\" (fixed batch shapes) or \"drop\" (training only).")
	fs.IntVar(&c.NumEpoch, "num_epoch", c.NumEpoch, "Number of training epochs.")
	fs.Float64Var(&c.LearningRate, "learning_rate", c.LearningRate, "Learning rate.")
	fs.Float64Var(&c.ClipNorm, "clip_norm", c.ClipNorm, "Clip gradients to this global norm. Disabled if <= 0.")
	fs.Float64Var(&c.WarmupPercent, "warmup_percent", c.WarmupPercent,
		"Fraction of the training steps used for the learning rate warmup (transformer backbone only).")
	fs.Float64Var(&c.AdamEps, "adam_eps", c.AdamEps, "Adam epsilon (transformer backbone only).")
	fs.Float64Var(&c.WeightDecay, "weight_decay", c.WeightDecay, "AdamW weight decay (transformer backbone only).")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "Seed for the shuffling of the training split.")
	fs.StringVar(&c.ModelBasePath, "model_base_path", c.ModelBasePath,
		"Directory where the checkpoints, vocabulary and configuration are saved.")
	fs.StringVar(&c.TBLogTrainPath, "tb_log_train_path", c.TBLogTrainPath,
		"TensorBoard log directory for training metrics. Defaults to <model_base_path>/tb/train.")
	fs.StringVar(&c.TBLogValPath, "tb_log_val_path", c.TBLogValPath,
		"TensorBoard log directory for validation metrics. Defaults to <model_base_path>/tb/val.")
	fs.StringVar(&c.Promote, "promote", c.Promote,
		"How the best epoch checkpoint is promoted: \"copy\", \"rename\" or \"symlink\".")
	fs.StringVar(&c.LoadModelPath, "load_model_path", c.LoadModelPath, "Checkpoint directory to load in test mode.")
	fs.BoolVar(&c.GPU, "gpu", c.GPU, "Place the model and batches on the GPU.")
	fs.StringVar(&c.Backend, "backend", c.Backend, "GoMLX backend configuration, overrides -gpu if set.")
}

// LoadFile overlays the YAML configuration file at path on c, except for the flags explicitly
// set in fs (which can be nil), which take precedence.
//
// Unknown keys in the file are an error.
func (c *Config) LoadFile(path string, fs *flag.FlagSet) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read configuration file")
	}
	explicit := make(map[string]string)
	if fs != nil {
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
	}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err = decoder.Decode(c); err != nil {
		return errors.Wrapf(err, "failed to parse configuration file %s", path)
	}
	for name, value := range explicit {
		if err = fs.Set(name, value); err != nil {
			return errors.Wrapf(err, "failed to re-apply flag -%s", name)
		}
	}
	return nil
}

// Save the configuration as YAML to path, creating the directory if needed.
func (c *Config) Save(path string) error {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize configuration")
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	return errors.Wrapf(os.WriteFile(path, contents, 0o644), "failed to write configuration to %s", path)
}

// ParsedMode returns the Mode of the configuration.
func (c *Config) ParsedMode() (Mode, error) {
	return ParseMode(strings.ToLower(strings.TrimSpace(c.Mode)))
}

// BackboneType returns the backbone selected by the configuration.
func (c *Config) BackboneType() (models.Type, error) {
	if c.UseTransformerBackbone {
		return models.TypeTransformer, nil
	}
	modelType, err := models.TypeString(c.ModelType)
	if err != nil || modelType == models.TypeTransformer {
		return models.TypeCNN, errors.Errorf("invalid model_type %q, valid values are \"cnn\" or \"lstm\" "+
			"(use use_transformer_backbone for the transformer)", c.ModelType)
	}
	return modelType, nil
}

// BatchBoundary returns the parsed Boundary.
func (c *Config) BatchBoundary() (batcher.Boundary, error) {
	return batcher.ParseBoundary(c.Boundary)
}

// Promoter returns the checkpoint promoter selected.
func (c *Config) Promoter() (checkpoints.Promoter, error) {
	return checkpoints.ParsePromoter(c.Promote)
}

// ModelParams returns the model hyperparameters given in HParams.
func (c *Config) ModelParams() parameters.Params {
	return parameters.NewFromConfigString(c.HParams)
}

// TrainLogDir returns the TensorBoard directory for the training metrics.
func (c *Config) TrainLogDir() string {
	if c.TBLogTrainPath != "" {
		return c.TBLogTrainPath
	}
	return filepath.Join(c.ModelBasePath, "tb", "train")
}

// ValLogDir returns the TensorBoard directory for the validation metrics.
func (c *Config) ValLogDir() string {
	if c.TBLogValPath != "" {
		return c.TBLogValPath
	}
	return filepath.Join(c.ModelBasePath, "tb", "val")
}

// VocabPath is where the vocabulary is saved during training and loaded from in test mode.
func (c *Config) VocabPath() string {
	return filepath.Join(c.ModelBasePath, "vocab.txt")
}

// SnapshotPath is where the effective configuration of a training run is saved.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.ModelBasePath, "config.yaml")
}

// Validate the configuration. The mode itself is not checked here, see ParsedMode.
func (c *Config) Validate() error {
	mode, err := c.ParsedMode()
	if err != nil {
		return err
	}
	if _, err = c.BackboneType(); err != nil {
		return err
	}
	if _, err = c.BatchBoundary(); err != nil {
		return err
	}
	if _, err = c.Promoter(); err != nil {
		return err
	}
	for _, check := range []struct {
		name  string
		value int
	}{
		{"batch_size_train", c.BatchSizeTrain},
		{"batch_size_val", c.BatchSizeVal},
		{"batch_size_test", c.BatchSizeTest},
		{"max_len", c.MaxLen},
		{"num_epoch", c.NumEpoch},
	} {
		if check.value <= 0 {
			return errors.Errorf("%s must be a positive integer, got %d", check.name, check.value)
		}
	}
	if c.NumClasses < 2 {
		return errors.Errorf("num_classes must be >= 2, got %d", c.NumClasses)
	}
	if c.UseTransformerBackbone && c.MaxLen < 3 {
		return errors.Errorf("max_len must be >= 3 for the transformer backbone, got %d", c.MaxLen)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0, got %g", c.LearningRate)
	}
	if c.WarmupPercent < 0 || c.WarmupPercent > 1 {
		return errors.Errorf("warmup_percent must be in [0, 1], got %g", c.WarmupPercent)
	}
	if c.ModelBasePath == "" {
		return errors.New("model_base_path must be set")
	}
	if c.TestOnVal && c.ValPath == "" {
		return errors.New("test_on_val requires val_path")
	}
	switch mode {
	case ModeTrain:
		if c.TrainPath == "" || c.ValPath == "" {
			return errors.New("train mode requires train_path and val_path")
		}
	case ModeTest:
		if c.LoadModelPath == "" {
			return errors.New("test mode requires load_model_path")
		}
	}
	if !c.TestOnVal && c.TestPath == "" {
		return errors.New("test_path must be set, or test_on_val")
	}
	return nil
}
