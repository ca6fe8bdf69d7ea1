// sentiment trains and tests sentence-level sentiment classifiers (CNN, LSTM or transformer
// encoder backbones).
//
// Training (-mode=train) runs a number of epochs over the training split, validates after
// each one, saves one checkpoint per epoch under <model_base_path>/checkpoints, promotes the
// best epoch (lowest validation loss) to <model_base_path>/checkpoints/e_best and finally tests it.
//
// Testing (-mode=test) loads the checkpoint in -load_model_path and runs the test pass.
//
// All the configuration can be given by flags or by a YAML file (-config); explicitly set
// flags override the file.
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/janpfeifer/sentigo/internal/checkpoints"
	"github.com/janpfeifer/sentigo/internal/config"
	"github.com/janpfeifer/sentigo/internal/data"
	"github.com/janpfeifer/sentigo/internal/device"
	"github.com/janpfeifer/sentigo/internal/engine"
	"github.com/janpfeifer/sentigo/internal/evaluator"
	"github.com/janpfeifer/sentigo/internal/metrics"
	"github.com/janpfeifer/sentigo/internal/models"
	"github.com/janpfeifer/sentigo/internal/profilers"
	"github.com/janpfeifer/sentigo/internal/trainer"
	"github.com/janpfeifer/sentigo/internal/ui/cli"
	"github.com/janpfeifer/sentigo/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"time"
)

var flagConfig = flag.String("config", "", "YAML configuration file. Flags explicitly set override its values.")

// Globals
var (
	// globalCtx is cancelled when the program is interrupted.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if *flagConfig != "" {
		if err := cfg.LoadFile(*flagConfig, flag.CommandLine); err != nil {
			klog.Errorf("%+v", err)
			os.Exit(1)
		}
	}

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	if cfg.HParams == "help" {
		printHyperparametersHelp()
		return
	}
	mode, err := cfg.ParsedMode()
	if err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
	if err = cfg.Validate(); err != nil {
		klog.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	switch mode {
	case config.ModeTrain:
		must.M(train(cfg))
	case config.ModeTest:
		must.M(test(cfg))
	}
}

// printHyperparametersHelp lists the hyperparameters of each backbone type and their defaults.
func printHyperparametersHelp() {
	for _, modelType := range models.TypeValues() {
		backbone := must.M1(models.New(models.Config{Type: modelType, VocabSize: 1, NumClasses: 2, MaxLen: 3}))
		fmt.Printf("%s:\n%s\n", modelType, models.HyperparametersHelp(backbone))
	}
}

// modelFactory returns the factory of fresh backbones for the configuration.
func modelFactory(cfg *config.Config, vocab *data.Vocabulary) (trainer.Factory, error) {
	modelType, err := cfg.BackboneType()
	if err != nil {
		return nil, err
	}
	return func() (models.Backbone, error) {
		return models.New(models.Config{
			Type:       modelType,
			VocabSize:  vocab.Len(),
			NumClasses: cfg.NumClasses,
			MaxLen:     cfg.MaxLen,
			Params:     cfg.ModelParams(),
		})
	}, nil
}

func loadData(cfg *config.Config, paths data.Paths, vocab *data.Vocabulary) (*data.Module, error) {
	var spinner *spinning.Spinning
	if trainer.ShowProgressDefault() {
		spinner = spinning.New(globalCtx, "Loading data")
	}
	module, err := data.Load(globalCtx, paths, cfg.NumClasses, vocab)
	if spinner != nil {
		spinner.Done()
	}
	return module, err
}

func train(cfg *config.Config) error {
	paths := data.Paths{Train: cfg.TrainPath, Validation: cfg.ValPath}
	if !cfg.TestOnVal {
		paths.Test = cfg.TestPath
	}
	module, err := loadData(cfg, paths, nil)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(cfg.ModelBasePath, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create model directory %s", cfg.ModelBasePath)
	}
	if err = module.Vocab.Save(cfg.VocabPath()); err != nil {
		return err
	}
	if err = cfg.Save(cfg.SnapshotPath()); err != nil {
		return err
	}

	dev, err := device.New(cfg.GPU, cfg.Backend)
	if err != nil {
		return err
	}
	defer dev.Finalize()
	factory, err := modelFactory(cfg, module.Vocab)
	if err != nil {
		return err
	}
	boundary := must.M1(cfg.BatchBoundary())
	promoter := must.M1(cfg.Promoter())
	modelType := must.M1(cfg.BackboneType())

	trainSink, err := metrics.NewEventWriter(cfg.TrainLogDir())
	if err != nil {
		return err
	}
	defer func() { _ = trainSink.Close() }()
	valSink, err := metrics.NewEventWriter(cfg.ValLogDir())
	if err != nil {
		return err
	}
	defer func() { _ = valSink.Close() }()

	t, err := trainer.New(trainer.Config{
		NumEpoch:       cfg.NumEpoch,
		BatchSizeTrain: cfg.BatchSizeTrain,
		BatchSizeVal:   cfg.BatchSizeVal,
		BatchSizeTest:  cfg.BatchSizeTest,
		Boundary:       boundary,
		LearningRate:   cfg.LearningRate,
		ClipNorm:       cfg.ClipNorm,
		WarmupPercent:  cfg.WarmupPercent,
		AdamEps:        cfg.AdamEps,
		WeightDecay:    cfg.WeightDecay,
		Seed:           cfg.Seed,
		TestOnVal:      cfg.TestOnVal,
		ShowProgress:   trainer.ShowProgressDefault(),
	}, dev, factory, trainer.NewEncoder(modelType, module.Vocab, cfg.MaxLen),
		checkpoints.NewStore(cfg.ModelBasePath, promoter))
	if err != nil {
		return err
	}
	klog.Infof("Training %s model (hparams=%q) on %s for %d epochs", modelType, cfg.HParams, dev, cfg.NumEpoch)
	summary, err := t.WithMetrics(trainSink, valSink).Run(module)
	if err != nil {
		return err
	}
	cli.PrintSummary(summary)
	return nil
}

func test(cfg *config.Config) error {
	vocab, err := data.LoadVocabulary(cfg.VocabPath())
	if err != nil {
		return err
	}
	paths := data.Paths{Test: cfg.TestPath}
	if cfg.TestOnVal {
		paths = data.Paths{Validation: cfg.ValPath}
	}
	module, err := loadData(cfg, paths, vocab)
	if err != nil {
		return err
	}
	split := module.Test
	if cfg.TestOnVal {
		split = module.Validation
	}

	dev, err := device.New(cfg.GPU, cfg.Backend)
	if err != nil {
		return err
	}
	defer dev.Finalize()
	factory, err := modelFactory(cfg, vocab)
	if err != nil {
		return err
	}
	backbone, _, err := checkpoints.Restore(cfg.LoadModelPath, factory)
	if err != nil {
		return err
	}
	e := engine.New(dev, backbone)
	defer e.Finalize()
	encoder := trainer.NewEncoder(backbone.Type(), vocab, cfg.MaxLen)
	result, err := evaluator.New(e, encoder, cfg.BatchSizeTest, must.M1(cfg.BatchBoundary())).Test(split, nil)
	if err != nil {
		return err
	}
	cli.PrintTest(result)
	return nil
}
