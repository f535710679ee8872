package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-dataprep/inference"
	"github.com/nvr-ai/go-dataprep/inference/providers"
	"github.com/nvr-ai/go-dataprep/metrics"
	"github.com/nvr-ai/go-dataprep/models/yolov4"
	"github.com/nvr-ai/go-dataprep/pipeline"
	"github.com/nvr-ai/go-dataprep/util"
)

const (
	// DefaultDetectorPath is the YOLOv4 ONNX export used by the crop operation.
	DefaultDetectorPath = "yolov4.onnx"
	// DefaultRestorerPath is the inpainting ONNX export used by the restore operation.
	DefaultRestorerPath = "inpaint.onnx"
	// DefaultOutputDir is where processed images are written.
	DefaultOutputDir = "output"
)

// flags holds the command line.
type flags struct {
	configPath   string
	modelsPath   string
	operation    string
	inputDir     string
	maskDir      string
	outputDir    string
	detectorPath string
	restorerPath string
	provider     string
	libraryPath  string
	metricsAddr  string
	logLevel     string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to a YAML pipeline config (defaults apply when empty)")
	flag.StringVar(&f.modelsPath, "models", "", "Path to a YAML model config: provider options, threads and tensor layouts")
	flag.StringVar(&f.operation, "op", string(pipeline.OperationCrop), "Operation to run: crop or restore")
	flag.StringVar(&f.inputDir, "input", "", "Directory of input images (.jpg, .jpeg, .png)")
	flag.StringVar(&f.maskDir, "masks", "", "Directory of restoration masks, matched to inputs by file stem")
	flag.StringVar(&f.outputDir, "output", DefaultOutputDir, "Output directory")
	flag.StringVar(&f.detectorPath, "detector", DefaultDetectorPath, "Path to the YOLOv4 ONNX model")
	flag.StringVar(&f.restorerPath, "restorer", DefaultRestorerPath, "Path to the inpainting ONNX model")
	flag.StringVar(&f.provider, "provider", "", "Execution provider: cpu, cuda, coreml or openvino (overrides -models)")
	flag.StringVar(&f.libraryPath, "onnxruntime", "", "Path to the onnxruntime shared library (overrides -models)")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flag.StringVar(&f.logLevel, "log-level", "info", "Log level")
	flag.Parse()

	level, err := log.ParseLevel(f.logLevel)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		log.WithError(err).Fatal("dataprep failed")
	}
}

func run(ctx context.Context, f flags) error {
	if f.inputDir == "" {
		return errors.New("-input is required")
	}

	cfg := pipeline.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = pipeline.LoadConfig(f.configPath); err != nil {
			return err
		}
	}

	models, err := loadModelConfig(f.modelsPath)
	if err != nil {
		return err
	}
	if f.provider != "" {
		models.Provider.Backend = providers.ProviderBackend(f.provider)
	}
	if f.libraryPath != "" {
		models.LibraryPath = f.libraryPath
	}

	m := metrics.New()
	if f.metricsAddr != "" {
		srv := &http.Server{Addr: f.metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	jobs, err := buildJobs(f)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{pipeline.WithMetrics(m)}
	switch pipeline.Operation(f.operation) {
	case pipeline.OperationCrop:
		session, err := providers.NewSession(models.session(f.detectorPath, []string{models.Detector.Input}, models.Detector.Outputs))
		if err != nil {
			return err
		}
		defer session.Close()

		decoder, err := yolov4.NewModel(cfg.Detection.DecoderOptions())
		if err != nil {
			return err
		}
		detector, err := inference.NewDetectionModel(m.Instrument("detector", session), decoder, models.Detector)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithDetector(detector))
	case pipeline.OperationRestore:
		rc := models.Restorer
		session, err := providers.NewSession(models.session(f.restorerPath, []string{rc.Image, rc.Mask}, []string{rc.Output}))
		if err != nil {
			return err
		}
		defer session.Close()

		restorer, err := inference.NewRestorationModel(m.Instrument("restorer", session), rc)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithRestorer(restorer))
	default:
		return errors.Errorf("unknown operation %q", f.operation)
	}

	processor, err := pipeline.NewProcessor(cfg, opts...)
	if err != nil {
		return err
	}

	report := pipeline.NewBatch(processor).Run(ctx, jobs)
	if len(report.Failures) > 0 {
		return errors.Errorf("%d of %d images failed", len(report.Failures), len(jobs))
	}
	return nil
}

// buildJobs maps every image of the input directory to an output of the same
// name. Restore jobs look for a PNG mask with the same stem.
func buildJobs(f flags) ([]pipeline.Job, error) {
	files, err := util.LoadDirectoryImageFiles(f.inputDir)
	if err != nil {
		return nil, err
	}

	jobs := make([]pipeline.Job, 0, len(files))
	for _, file := range files {
		job := pipeline.Job{
			Operation: pipeline.Operation(f.operation),
			Input:     file.Path,
			Output:    filepath.Join(f.outputDir, filepath.Base(file.Path)),
		}
		if job.Operation == pipeline.OperationRestore && f.maskDir != "" {
			job.Mask = filepath.Join(f.maskDir, file.Stem+".png")
		}
		jobs = append(jobs, job)
	}
	log.WithFields(log.Fields{"input": f.inputDir, "images": len(jobs)}).Info("jobs discovered")
	return jobs, nil
}
