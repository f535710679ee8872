package pipeline

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-dataprep/crop"
	"github.com/nvr-ai/go-dataprep/images"
	"github.com/nvr-ai/go-dataprep/metrics"
	"github.com/nvr-ai/go-dataprep/models/postprocess"
	"github.com/nvr-ai/go-dataprep/models/yolov4"
	"github.com/nvr-ai/go-dataprep/restoration"
)

// Fallback reasons reported to metrics.
const (
	FallbackNoDetection = "no_detection"
	FallbackMissingMask = "missing_mask"
)

// ErrNotConfigured is returned when an operation needs a model that was not
// supplied.
var ErrNotConfigured = errors.New("not configured")

// Detector returns the suppressed detections of an image, highest confidence
// first. inference.DetectionModel implements it.
type Detector interface {
	Detect(ctx context.Context, img images.PixelBuffer) ([]postprocess.Region, error)
}

// CropResult is the outcome of Processor.Crop.
type CropResult struct {
	// Image is the resampled crop of Spec's size.
	Image images.PixelBuffer
	// Spec is the source rectangle and target size.
	Spec crop.Spec
	// Region is the detection the crop is centered on, nil on fallback.
	Region *postprocess.Region
	// Fallback is true when no target was found and the center crop was used.
	Fallback bool
}

// RestoreResult is the outcome of Processor.Restore.
type RestoreResult struct {
	Image images.PixelBuffer
	// Fallback is true when there was no mask and the image was copied.
	Fallback bool
}

// Processor applies the crop and restore operations to single images.
//
// A Processor is safe for concurrent use when its Detector and Restorer are.
type Processor struct {
	config      Config
	targetClass int
	detector    Detector
	planner     *crop.Planner
	restorer    restoration.Restorer
	compositor  *restoration.Compositor
	metrics     *metrics.Metrics
}

// Option configures a Processor.
type Option func(*Processor)

// WithDetector sets the detector used by Crop.
func WithDetector(d Detector) Option {
	return func(p *Processor) {
		p.detector = d
	}
}

// WithRestorer sets the tile restorer used by Restore.
func WithRestorer(r restoration.Restorer) Option {
	return func(p *Processor) {
		p.restorer = r
	}
}

// WithMetrics records processing metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor validates cfg and builds a processor.
//
// Arguments:
//   - cfg: The configuration. Out-of-range values are clamped.
//   - opts: The detector, restorer and metrics.
//
// Returns:
//   - *Processor: The processor.
//   - error: An error if the configuration is invalid.
func NewProcessor(cfg Config, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	class, err := cfg.Detection.Class()
	if err != nil {
		return nil, err
	}
	size, err := crop.ParseOutputSize(cfg.Crop.Size)
	if err != nil {
		return nil, err
	}
	planner, err := crop.NewPlanner(cfg.Crop.Expansion, size)
	if err != nil {
		return nil, err
	}

	p := &Processor{
		config:      cfg,
		targetClass: class,
		planner:     planner,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.restorer != nil {
		p.compositor = restoration.NewCompositor(p.restorer,
			restoration.WithObserver(p.metrics),
			restoration.WithPadMode(cfg.Restoration.PadMode))
	}
	return p, nil
}

// Config returns the validated configuration.
func (p *Processor) Config() Config {
	return p.config
}

// Crop finds the best target-class region in img and resamples the expanded
// region onto the configured square canvas.
//
// When nothing of the target class is detected the largest centered square
// is used instead and the result is marked as a fallback.
//
// Arguments:
//   - ctx: Passed to the detector.
//   - img: The RGB source.
//
// Returns:
//   - CropResult: The crop and how it was chosen.
//   - error: A detector, planning or resampling error.
func (p *Processor) Crop(ctx context.Context, img images.PixelBuffer) (CropResult, error) {
	res, err := p.crop(ctx, img)
	if err != nil {
		p.metrics.ImageFailed(string(OperationCrop))
		return CropResult{}, err
	}
	p.metrics.ImageProcessed(string(OperationCrop))
	return res, nil
}

func (p *Processor) crop(ctx context.Context, img images.PixelBuffer) (CropResult, error) {
	if p.detector == nil {
		return CropResult{}, errors.Wrap(ErrNotConfigured, "crop needs a detector")
	}
	if err := img.Validate(); err != nil {
		return CropResult{}, err
	}

	regions, err := p.detector.Detect(ctx, img)
	if err != nil {
		return CropResult{}, errors.Wrap(err, "detect")
	}
	p.metrics.Detections(len(regions))

	var res CropResult
	if best, ok := yolov4.Best(regions, p.targetClass); ok {
		if res.Spec, err = p.planner.Plan(best, img.Width, img.Height); err != nil {
			return CropResult{}, err
		}
		res.Region = &best
	} else {
		if res.Spec, err = crop.CenterCrop(img.Width, img.Height, p.planner.Size()); err != nil {
			return CropResult{}, err
		}
		res.Fallback = true
		p.metrics.Fallback(FallbackNoDetection)
		log.WithFields(log.Fields{
			"class":      p.config.Detection.TargetClass,
			"detections": len(regions),
		}).Debug("no target detected, using center crop")
	}

	res.Image, err = images.Letterbox(img, res.Spec.Rect(), res.Spec.TargetWidth, res.Spec.TargetHeight, p.config.Crop.Resample())
	if err != nil {
		return CropResult{}, errors.Wrapf(err, "resample %s", res.Spec)
	}
	return res, nil
}

// Restore inpaints img where mask is set, tile by tile.
//
// A nil mask means there is nothing to restore: the result is a copy of img
// marked as a fallback.
func (p *Processor) Restore(ctx context.Context, img images.PixelBuffer, mask *images.PixelBuffer) (RestoreResult, error) {
	res, err := p.restore(ctx, img, mask)
	if err != nil {
		p.metrics.ImageFailed(string(OperationRestore))
		return RestoreResult{}, err
	}
	p.metrics.ImageProcessed(string(OperationRestore))
	return res, nil
}

func (p *Processor) restore(ctx context.Context, img images.PixelBuffer, mask *images.PixelBuffer) (RestoreResult, error) {
	if err := img.Validate(); err != nil {
		return RestoreResult{}, err
	}
	if mask == nil {
		p.metrics.Fallback(FallbackMissingMask)
		return RestoreResult{Image: img.Clone(), Fallback: true}, nil
	}
	if p.compositor == nil {
		return RestoreResult{}, errors.Wrap(ErrNotConfigured, "restore needs a restorer")
	}

	out, err := p.compositor.ProcessInTiles(ctx, img, *mask, p.config.Restoration.TileSize, p.config.Restoration.Overlap)
	if err != nil {
		return RestoreResult{}, err
	}
	return RestoreResult{Image: out}, nil
}
