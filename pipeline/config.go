// Package pipeline - Detection-guided cropping and tiled restoration of image
// files, with the fallback policies applied at the caller boundary.
package pipeline

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-dataprep/crop"
	"github.com/nvr-ai/go-dataprep/images"
	"github.com/nvr-ai/go-dataprep/models"
	"github.com/nvr-ai/go-dataprep/models/postprocess"
	"github.com/nvr-ai/go-dataprep/models/yolov4"
	"github.com/nvr-ai/go-dataprep/restoration"
)

// Config holds every tunable of a pipeline run.
type Config struct {
	Detection   DetectionConfig   `json:"detection"   yaml:"detection"`
	Crop        CropConfig        `json:"crop"        yaml:"crop"`
	Restoration RestorationConfig `json:"restoration" yaml:"restoration"`
	// Workers bounds the number of images processed at once. 0 uses half the CPUs.
	Workers int `json:"workers" yaml:"workers"`
}

// DetectionConfig tunes the detector's decoder.
type DetectionConfig struct {
	// Threshold is the minimum objectness * class probability, in [0, 1].
	Threshold float32 `json:"threshold"     yaml:"threshold"`
	// IoUThreshold is the suppression overlap, in [0, 1].
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// TargetClass is the COCO class name the crop centers on.
	TargetClass string `json:"target_class"  yaml:"target_class"`
}

// CropConfig tunes crop planning and resampling.
type CropConfig struct {
	// Expansion grows the detected box by this fraction, in [0, crop.MaxExpansion].
	Expansion float64 `json:"expansion" yaml:"expansion"`
	// Size is the square output side, one of crop.Sizes.
	Size int `json:"size"      yaml:"size"`
	// Method is the resampling algorithm.
	Method images.ResampleMethod `json:"method"    yaml:"method"`
	// Lambda is the DPID sharpness exponent.
	Lambda float64 `json:"lambda"    yaml:"lambda"`
}

// RestorationConfig tunes tiling.
type RestorationConfig struct {
	TileSize int `json:"tile_size" yaml:"tile_size"`
	Overlap  int `json:"overlap"   yaml:"overlap"`
	// PadMode extends images smaller than a tile before inference.
	PadMode images.EdgeMode `json:"pad_mode"  yaml:"pad_mode"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Detection: DetectionConfig{
			Threshold:    0.5,
			IoUThreshold: postprocess.DefaultIoUThreshold,
			TargetClass:  "person",
		},
		Crop: CropConfig{
			Expansion: crop.DefaultExpansion,
			Size:      int(crop.Size512),
			Method:    images.ResampleDPID,
			Lambda:    1.0,
		},
		Restoration: RestorationConfig{
			TileSize: restoration.DefaultTileSize,
			Overlap:  restoration.DefaultOverlap,
			PadMode:  images.EdgeClamp,
		},
		Workers: images.HalfCPU(),
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
// Fields missing from the file keep their default.
//
// Arguments:
//   - path: The YAML file.
//
// Returns:
//   - Config: The validated configuration.
//   - error: An error if the file cannot be read, parsed or validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate clamps out-of-range thresholds and the expansion into range and
// rejects settings that have no sensible nearest value.
func (c *Config) Validate() error {
	def := DefaultConfig()

	c.Detection.Threshold = clampUnit(c.Detection.Threshold, def.Detection.Threshold)
	c.Detection.IoUThreshold = clampUnit(c.Detection.IoUThreshold, def.Detection.IoUThreshold)
	if c.Detection.TargetClass == "" {
		c.Detection.TargetClass = def.Detection.TargetClass
	}
	if _, err := c.Detection.Class(); err != nil {
		return err
	}

	if math.IsNaN(c.Crop.Expansion) {
		c.Crop.Expansion = def.Crop.Expansion
	}
	c.Crop.Expansion = images.Clamp(c.Crop.Expansion, 0, crop.MaxExpansion)
	if _, err := crop.ParseOutputSize(c.Crop.Size); err != nil {
		return err
	}
	if c.Crop.Method == "" {
		c.Crop.Method = def.Crop.Method
	}
	if !c.Crop.Method.Valid() {
		return errors.Errorf("unknown resample method %q", c.Crop.Method)
	}
	if math.IsNaN(c.Crop.Lambda) || math.IsInf(c.Crop.Lambda, 0) {
		c.Crop.Lambda = def.Crop.Lambda
	}

	if _, err := restoration.NewTiling(c.Restoration.TileSize, c.Restoration.TileSize, c.Restoration.TileSize, c.Restoration.Overlap); err != nil {
		return err
	}
	if c.Restoration.PadMode == "" {
		c.Restoration.PadMode = def.Restoration.PadMode
	}
	if !c.Restoration.PadMode.Valid() {
		return errors.Errorf("unknown pad mode %q", c.Restoration.PadMode)
	}

	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	return nil
}

// Class returns the index of TargetClass in the COCO class set.
func (d DetectionConfig) Class() (int, error) {
	return models.YOLOClasses.Index(d.TargetClass)
}

// DecoderOptions returns the YOLOv4 decoder options with the configured
// thresholds.
func (d DetectionConfig) DecoderOptions() yolov4.Options {
	opts := yolov4.DefaultOptions()
	opts.Threshold = d.Threshold
	opts.IoUThreshold = d.IoUThreshold
	return opts
}

// Resample returns the resampling options of the crop stage.
func (c CropConfig) Resample() images.ResampleOptions {
	return images.ResampleOptions{Method: c.Method, Lambda: c.Lambda}
}

func clampUnit(v, def float32) float32 {
	if math.IsNaN(float64(v)) {
		return def
	}
	return float32(images.Clamp(float64(v), 0, 1))
}
