package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-dataprep/images"
)

// Operation selects what a Job does.
type Operation string

const (
	// OperationCrop detects, crops and resamples the input.
	OperationCrop Operation = "crop"
	// OperationRestore inpaints the input where its mask is set.
	OperationRestore Operation = "restore"
)

// Job is one image file to process.
type Job struct {
	Operation Operation `json:"operation" yaml:"operation"`
	// Input is the source image path.
	Input string `json:"input" yaml:"input"`
	// Mask is the restoration mask path. A restore job whose mask is empty
	// or does not exist copies the input unchanged.
	Mask string `json:"mask,omitempty" yaml:"mask,omitempty"`
	// Output is the destination path; its extension selects the format.
	Output string `json:"output" yaml:"output"`
}

// Failure records a job that did not complete.
type Failure struct {
	Job Job
	Err error
}

// Report summarizes a batch run.
type Report struct {
	RunID string
	// Processed counts jobs whose output was written.
	Processed int
	// Fallbacks counts processed jobs handled by a fallback policy.
	Fallbacks int
	// Failures holds every job that returned an error.
	Failures []Failure
	// Skipped counts jobs not started, or abandoned, because the context ended.
	Skipped int
	Elapsed time.Duration
}

// Batch runs jobs through a Processor with bounded concurrency.
type Batch struct {
	processor *Processor
	workers   int
}

// NewBatch returns a batch runner using the processor's configured worker
// count.
func NewBatch(p *Processor) *Batch {
	return &Batch{processor: p, workers: max(1, p.Config().Workers)}
}

// Run processes every job and reports the outcome.
//
// A failing job is recorded and the batch continues. The context is checked
// before each job starts; once it is done no further job starts, a job in
// flight is abandoned without writing its output, and the remaining jobs are
// counted as skipped.
//
// Arguments:
//   - ctx: Cancels the remaining jobs.
//   - jobs: The jobs, started in order.
//
// Returns:
//   - Report: The per-run summary.
func (b *Batch) Run(ctx context.Context, jobs []Job) Report {
	start := time.Now()
	report := Report{RunID: uuid.NewString()}
	logger := log.WithField("run_id", report.RunID)
	logger.WithFields(log.Fields{"jobs": len(jobs), "workers": b.workers}).Info("batch started")

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, b.workers)
	)

	record := func(job Job, fallback bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			report.Processed++
			if fallback {
				report.Fallbacks++
			}
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			report.Skipped++
		default:
			report.Failures = append(report.Failures, Failure{Job: job, Err: err})
			logger.WithError(err).WithField("input", job.Input).Warn("job failed")
		}
	}

loop:
	for i, job := range jobs {
		select {
		case <-ctx.Done():
			mu.Lock()
			report.Skipped += len(jobs) - i
			mu.Unlock()
			break loop
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			mu.Lock()
			report.Skipped += len(jobs) - i
			mu.Unlock()
			break loop
		}

		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()
			fallback, err := b.runJob(ctx, job)
			record(job, fallback, err)
		}(job)
	}
	wg.Wait()

	report.Elapsed = time.Since(start)
	logger.WithFields(log.Fields{
		"processed": report.Processed,
		"fallbacks": report.Fallbacks,
		"failed":    len(report.Failures),
		"skipped":   report.Skipped,
		"elapsed":   report.Elapsed,
	}).Info("batch finished")
	return report
}

// runJob loads, processes and saves one job. Nothing is written unless the
// processing succeeded.
func (b *Batch) runJob(ctx context.Context, job Job) (bool, error) {
	if job.Input == "" || job.Output == "" {
		return false, errors.Errorf("job needs an input and an output: %+v", job)
	}
	img, err := images.Load(job.Input)
	if err != nil {
		return false, err
	}

	var (
		out      images.PixelBuffer
		fallback bool
	)
	switch job.Operation {
	case OperationCrop:
		res, err := b.processor.Crop(ctx, img)
		if err != nil {
			return false, errors.Wrapf(err, "crop %s", job.Input)
		}
		out, fallback = res.Image, res.Fallback
	case OperationRestore:
		mask, err := loadMask(job.Mask)
		if err != nil {
			return false, err
		}
		res, err := b.processor.Restore(ctx, img, mask)
		if err != nil {
			return false, errors.Wrapf(err, "restore %s", job.Input)
		}
		out, fallback = res.Image, res.Fallback
	default:
		return false, errors.Errorf("unknown operation %q", job.Operation)
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(job.Output), 0o755); err != nil {
		return false, errors.Wrapf(err, "create output directory for %s", job.Output)
	}
	if err := images.Save(out, job.Output); err != nil {
		return false, err
	}
	return fallback, nil
}

// loadMask returns nil when path is empty or names no file.
func loadMask(path string) (*images.PixelBuffer, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	mask, err := images.LoadMask(path)
	if err != nil {
		return nil, err
	}
	return &mask, nil
}
