// Package images - Image I/O at the boundary of the pixel pipeline.
package images

import (
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
	// FormatBMP is the BMP image format.
	FormatBMP ImageFormat = "bmp"
	// FormatTIFF is the TIFF image format.
	FormatTIFF ImageFormat = "tiff"
)

// FormatFromPath derives the format from a file extension.
func FormatFromPath(path string) (ImageFormat, error) {
	f, err := imaging.FormatFromFilename(path)
	if err != nil {
		return "", errors.Wrapf(err, "unsupported image extension %q", filepath.Ext(path))
	}
	switch f {
	case imaging.JPEG:
		return FormatJPEG, nil
	case imaging.PNG:
		return FormatPNG, nil
	case imaging.BMP:
		return FormatBMP, nil
	case imaging.TIFF:
		return FormatTIFF, nil
	default:
		return "", errors.Errorf("unsupported image format %q", strings.ToLower(f.String()))
	}
}

// Load decodes the image at path into a normalized RGB buffer. EXIF
// orientation is applied so that the buffer matches what a viewer shows.
func Load(path string) (PixelBuffer, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return PixelBuffer{}, errors.Wrapf(err, "load %s", path)
	}
	return FromImage(img)
}

// LoadMask decodes the image at path into a single-channel buffer. EXIF
// orientation is applied as in Load so that a mask lines up with its image.
func LoadMask(path string) (PixelBuffer, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return PixelBuffer{}, errors.Wrapf(err, "load mask %s", path)
	}
	return MaskFromImage(img)
}

// Save encodes buf to path. The format is taken from the file extension.
//
// Arguments:
//   - buf: The buffer to encode.
//   - path: The destination path. Parent directories must exist.
//
// Returns:
//   - error: An error if the buffer is malformed or encoding fails.
func Save(buf PixelBuffer, path string) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	if _, err := FormatFromPath(path); err != nil {
		return err
	}
	if err := imaging.Save(buf.ToImage(), path, imaging.JPEGQuality(95)); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}
