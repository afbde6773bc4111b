package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/image/tiff"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/sensor"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"

	// Register decoders for the formats the in-process factory accepts.
	_ "image/gif"

	_ "golang.org/x/image/bmp"
)

// ImageDataset is an in-memory dataset backed by a decoded image.
type ImageDataset struct {
	img  image.Image
	meta Metadata
	sm   sensor.Model
}

// NewImageDataset wraps a decoded image. The sensor model may be nil for
// non-georeferenced imagery.
func NewImageDataset(img image.Image, meta Metadata, sm sensor.Model) *ImageDataset {
	return &ImageDataset{img: img, meta: meta, sm: sm}
}

// Extents returns the image's full pixel bounds.
func (d *ImageDataset) Extents() tiling.Bounds {
	b := d.img.Bounds()
	return tiling.Bounds{Row: 0, Col: 0, Width: b.Dx(), Height: b.Dy()}
}

// Metadata returns source provenance.
func (d *ImageDataset) Metadata() Metadata { return d.meta }

// Sensor returns the georeferencing model, or nil.
func (d *ImageDataset) Sensor() sensor.Model { return d.sm }

// Close releases the dataset.
func (d *ImageDataset) Close() error { return nil }

// Image exposes the decoded pixels to the tile factory.
func (d *ImageDataset) Image() image.Image { return d.img }

// S3API is the subset of the S3 client the opener needs.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ImageOpener loads imagery from local paths or s3:// URIs and decodes it in
// process. ClientFor returns an S3 client scoped to the given read role; a
// nil ClientFor disables s3:// sources.
type ImageOpener struct {
	ClientFor func(readRole string) (S3API, error)
	// DefaultGeotransform georeferences images whose container carries no
	// sensor data; nil leaves them unreferenced.
	DefaultGeotransform *[6]float64
}

// Open reads and decodes the image. Unreachable or undecodable sources fail
// with a LoadImageError kind.
func (o *ImageOpener) Open(ctx context.Context, uri, readRole string) (Dataset, error) {
	rc, err := o.reader(ctx, uri, readRole)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLoadImage, err)
	}
	defer rc.Close()

	img, format, err := image.Decode(rc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLoadImage, fmt.Errorf("decode %s: %w", uri, err))
	}

	var sm sensor.Model
	if o.DefaultGeotransform != nil {
		sm, err = sensor.NewAffine(*o.DefaultGeotransform)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindLoadImage, err)
		}
	}

	meta := Metadata{
		SourceID: sourceIDFromURI(uri),
		Format:   strings.ToUpper(format),
	}
	if fi, err := os.Stat(uri); err == nil {
		meta.AcquisitionTime = fi.ModTime().UTC()
	}

	return NewImageDataset(img, meta, sm), nil
}

func (o *ImageOpener) reader(ctx context.Context, uri, readRole string) (io.ReadCloser, error) {
	if strings.HasPrefix(uri, "s3://") {
		if o.ClientFor == nil {
			return nil, fmt.Errorf("s3 source %s: no client configured", uri)
		}
		bucket, key, err := splitS3URI(uri)
		if err != nil {
			return nil, err
		}
		client, err := o.ClientFor(readRole)
		if err != nil {
			return nil, err
		}
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", uri, err)
		}
		return out.Body, nil
	}

	f, err := os.Open(uri)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func splitS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func sourceIDFromURI(uri string) string {
	trimmed := strings.TrimSuffix(uri, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// ImageTileFactory encodes pixel windows of an ImageDataset using the
// in-process codecs. GTIFF maps onto the TIFF encoder; NITF output requires
// an external encoder and is rejected here.
type ImageTileFactory struct {
	// JPEGQuality applies to JPEG tiles and JPEG-compressed formats.
	JPEGQuality int
}

// EncodeTile crops the window and writes it to path in the requested format.
func (f *ImageTileFactory) EncodeTile(ctx context.Context, ds Dataset, window tiling.Bounds,
	format request.TileFormat, compression request.TileCompression, path string) (int64, error) {

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	imgDS, ok := ds.(*ImageDataset)
	if !ok {
		return 0, fmt.Errorf("dataset %T is not image-backed", ds)
	}

	window = window.Intersect(imgDS.Extents())
	if window.Empty() {
		return 0, fmt.Errorf("window %s is outside the image", window)
	}

	crop := cropImage(imgDS.Image(), window)

	var buf bytes.Buffer
	switch format {
	case request.FormatPNG:
		if err := png.Encode(&buf, crop); err != nil {
			return 0, err
		}
	case request.FormatJPEG:
		q := f.JPEGQuality
		if q <= 0 {
			q = 85
		}
		if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: q}); err != nil {
			return 0, err
		}
	case request.FormatGTIFF:
		opts := &tiff.Options{Compression: tiffCompression(compression)}
		if err := tiff.Encode(&buf, crop, opts); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("tile format %s requires an external encoder", format)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}

func tiffCompression(c request.TileCompression) tiff.CompressionType {
	switch c {
	case request.CompressionLZW:
		return tiff.LZW
	case request.CompressionNone:
		return tiff.Uncompressed
	default:
		return tiff.Deflate
	}
}

func cropImage(src image.Image, w tiling.Bounds) image.Image {
	rect := image.Rect(w.Col, w.Row, w.MaxCol(), w.MaxRow())

	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	if s, ok := src.(subImager); ok {
		return s.SubImage(rect.Add(src.Bounds().Min))
	}

	out := image.NewRGBA(image.Rect(0, 0, w.Width, w.Height))
	for y := 0; y < w.Height; y++ {
		for x := 0; x < w.Width; x++ {
			out.Set(x, y, src.At(src.Bounds().Min.X+w.Col+x, src.Bounds().Min.Y+w.Row+y))
		}
	}
	return out
}
