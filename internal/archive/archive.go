// Package archive keeps raw ingestion payloads and listing thumbnails in a
// local directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
)

// Uploader stores one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Options configures an Archive.
type Options struct {
	Dir           string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3PathStyle   bool
	ThumbWidth    int
	ThumbHeight   int
	ImageMaxBytes int64
	Timeout       time.Duration
}

// Archive writes raw snapshots and thumbnails through an Uploader.
type Archive struct {
	uploader   Uploader
	httpClient *http.Client
	width      int
	height     int
	maxBytes   int64
	now        func() time.Time
}

// New picks the S3 uploader when a bucket is configured, otherwise a local directory.
func New(ctx context.Context, opts Options) (*Archive, error) {
	var up Uploader
	if opts.S3Bucket != "" {
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		up = &S3Uploader{client: client, bucket: opts.S3Bucket}
	} else {
		dir := opts.Dir
		if dir == "" {
			dir = "./archive"
		}
		up = &LocalUploader{BaseDir: dir}
	}
	return NewWithUploader(up, opts), nil
}

// NewWithUploader builds an Archive around an existing uploader.
func NewWithUploader(up Uploader, opts Options) *Archive {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	width, height := opts.ThumbWidth, opts.ThumbHeight
	if width == 0 && height == 0 {
		width = 320
	}
	maxBytes := opts.ImageMaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Archive{
		uploader:   up,
		httpClient: &http.Client{Timeout: timeout},
		width:      width,
		height:     height,
		maxBytes:   maxBytes,
		now:        time.Now,
	}
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
		}
		o.UsePathStyle = opts.S3PathStyle
	}), nil
}

// StoreRaw archives the raw marketplace response for a listing fetch.
func (a *Archive) StoreRaw(ctx context.Context, listingID int64, raw []byte) (string, error) {
	key := path.Join("listings", fmt.Sprint(listingID), "raw", a.now().UTC().Format("20060102T150405.000000000Z")+".json")
	loc, err := a.uploader.Upload(ctx, key, raw, "application/json")
	if err != nil {
		return "", fmt.Errorf("archive raw: %w", err)
	}
	return loc, nil
}

// StoreThumbnail downloads imageURL, resizes it and stores a JPEG thumbnail.
// The key is stable per listing so re-runs overwrite rather than accumulate.
func (a *Archive) StoreThumbnail(ctx context.Context, listingID int64, imageURL string) (string, error) {
	if imageURL == "" {
		return "", errors.New("image url is empty")
	}
	data, err := a.download(ctx, imageURL)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Resize(img, a.width, a.height, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	key := path.Join("listings", fmt.Sprint(listingID), "thumb.jpg")
	loc, err := a.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("archive thumbnail: %w", err)
	}
	return loc, nil
}

func (a *Archive) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > a.maxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", a.maxBytes)
	}
	return body, nil
}
