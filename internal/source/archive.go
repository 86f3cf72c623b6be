package source

import (
	"archive/tar"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"go-data-migrate/internal/model"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// dataFile is the export entry holding one JSON document per line.
const dataFile = "data.ndjson"

// S3Config locates the object store holding remote archives.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"useSSL"`
}

// ArchiveConfig selects an export archive and the documents read from it.
type ArchiveConfig struct {
	// Path is a local file or an s3://bucket/key URL.
	Path          string
	DocumentTypes []string
	BatchSize     int
	S3            S3Config
}

// Archive streams documents out of a gzipped tar export.
type Archive struct {
	body   io.ReadCloser
	gz     *gzip.Reader
	dec    *json.Decoder
	accept func(model.Document) bool
	size   int
	line   int
	done   bool
}

// NewArchive returns an Opener over the export at cfg.Path.
func NewArchive(cfg ArchiveConfig) Opener {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return func(ctx context.Context) (Source, error) {
		body, err := openArchive(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a, err := newArchive(body, cfg)
		if err != nil {
			body.Close()
			return nil, err
		}
		return a, nil
	}
}

func newArchive(body io.ReadCloser, cfg ArchiveConfig) (*Archive, error) {
	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, errors.Wrapf(err, "archive %s is not gzip compressed", cfg.Path)
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			gz.Close()
			return nil, errors.Errorf("archive %s has no %s entry", cfg.Path, dataFile)
		}
		if err != nil {
			gz.Close()
			return nil, errors.Wrapf(err, "read archive %s", cfg.Path)
		}
		if hdr.Typeflag == tar.TypeReg && path.Base(hdr.Name) == dataFile {
			break
		}
	}
	dec := json.NewDecoder(tr)
	dec.UseNumber()
	return &Archive{
		body:   body,
		gz:     gz,
		dec:    dec,
		accept: typeFilter(cfg.DocumentTypes),
		size:   cfg.BatchSize,
	}, nil
}

func (a *Archive) NextBatch(ctx context.Context) ([]model.Document, error) {
	if a.done {
		return nil, io.EOF
	}
	batch := make([]model.Document, 0, a.size)
	for len(batch) < a.size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var doc model.Document
		err := a.dec.Decode(&doc)
		if err == io.EOF {
			a.done = true
			break
		}
		a.line++
		if err != nil {
			return nil, errors.Wrapf(err, "decode document on line %d", a.line)
		}
		if doc == nil || !a.accept(doc) {
			continue
		}
		batch = append(batch, doc)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (a *Archive) Close() error {
	gzErr := a.gz.Close()
	if err := a.body.Close(); err != nil {
		return err
	}
	return gzErr
}

func openArchive(ctx context.Context, cfg ArchiveConfig) (io.ReadCloser, error) {
	if !strings.HasPrefix(cfg.Path, "s3://") {
		f, err := os.Open(cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "open archive")
		}
		return f, nil
	}

	u, err := url.Parse(cfg.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid archive url %q", cfg.Path)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, errors.Errorf("archive url %q must name a bucket and an object key", cfg.Path)
	}
	client, err := newS3Client(cfg.S3)
	if err != nil {
		return nil, err
	}
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", cfg.Path)
	}
	// GetObject is lazy; Stat surfaces a missing object before decoding starts.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, errors.Wrapf(err, "stat %s", cfg.Path)
	}
	return obj, nil
}

func newS3Client(cfg S3Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 archive requires an endpoint")
	}
	endpoint, secure := cfg.Endpoint, cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}
	opts := &minio.Options{Secure: secure, Region: cfg.Region}
	if cfg.AccessKeyID != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, errors.Wrap(err, "create s3 client")
	}
	return client, nil
}
