package source

import (
	"archive/tar"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-data-migrate/internal/model"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeArchive builds a gzipped tar export with the given entries.
func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return path
}

const exportData = `{"_id":"a","_type":"post","title":"A","views":3}
{"_id":"b","_type":"author","name":"B"}
{"_id":"c","_type":"post","title":"C"}
`

func collect(t *testing.T, open Opener) []model.Document {
	t.Helper()
	var docs []model.Document
	for doc, err := range Documents(context.Background(), open)() {
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	return docs
}

func ids(docs []model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

func TestArchiveReadsAllDocuments(t *testing.T) {
	path := writeArchive(t, map[string]string{"export-2024/data.ndjson": exportData})

	docs := collect(t, NewArchive(ArchiveConfig{Path: path, BatchSize: 2}))
	assert.Equal(t, []string{"a", "b", "c"}, ids(docs))
	// Numbers keep their literal form.
	assert.Equal(t, json.Number("3"), docs[0]["views"])
}

func TestArchiveTypeFilter(t *testing.T) {
	path := writeArchive(t, map[string]string{"data.ndjson": exportData})

	docs := collect(t, NewArchive(ArchiveConfig{Path: path, DocumentTypes: []string{"post"}}))
	assert.Equal(t, []string{"a", "c"}, ids(docs))
}

func TestArchiveEOFIsSticky(t *testing.T) {
	path := writeArchive(t, map[string]string{"data.ndjson": exportData})

	src, err := NewArchive(ArchiveConfig{Path: path})(context.Background())
	require.NoError(t, err)
	defer src.Close()

	batch, err := src.NextBatch(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 3)

	for i := 0; i < 2; i++ {
		_, err = src.NextBatch(context.Background())
		assert.Equal(t, io.EOF, err)
	}
}

func TestArchiveWithoutDataFile(t *testing.T) {
	path := writeArchive(t, map[string]string{"assets.json": "{}"})

	_, err := NewArchive(ArchiveConfig{Path: path})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data.ndjson")
}

func TestArchiveNotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(exportData), 0644))

	_, err := NewArchive(ArchiveConfig{Path: path})(context.Background())
	assert.Error(t, err)
}

func TestArchiveBadLine(t *testing.T) {
	path := writeArchive(t, map[string]string{"data.ndjson": `{"_id":"a","_type":"post"}` + "\n{not json\n"})

	var err error
	for _, e := range Documents(context.Background(), NewArchive(ArchiveConfig{Path: path}))() {
		if e != nil {
			err = e
		}
	}
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "line 2"), err.Error())
}

func TestArchiveMissingFile(t *testing.T) {
	_, err := NewArchive(ArchiveConfig{Path: filepath.Join(t.TempDir(), "nope.tar.gz")})(context.Background())
	assert.Error(t, err)
}

func TestArchiveS3URLValidation(t *testing.T) {
	_, err := NewArchive(ArchiveConfig{Path: "s3://bucket-only"})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket and an object key")

	_, err = NewArchive(ArchiveConfig{Path: "s3://bucket/key.tar.gz"})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}
