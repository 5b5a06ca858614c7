package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/iqtiles/server/internal/config"
	"github.com/iqtiles/server/internal/pipeline"
	"github.com/iqtiles/server/internal/source"
)

// Recording is a tile source that carries its SigMF metadata.
type Recording interface {
	pipeline.TileSource
	Metadata() *source.Metadata
}

type httpRecording struct {
	*source.HTTPSource
	meta *source.Metadata
}

func (r *httpRecording) Metadata() *source.Metadata { return r.meta }

// OpenRecording opens the source described by rc.
func OpenRecording(ctx context.Context, rc config.RecordingConfig, tileSamples int, client *http.Client) (Recording, error) {
	switch rc.Type {
	case config.SourceFile, "":
		return source.OpenFile(rc.Path, tileSamples)

	case config.SourceS3:
		s3Client, err := source.NewS3Client(ctx, source.S3Config{
			Region:         rc.Region,
			Endpoint:       rc.Endpoint,
			AccessKey:      rc.AccessKey,
			SecretKey:      rc.SecretKey,
			ForcePathStyle: rc.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return source.OpenS3(ctx, s3Client, rc.Bucket, rc.Key, tileSamples)

	case config.SourceHTTP:
		dt, err := source.ParseDataType(rc.DataType)
		if err != nil {
			return nil, err
		}
		return &httpRecording{
			HTTPSource: source.NewHTTPSource(client, rc.URL, dt, tileSamples),
			meta: &source.Metadata{Global: source.Global{
				DataType:    dt.Name,
				SampleRate:  rc.SampleRate,
				Description: rc.Description,
			}},
		}, nil
	}
	return nil, fmt.Errorf("unknown source type %q", rc.Type)
}
