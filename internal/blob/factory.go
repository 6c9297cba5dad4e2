package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/klerk-framework/klerk-sub000/internal/config"
	"github.com/klerk-framework/klerk-sub000/internal/infra/blob/fs"
	"github.com/klerk-framework/klerk-sub000/internal/infra/blob/memory"
	"github.com/klerk-framework/klerk-sub000/internal/infra/blob/s3"
)

// Open selects a Store implementation from configuration.
func Open(ctx context.Context, cfg config.Blob) (Store, error) {
	switch Driver(strings.ToLower(cfg.Driver)) {
	case DriverMemory, "":
		return memory.New(), nil
	case DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return s3.New(ctx, s3.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
