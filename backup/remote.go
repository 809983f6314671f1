package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mwantia/drivecatalog/data"
)

// RemoteTarget mirrors local backup artifacts to an S3-compatible bucket.
// Uploads are zstd-compressed and strictly best effort: the local snapshot
// is the artifact of record and restores never read from the remote.
type RemoteTarget struct {
	client *minio.Client
	bucket string
	prefix string
}

type RemoteConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

func NewRemoteTarget(cfg RemoteConfig) (*RemoteTarget, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: remote target: %v", data.ErrIO, err)
	}

	return &RemoteTarget{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Upload compresses localPath and streams it to the bucket under
// <prefix>/<basename>.zst.
func (rt *RemoteTarget) Upload(ctx context.Context, localPath string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: open upload source: %v", data.ErrIO, err)
	}
	defer in.Close()

	pr, pw := io.Pipe()
	go func() {
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(enc, in); err != nil {
			enc.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(enc.Close())
	}()

	object := path.Join(rt.prefix, path.Base(localPath)+".zst")
	_, err = rt.client.PutObject(ctx, rt.bucket, object, pr, -1, minio.PutObjectOptions{
		ContentType: "application/zstd",
	})
	if err != nil {
		return fmt.Errorf("%w: upload %s: %v", data.ErrIO, object, err)
	}

	return nil
}
