package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"mlc-go/internal/mlc"
)

// deleteBatchSize is the DeleteObjects per-request key limit.
const deleteBatchSize = 1000

// S3Client is the subset of the S3 API the provider uses.
type S3Client interface {
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Provider serves s3://bucket/key locations. Handles are "bucket/key";
// directories are "/"-delimited key prefixes.
type S3Provider struct {
	client   S3Client
	uploader *manager.Uploader
}

var (
	_ mlc.Storage = (*S3Provider)(nil)
	_ mlc.Creator = (*S3Provider)(nil)
)

// NewS3Provider creates a provider on top of client.
func NewS3Provider(client S3Client) *S3Provider {
	return &S3Provider{client: client, uploader: manager.NewUploader(client)}
}

// splitHandle splits "bucket/key/parts" into its bucket and key.
func splitHandle(handle string) (bucket, key string, err error) {
	handle = strings.Trim(handle, "/")
	bucket, key, _ = strings.Cut(handle, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 location has no bucket: %q", handle)
	}
	return bucket, key, nil
}

// List returns the objects and common prefixes directly under dir.
func (p *S3Provider) List(ctx context.Context, dir string) ([]mlc.Node, error) {
	bucket, key, err := splitHandle(dir)
	if err != nil {
		return nil, err
	}
	prefix := dirPrefix(key)

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var (
		nodes []mlc.Node
		found bool
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			found = true
			nodes = append(nodes, mlc.Node{Name: name, Handle: bucket + "/" + prefix + name, IsDir: true})
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			found = true
			// "dir/" marker objects keep empty directories alive.
			if objKey == prefix {
				continue
			}
			nodes = append(nodes, mlc.Node{
				Name:   strings.TrimPrefix(objKey, prefix),
				Handle: bucket + "/" + objKey,
				Size:   aws.ToInt64(obj.Size),
			})
		}
	}
	if !found && prefix != "" {
		return nil, fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, fs.ErrNotExist)
	}

	slices.SortFunc(nodes, func(a, b mlc.Node) int { return strings.Compare(a.Name, b.Name) })
	return nodes, nil
}

// Open streams an object.
func (p *S3Provider) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	bucket, key, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("opening s3://%s/%s: %w", bucket, key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("opening s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// Exists reports whether path is an object or a non-empty prefix.
func (p *S3Provider) Exists(ctx context.Context, path string) (bool, error) {
	bucket, key, err := splitHandle(path)
	if err != nil {
		return false, err
	}

	if key != "" {
		_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return true, nil
		}
		var nf *types.NotFound
		if !errors.As(err, &nf) {
			return false, fmt.Errorf("checking s3://%s/%s: %w", bucket, key, err)
		}
	}

	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(dirPrefix(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("probing s3://%s/%s: %w", bucket, key, err)
	}
	return len(out.Contents) > 0, nil
}

// Delete removes the object at path and every object beneath it, in batches.
func (p *S3Provider) Delete(ctx context.Context, path string) error {
	bucket, key, err := splitHandle(path)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("refusing to delete bucket root s3://%s", bucket)
	}

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})

	var batch []types.ObjectIdentifier
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing s3://%s/%s: %w", bucket, key, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			// Prefix "a/b" also matches "a/bc".
			if k != key && !strings.HasPrefix(k, key+"/") {
				continue
			}
			batch = append(batch, types.ObjectIdentifier{Key: aws.String(k)})
			if len(batch) == deleteBatchSize {
				if err := p.deleteBatch(ctx, bucket, batch); err != nil {
					return err
				}
				batch = nil
			}
		}
	}
	if len(batch) > 0 {
		return p.deleteBatch(ctx, bucket, batch)
	}
	return nil
}

func (p *S3Provider) deleteBatch(ctx context.Context, bucket string, objects []types.ObjectIdentifier) error {
	out, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("deleting %d objects from s3://%s: %w", len(objects), bucket, err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("deleting s3://%s/%s: %s (%d objects failed)",
			bucket, aws.ToString(first.Key), aws.ToString(first.Message), len(out.Errors))
	}
	return nil
}

// Create returns a writer that uploads to path. The upload runs while data
// is written and completes on Close; Close reports any upload failure.
func (p *S3Provider) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	bucket, key, err := splitHandle(path)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("s3 location has no key: %q", path)
	}

	pr, pw := io.Pipe()
	w := &s3Upload{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		if err != nil {
			err = fmt.Errorf("uploading s3://%s/%s: %w", bucket, key, err)
		}
		// Unblocks writers if the upload stopped reading early.
		pr.CloseWithError(errOrClosed(err))
		w.done <- err
	}()
	return w, nil
}

type s3Upload struct {
	pw   *io.PipeWriter
	done chan error

	once sync.Once
	err  error
}

func (u *s3Upload) Write(b []byte) (int, error) {
	return u.pw.Write(b)
}

func (u *s3Upload) Close() error {
	u.once.Do(func() {
		u.pw.Close()
		u.err = <-u.done
	})
	return u.err
}

func errOrClosed(err error) error {
	if err == nil {
		return io.ErrClosedPipe
	}
	return err
}
