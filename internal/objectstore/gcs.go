package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS stores objects in a Google Cloud Storage bucket, using object
// generations as etags.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS opens a client for bucket. An empty credentialsFile uses application
// default credentials.
func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Get(ctx context.Context, path string) ([]byte, string, error) {
	r, err := g.client.Bucket(g.bucket).Object(path).NewReader(ctx)
	if err != nil {
		return nil, "", classify(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", classify(err)
	}
	return data, strconv.FormatInt(r.Attrs.Generation, 10), nil
}

func (g *GCS) Put(ctx context.Context, path string, data []byte, precondition string) (string, error) {
	obj := g.client.Bucket(g.bucket).Object(path)
	switch precondition {
	case Any:
	case "":
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	default:
		gen, err := strconv.ParseInt(precondition, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid generation %q: %w", precondition, ErrPreconditionFailed)
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", classify(err)
	}
	if err := w.Close(); err != nil {
		return "", classify(err)
	}
	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, attrs.Name)
	}
}

func (g *GCS) Delete(ctx context.Context, path string) error {
	return classify(g.client.Bucket(g.bucket).Object(path).Delete(ctx))
}

// classify maps client errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
		case apiErr.Code == http.StatusNotFound:
			return ErrNotFound
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
