package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"boxforge/internal/detection"
)

// Sample is an image paired with its box annotations from a shard.
type Sample struct {
	Key     string
	Image   []byte
	Objects []detection.Object
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

type annotation struct {
	Objects []detection.Object `json:"objects"`
}

// StreamShard streams paired samples from the shard at path. The error
// channel receives at most one error and is closed when the shard is done.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, filepath.Ext(name))

			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read image %s", name)
					return
				}
				pendingFor(pending, key).image = data
			case ".json":
				var ann annotation
				if err := json.NewDecoder(tr).Decode(&ann); err != nil {
					errCh <- errors.Wrapf(err, "parse annotation %s", name)
					return
				}
				part := pendingFor(pending, key)
				part.objects = ann.Objects
				part.annotated = true
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part := pending[key]; part.ready() {
				sample := Sample{Key: key, Image: part.image, Objects: part.objects}
				delete(pending, key)

				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%s: %d samples incomplete", filepath.Base(path), len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image     []byte
	objects   []detection.Object
	annotated bool
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.annotated
}
