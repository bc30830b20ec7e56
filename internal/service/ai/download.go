package ai

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// maxModelSize bounds a single downloaded model file.
var maxModelSize int64 = 512 << 20

// Fetch downloads rawURL into dir and returns the local path. A file already
// present under the same name is reused without a request.
func Fetch(ctx context.Context, client *http.Client, rawURL, dir string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "parsing model url %q", rawURL)
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return "", errors.Errorf("model url %q has no file name", sanitizeURL(parsed))
	}

	target := filepath.Join(dir, name)
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		return target, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating model cache directory")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "downloading %s", sanitizeURL(parsed))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("downloading %s: invalid status code %d", sanitizeURL(parsed), resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, name+".*.part")
	if err != nil {
		return "", errors.Wrap(err, "creating download file")
	}

	n, err := io.CopyN(tmp, resp.Body, maxModelSize+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", multierr.Combine(errors.Wrap(err, "writing model file"), tmp.Close(), os.Remove(tmp.Name()))
	}
	if n > maxModelSize {
		return "", multierr.Combine(
			errors.Errorf("downloading %s: model exceeds %d bytes", sanitizeURL(parsed), maxModelSize),
			tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return "", multierr.Append(err, os.Remove(tmp.Name()))
	}
	if n == 0 {
		return "", multierr.Append(errors.Errorf("downloading %s: empty body", sanitizeURL(parsed)), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", multierr.Append(errors.Wrap(err, "moving model file into cache"), os.Remove(tmp.Name()))
	}
	return target, nil
}

func sanitizeURL(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	clean.User = nil
	return clean.String()
}
