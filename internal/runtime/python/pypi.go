package python

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// maxWheelSize bounds a downloaded archive and each extracted file.
const maxWheelSize = 512 << 20

// indexFile is one release file from the PyPI JSON API.
type indexFile struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	PackageType string `json:"packagetype"`
	Yanked      bool   `json:"yanked"`
}

type indexProject struct {
	URLs []indexFile `json:"urls"`
}

// resolveWheel asks the index for the latest release of name and picks a
// wheel, preferring a pure-Python one.
func (r *Runtime) resolveWheel(ctx context.Context, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/pypi/%s/json", r.indexURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query index: status %d", resp.StatusCode)
	}

	var project indexProject
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return "", fmt.Errorf("decode index response: %w", err)
	}

	file, ok := selectWheel(project.URLs)
	if !ok {
		return "", fmt.Errorf("no wheel published for %s", name)
	}
	return file.URL, nil
}

// selectWheel returns the first non-yanked pure-Python wheel, falling back
// to the first non-yanked wheel of any kind.
func selectWheel(files []indexFile) (indexFile, bool) {
	var fallback *indexFile
	for i, f := range files {
		if f.PackageType != "bdist_wheel" || f.Yanked || !strings.HasSuffix(f.Filename, ".whl") {
			continue
		}
		if strings.HasSuffix(f.Filename, "-none-any.whl") {
			return f, true
		}
		if fallback == nil {
			fallback = &files[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return indexFile{}, false
}

// download fetches url through the runtime's client and reads the body to
// EOF, which lets an installed fetch interceptor capture it.
func (r *Runtime) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download wheel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download wheel: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWheelSize+1))
	if err != nil {
		return nil, fmt.Errorf("read wheel: %w", err)
	}
	if len(data) > maxWheelSize {
		return nil, fmt.Errorf("wheel exceeds %d bytes", maxWheelSize)
	}
	return data, nil
}

// extractWheel unpacks a wheel archive into dir. Each entry is validated to
// stay within dir (zip-slip).
func extractWheel(dir string, payload []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return fmt.Errorf("open wheel: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}

	for _, f := range zr.File {
		target := filepath.Join(absDir, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) && target != absDir {
			return fmt.Errorf("archive entry %q escapes site directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}
		if err := writeEntry(target, f); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(target string, f *zip.File) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, io.LimitReader(rc, maxWheelSize)); err != nil {
		out.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	return out.Close()
}
