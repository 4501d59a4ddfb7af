// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"indexbatcher/src/config"
	"indexbatcher/src/model"
)

// NewWorkItem derives the logical and target names of an input file. The
// logical name is the file name up to its first dot, capitalized.
func NewWorkItem(inputPath string, size int64, targetSuffix string) model.WorkItem {
	item := model.WorkItem{
		InputRef:  inputPath,
		FileName:  filepath.Base(inputPath),
		SizeBytes: size,
	}
	base := strings.ToLower(item.FileBase())
	if base != "" {
		base = strings.ToUpper(base[:1]) + base[1:]
	}
	item.LogicalName = base
	item.TargetName = base + targetSuffix
	return item
}

// DiscoverInputs lists the files of dir carrying one of the extensions,
// sorted by name.
func DiscoverInputs(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !hasExtension(e.Name(), extensions) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func hasExtension(name string, extensions []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// alreadyGenerated reports whether dir holds the item's target, plain or zipped.
func alreadyGenerated(dir string, item model.WorkItem) bool {
	if dir == "" {
		return false
	}
	for _, name := range []string{item.TargetName, item.TargetName + ".zip"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Downloader fetches a remote input and returns its local path.
type Downloader interface {
	Download(ctx context.Context, in config.RemoteInput) (string, error)
}

// HTTPDownloader saves http(s) inputs under Dir. Other locations are treated
// as local paths and returned unchanged.
type HTTPDownloader struct {
	Dir    string
	Client *http.Client
}

func NewHTTPDownloader(dir string) *HTTPDownloader {
	return &HTTPDownloader{
		Dir:    dir,
		Client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (d *HTTPDownloader) Download(ctx context.Context, in config.RemoteInput) (string, error) {
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		if _, statErr := os.Stat(in.URL); statErr != nil {
			return "", fmt.Errorf("input %s: %w", in.URL, statErr)
		}
		return in.URL, nil
	}

	dest := filepath.Join(d.Dir, in.FileName+extensionOf(path.Base(u.Path)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", in.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: %s", in.URL, resp.Status)
	}

	tmp, err := os.CreateTemp(d.Dir, ".download.*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download %s: %w", in.URL, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dest, nil
}

// extensionOf returns everything from the first dot, e.g. ".osm.pbf".
func extensionOf(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}
