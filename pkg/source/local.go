package source

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
)

// Local reads the files directly inside a folder. Subfolders are not
// descended into.
type Local struct {
	dir  string
	exts []string
}

func NewLocal(dir string, extensions ...string) *Local {
	return &Local{dir: dir, exts: normaliseExtensions(extensions)}
}

func (l *Local) Dir() string { return l.dir }

func (l *Local) Documents(ctx context.Context) (iter.Seq2[common.Document, error], error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", l.dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !matches(entry.Name(), l.exts) {
			continue
		}
		files = append(files, filepath.Join(l.dir, entry.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrSourceEmpty, l.dir)
	}
	sort.Strings(files)

	return func(yield func(common.Document, error) bool) {
		for _, p := range files {
			if ctx.Err() != nil {
				yield(common.Document{}, ctx.Err())
				return
			}
			doc, err := l.read(p)
			if !yield(doc, err) {
				return
			}
		}
	}, nil
}

func (l *Local) matches(p string) bool {
	return filepath.Dir(p) == filepath.Clean(l.dir) && matches(p, l.exts)
}

func (l *Local) read(p string) (common.Document, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return common.Document{}, &ReadError{Path: p, Err: err}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	text, err := render(p, "", data, &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)})
	if err != nil {
		return common.Document{}, &ReadError{Path: p, Err: err}
	}
	meta := common.Properties{
		"source": common.String("local"),
		"path":   common.String(abs),
		"size":   common.Number(float64(len(data))),
	}
	if info, err := os.Stat(p); err == nil {
		meta["modified_at"] = common.String(info.ModTime().UTC().Format(time.RFC3339))
	}
	return common.Document{
		Filename: filepath.Base(p),
		Content:  text,
		Metadata: meta,
	}, nil
}
