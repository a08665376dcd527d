package catalog

import (
	"context"
	"os"

	"github.com/John-Robertt/boxpilot/internal/fetch"
)

// FileSource reads a catalog YAML file from disk on every Load.
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, catalogError("CATALOG_READ_ERROR", "读取 catalog 文件失败", s.Path, "", err)
	}
	return ParseCatalogYAML(s.Path, string(b))
}

// FetchSource downloads a catalog YAML document over http(s).
type FetchSource struct {
	URL     string
	Fetcher *fetch.Fetcher
}

func (s FetchSource) Load(ctx context.Context) (*Catalog, error) {
	f := s.Fetcher
	if f == nil {
		f = fetch.New(fetch.Options{}, nil)
	}
	text, err := f.Text(ctx, fetch.KindCatalog, s.URL)
	if err != nil {
		return nil, err
	}
	return ParseCatalogYAML(s.URL, text)
}
