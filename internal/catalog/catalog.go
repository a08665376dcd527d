// Package catalog loads server descriptors and chains from a YAML file or a
// Consul KV prefix and decodes them into typed servers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/boxpilot/internal/model"
)

// Source yields a catalog snapshot.
type Source interface {
	Load(ctx context.Context) (*Catalog, error)
}

type Catalog struct {
	Servers []model.Server
	Chains  []model.Chain
}

// Server returns the server with id.
func (c *Catalog) Server(id string) (model.Server, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return model.Server{}, false
}

// RecordError is a decoding problem local to one record.
type RecordError struct {
	Code    string
	Message string
}

func (e *RecordError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type CatalogError struct {
	AppError model.AppError
	Cause    error
}

func (e *CatalogError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *CatalogError) Unwrap() error { return e.Cause }

func catalogError(code, message, source, snippet string, cause error) *CatalogError {
	return &CatalogError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   "load_catalog",
			URL:     source,
			Snippet: snippet,
		},
		Cause: cause,
	}
}

type rawCatalog struct {
	Servers []Record      `yaml:"servers"`
	Chains  []ChainRecord `yaml:"chains"`
}

// ParseCatalogYAML decodes a catalog document strictly: unknown keys, a
// second YAML document, undecodable records and duplicate ids are errors.
func ParseCatalogYAML(source, content string) (*Catalog, error) {
	var rc rawCatalog
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&rc); err != nil && !errors.Is(err, io.EOF) {
		return nil, catalogError("CATALOG_PARSE_ERROR", "catalog YAML 解析失败", source, "", err)
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return nil, catalogError("CATALOG_PARSE_ERROR", "catalog YAML 解析失败", source, "",
			errors.New("multiple YAML documents are not allowed"))
	}
	return Build(source, rc.Servers, rc.Chains)
}

// Build decodes records and chains and checks cross references.
func Build(source string, records []Record, chains []ChainRecord) (*Catalog, error) {
	c := &Catalog{Servers: make([]model.Server, 0, len(records))}
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		s, err := r.Decode()
		if err != nil {
			var re *RecordError
			code := "CATALOG_RECORD_ERROR"
			if errors.As(err, &re) {
				code = re.Code
			}
			return nil, catalogError(code, fmt.Sprintf("servers[%d] 不合法：%v", i, err), source, recordLabel(r), err)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, catalogError("DUPLICATE_SERVER", fmt.Sprintf("服务器 id 重复：%s", s.ID), source, recordLabel(r), nil)
		}
		seen[s.ID] = struct{}{}
		c.Servers = append(c.Servers, s)
	}

	for i, cr := range chains {
		ch := model.Chain{ID: strings.TrimSpace(cr.ID), Name: strings.TrimSpace(cr.Name), Hops: trimAll(cr.Nodes)}
		if ch.ID == "" {
			ch.ID = ch.Name
		}
		if ch.ID == "" {
			return nil, catalogError("MISSING_FIELD", fmt.Sprintf("chains[%d] 缺少 name", i), source, "", nil)
		}
		if len(ch.Hops) < 2 {
			return nil, catalogError("CHAIN_TOO_SHORT", fmt.Sprintf("链 %s 至少需要 2 跳", ch.ID), source, "", nil)
		}
		for _, h := range ch.Hops {
			if _, ok := seen[h]; !ok {
				return nil, catalogError("UNKNOWN_SERVER", fmt.Sprintf("链 %s 引用了不存在的服务器：%s", ch.ID, h), source, "", nil)
			}
		}
		c.Chains = append(c.Chains, ch)
	}
	return c, nil
}

// ResolveChain returns the hops of the chain with id in order.
func (c *Catalog) ResolveChain(id string) ([]model.Server, error) {
	for _, ch := range c.Chains {
		if ch.ID != id {
			continue
		}
		out := make([]model.Server, 0, len(ch.Hops))
		for _, h := range ch.Hops {
			s, ok := c.Server(h)
			if !ok {
				return nil, catalogError("UNKNOWN_SERVER", fmt.Sprintf("链 %s 引用了不存在的服务器：%s", id, h), "", "", nil)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, catalogError("UNKNOWN_CHAIN", fmt.Sprintf("链不存在：%s", id), "", "", nil)
}

// Lookup returns the servers for ids, in the given order.
func (c *Catalog) Lookup(ids []string) ([]model.Server, error) {
	out := make([]model.Server, 0, len(ids))
	for _, id := range ids {
		s, ok := c.Server(id)
		if !ok {
			return nil, catalogError("UNKNOWN_SERVER", fmt.Sprintf("服务器不存在：%s", id), "", "", nil)
		}
		out = append(out, s)
	}
	return out, nil
}

func recordLabel(r Record) string {
	if r.Name != "" {
		return r.Name
	}
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%s:%d", r.Server, r.Port)
}
