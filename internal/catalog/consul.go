package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConsulPrefix = "boxpilot"

	consulWaitTime     = 5 * time.Minute
	consulRetryDelay   = time.Second
	consulMaxRetryWait = 30 * time.Second
)

type ConsulConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Prefix  string `yaml:"prefix"`
}

// ConsulSource reads one JSON Record per key under <prefix>/servers/ and one
// JSON ChainRecord per key under <prefix>/chains/.
type ConsulSource struct {
	kv     *consulapi.KV
	prefix string
	log    logrus.FieldLogger
}

func NewConsulSource(cfg ConsulConfig, log logrus.FieldLogger) (*ConsulSource, error) {
	c := consulapi.DefaultConfig()
	if cfg.Address != "" {
		c.Address = cfg.Address
	}
	if cfg.Token != "" {
		c.Token = cfg.Token
	}
	cli, err := consulapi.NewClient(c)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultConsulPrefix
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ConsulSource{kv: cli.KV(), prefix: prefix, log: log.WithField("source", "consul")}, nil
}

func (s *ConsulSource) Load(ctx context.Context) (*Catalog, error) {
	c, _, err := s.load(ctx, 0)
	return c, err
}

// Watch blocks until ctx is done, calling onChange with every catalog whose
// KV index differs from the last one seen. The first call happens as soon
// as the prefix is read. Decoding failures are logged and skipped so a bad
// write does not replace the last good catalog.
func (s *ConsulSource) Watch(ctx context.Context, onChange func(*Catalog)) error {
	var index uint64
	delay := consulRetryDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, meta, err := s.load(ctx, index)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("catalog watch failed")
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay = min(delay*2, consulMaxRetryWait)
			if meta == nil {
				continue
			}
		} else {
			delay = consulRetryDelay
		}

		next := meta.LastIndex
		// An index that goes backwards means the KV store was reset.
		if next < index {
			next = 0
		}
		if c != nil && (index == 0 || next != index) {
			onChange(c)
		}
		index = next
	}
}

func (s *ConsulSource) load(ctx context.Context, waitIndex uint64) (*Catalog, *consulapi.QueryMeta, error) {
	q := (&consulapi.QueryOptions{WaitIndex: waitIndex, WaitTime: consulWaitTime}).WithContext(ctx)
	pairs, meta, err := s.kv.List(s.prefix+"/", q)
	if err != nil {
		return nil, nil, catalogError("CATALOG_READ_ERROR", "读取 Consul catalog 失败", s.prefix, "", err)
	}

	var records []Record
	var chains []ChainRecord
	for _, p := range pairs {
		rel := strings.TrimPrefix(p.Key, s.prefix+"/")
		dir, name := path.Split(rel)
		if name == "" || len(p.Value) == 0 {
			continue
		}
		switch dir {
		case "servers/":
			var r Record
			if err := json.Unmarshal(p.Value, &r); err != nil {
				return nil, meta, catalogError("CATALOG_PARSE_ERROR", fmt.Sprintf("%s 不是合法的 JSON", p.Key), s.prefix, "", err)
			}
			if r.ID == "" {
				r.ID = name
			}
			records = append(records, r)
		case "chains/":
			var cr ChainRecord
			if err := json.Unmarshal(p.Value, &cr); err != nil {
				return nil, meta, catalogError("CATALOG_PARSE_ERROR", fmt.Sprintf("%s 不是合法的 JSON", p.Key), s.prefix, "", err)
			}
			if cr.ID == "" && cr.Name == "" {
				cr.ID = name
			}
			chains = append(chains, cr)
		}
	}
	c, err := Build(s.prefix, records, chains)
	if err != nil {
		return nil, meta, err
	}
	return c, meta, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
