package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulProvider loads config from a Consul KV key. Watching uses blocking
// queries against the key's ModifyIndex.
type ConsulProvider struct {
	client *api.Client
	key    string
}

// NewConsulProvider connects to a Consul agent and reads config from key.
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("consul endpoint is required")
	}

	cfg := api.DefaultConfig()
	cfg.Address = endpoints[0]
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &ConsulProvider{
		client: client,
		key:    strings.TrimPrefix(key, "/"),
	}, nil
}

func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

// Load reads the config key.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := p.client.KV().Get(p.key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.key)
	}
	return pair.Value, nil
}

// Watch polls the key with blocking queries and signals on index changes.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)

		var lastIndex uint64
		for ctx.Err() == nil {
			opts := &api.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  5 * time.Minute,
			}
			pair, meta, err := p.client.KV().Get(p.key, opts.WithContext(ctx))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("consul config watch failed", "key", p.key, "error", err)
				time.Sleep(time.Second)
				continue
			}
			if meta == nil || pair == nil {
				time.Sleep(time.Second)
				continue
			}
			if lastIndex != 0 && meta.LastIndex != lastIndex {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			lastIndex = meta.LastIndex
		}
	}()

	slog.Info("watching consul config key", "key", p.key)
	return ch, nil
}

func (p *ConsulProvider) Close() error {
	return nil
}

var _ Provider = (*ConsulProvider)(nil)
