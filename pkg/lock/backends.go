package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/hashicorp/consul/api"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// consulBackend holds locks as KV entries acquired through consul sessions.
// The session TTL bounds the lock lifetime; consul reclaims the entry when
// the session expires.
type consulBackend struct {
	client *api.Client

	mu       sync.Mutex
	sessions map[string]string // key+token -> session id
}

func newConsulBackend(cfg Config) (*consulBackend, error) {
	apiCfg := api.DefaultConfig()
	if len(cfg.Endpoints) > 0 {
		apiCfg.Address = cfg.Endpoints[0]
	}
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	// Probe connectivity up front so the manager can fall back.
	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("consul unreachable: %w", err)
	}
	return &consulBackend{client: client, sessions: make(map[string]string)}, nil
}

func (b *consulBackend) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	// Consul enforces a 10s minimum session TTL.
	if ttl < 10*time.Second {
		ttl = 10 * time.Second
	}
	sessionID, _, err := b.client.Session().Create(&api.SessionEntry{
		Name:     key,
		TTL:      ttl.String(),
		Behavior: api.SessionBehaviorDelete,
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to create consul session: %w", err)
	}

	ok, _, err := b.client.KV().Acquire(&api.KVPair{
		Key:     key,
		Value:   []byte(token),
		Session: sessionID,
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil || !ok {
		_, _ = b.client.Session().Destroy(sessionID, nil)
		return false, err
	}

	b.mu.Lock()
	b.sessions[key+token] = sessionID
	b.mu.Unlock()
	return true, nil
}

func (b *consulBackend) Release(ctx context.Context, key, token string) error {
	b.mu.Lock()
	sessionID, ok := b.sessions[key+token]
	delete(b.sessions, key+token)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	pair, _, err := b.client.KV().Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to read lock key: %w", err)
	}
	if pair != nil && string(pair.Value) == token {
		if _, _, err := b.client.KV().Release(&api.KVPair{Key: key, Session: sessionID},
			(&api.WriteOptions{}).WithContext(ctx)); err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		if _, err := b.client.KV().Delete(key, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
			return fmt.Errorf("failed to delete lock key: %w", err)
		}
	}
	_, err = b.client.Session().Destroy(sessionID, (&api.WriteOptions{}).WithContext(ctx))
	return err
}

func (b *consulBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sessionID := range b.sessions {
		_, _ = b.client.Session().Destroy(sessionID, nil)
	}
	b.sessions = make(map[string]string)
	return nil
}

// etcdBackend holds locks as lease-scoped keys written through a
// compare-and-set transaction.
type etcdBackend struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key+token -> lease
}

func newEtcdBackend(cfg Config) (*etcdBackend, error) {
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{"localhost:2379"}
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd unreachable: %w", err)
	}
	return &etcdBackend{client: client, leases: make(map[string]clientv3.LeaseID)}, nil
}

func (b *etcdBackend) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	lease, err := b.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to grant lease: %w", err)
	}

	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		_, _ = b.client.Revoke(context.Background(), lease.ID)
		return false, fmt.Errorf("lock transaction failed: %w", err)
	}
	if !resp.Succeeded {
		_, _ = b.client.Revoke(context.Background(), lease.ID)
		return false, nil
	}

	b.mu.Lock()
	b.leases[key+token] = lease.ID
	b.mu.Unlock()
	return true, nil
}

func (b *etcdBackend) Release(ctx context.Context, key, token string) error {
	b.mu.Lock()
	lease, ok := b.leases[key+token]
	delete(b.leases, key+token)
	b.mu.Unlock()

	// Conditional delete: only the token holder removes the key.
	if _, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpDelete(key)).
		Commit(); err != nil {
		return fmt.Errorf("unlock transaction failed: %w", err)
	}
	if ok {
		_, _ = b.client.Revoke(ctx, lease)
	}
	return nil
}

func (b *etcdBackend) Close() error {
	return b.client.Close()
}

// zookeeperBackend stores locks as plain znodes carrying the token. TTL is
// enforced by reclaiming nodes whose modification time is past the expiry.
type zookeeperBackend struct {
	conn *zk.Conn
}

func newZookeeperBackend(cfg Config) (*zookeeperBackend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper endpoints are required")
	}
	conn, _, err := zk.Connect(cfg.Endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	return &zookeeperBackend{conn: conn}, nil
}

func (b *zookeeperBackend) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	path := "/" + key
	if err := b.ensureParents(path); err != nil {
		return false, err
	}

	_, err := b.conn.Create(path, []byte(token), 0, zk.WorldACL(zk.PermAll))
	if err == nil {
		return true, nil
	}
	if err != zk.ErrNodeExists {
		return false, fmt.Errorf("failed to create lock node: %w", err)
	}

	// Reclaim the node when its holder let the TTL lapse.
	_, stat, err := b.conn.Get(path)
	if err != nil {
		return false, nil
	}
	mtime := time.UnixMilli(stat.Mtime)
	if time.Since(mtime) <= ttl {
		return false, nil
	}
	if err := b.conn.Delete(path, stat.Version); err != nil {
		return false, nil
	}
	_, err = b.conn.Create(path, []byte(token), 0, zk.WorldACL(zk.PermAll))
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (b *zookeeperBackend) Release(_ context.Context, key, token string) error {
	path := "/" + key
	data, stat, err := b.conn.Get(path)
	if err == zk.ErrNoNode {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock node: %w", err)
	}
	if string(data) != token {
		return nil
	}
	if err := b.conn.Delete(path, stat.Version); err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	return nil
}

func (b *zookeeperBackend) ensureParents(path string) error {
	for i := 1; i < len(path); i++ {
		if path[i] != '/' {
			continue
		}
		parent := path[:i]
		if _, err := b.conn.Create(parent, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("failed to create parent node %s: %w", parent, err)
		}
	}
	return nil
}

func (b *zookeeperBackend) Close() error {
	b.conn.Close()
	return nil
}
