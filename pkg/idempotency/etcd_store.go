package idempotency

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore claims keys with a create-if-absent transaction. With a ttl the
// claim is attached to a lease and expires on its own.
type EtcdStore struct {
	client  *clientv3.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

func NewEtcdStore(endpoints []string, prefix string, ttl, timeout time.Duration) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		prefix += "/"
	}
	return &EtcdStore{client: cli, prefix: prefix, ttl: ttl, timeout: timeout}, nil
}

func (s *EtcdStore) Claim(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var opts []clientv3.OpOption
	if s.ttl > 0 {
		lease, err := s.client.Grant(ctx, int64(s.ttl/time.Second))
		if err != nil {
			return false, err
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	k := s.prefix + key
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, time.Now().UTC().Format(time.RFC3339), opts...)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

// Cleanup is a no-op; leases expire claims.
func (s *EtcdStore) Cleanup(context.Context, time.Duration) error { return nil }

func (s *EtcdStore) Close() error { return s.client.Close() }
