// internal/infra/etcd/client.go
package etcd

import (
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd %v: %w", endpoints, err)
	}
	return cli, nil
}

// Keyspace builds every key the broker writes under one root prefix.
type Keyspace string

func (k Keyspace) Leader() string             { return path.Join(string(k), "leader") }
func (k Keyspace) Locks() string              { return path.Join(string(k), "locks") + "/" }
func (k Keyspace) Nodes() string              { return path.Join(string(k), "nodes") + "/" }
func (k Keyspace) Settings() string           { return path.Join(string(k), "settings", "version") }
func (k Keyspace) Priority(v string) string   { return path.Join(string(k), "priority", v) }
func (k Keyspace) IPTimeout(ip string) string { return path.Join(string(k), "ip", "timeout", ip) }
func (k Keyspace) IPSuspicion(ip string) string {
	return path.Join(string(k), "ip", "suspicion", ip)
}
