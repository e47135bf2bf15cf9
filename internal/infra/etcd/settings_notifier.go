// internal/infra/etcd/settings_notifier.go
package etcd

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"inference-horde/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type etcdSettingsNotifier struct {
	client *clientv3.Client
	key    string
	logger *slog.Logger
}

// NewSettingsNotifier bumps a version key on every settings write and lets
// every node watch it to drop its cached copy.
func NewSettingsNotifier(client *clientv3.Client, keys Keyspace, logger *slog.Logger) domain.SettingsNotifier {
	return &etcdSettingsNotifier{
		client: client,
		key:    keys.Settings(),
		logger: logger.With("component", "settings-notifier"),
	}
}

func (n *etcdSettingsNotifier) Publish(ctx context.Context) error {
	_, err := n.client.Put(ctx, n.key, strconv.FormatInt(time.Now().UnixNano(), 10))
	return err
}

func (n *etcdSettingsNotifier) Watch(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for resp := range n.client.Watch(ctx, n.key) {
			if err := resp.Err(); err != nil {
				n.logger.Warn("settings watch interrupted", "error", err)
				continue
			}
			if len(resp.Events) == 0 {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out
}
