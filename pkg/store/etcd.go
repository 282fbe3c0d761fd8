package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"tcluster/pkg/model"
)

// Key layout.
const (
	TaskKeyPrefix = "/tcluster/tasks/"
	NodeKeyPrefix = "/tcluster/nodes/"
)

var _ Store = (*EtcdManager)(nil)

// EtcdManager persists tasks in etcd so a restarted coordinator can resume.
type EtcdManager struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdManager dials the cluster.
func NewEtcdManager(endpoints []string, logger *zap.Logger) (*EtcdManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &EtcdManager{client: cli, logger: logger.Named("etcd")}, nil
}

// ---------------------------------------------------------
// Task 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) CreateTask(ctx context.Context, task *model.Task) error {
	key := TaskKeyPrefix + task.ID
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	// 事务: 只有 key 从未创建过才写入 (CreateRevision == 0)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrExists
	}
	return nil
}

func (e *EtcdManager) GetTask(ctx context.Context, id string) (*model.Task, error) {
	resp, err := e.client.Get(ctx, TaskKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	var task model.Task
	if err := json.Unmarshal(resp.Kvs[0].Value, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

func (e *EtcdManager) UpdateTask(ctx context.Context, task *model.Task) error {
	return e.putValue(ctx, TaskKeyPrefix+task.ID, task)
}

func (e *EtcdManager) DeleteTask(ctx context.Context, id string) error {
	resp, err := e.client.Delete(ctx, TaskKeyPrefix+id)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (e *EtcdManager) ListTasks(ctx context.Context) ([]*model.Task, error) {
	resp, err := e.client.Get(ctx, TaskKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var task model.Task
		if err := json.Unmarshal(kv.Value, &task); err != nil {
			e.logger.Warn("skip undecodable task", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		tasks = append(tasks, &task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Before(tasks[j]) })
	return tasks, nil
}

// WatchTasks turns the etcd watch stream into typed task events.
func (e *EtcdManager) WatchTasks(ctx context.Context) <-chan TaskEvent {
	eventChan := make(chan TaskEvent)

	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, TaskKeyPrefix, clientv3.WithPrefix(), clientv3.WithPrevKV())

		// 把 etcd 原始事件翻译成 TaskEvent
		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				var (
					eventType TaskEventType
					raw       []byte
				)
				switch ev.Type {
				case clientv3.EventTypePut:
					eventType, raw = TaskPut, ev.Kv.Value
				case clientv3.EventTypeDelete:
					eventType = TaskDelete
					if ev.PrevKv != nil {
						raw = ev.PrevKv.Value
					}
				}
				if raw == nil {
					continue
				}

				var task model.Task
				if err := json.Unmarshal(raw, &task); err != nil {
					e.logger.Warn("skip undecodable task event", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
					continue
				}

				select {
				case eventChan <- TaskEvent{Type: eventType, Task: &task}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

// RegisterNode mirrors the node under a lease so entries of vanished nodes
// expire on their own.
func (e *EtcdManager) RegisterNode(ctx context.Context, node *model.Node, ttl time.Duration) error {
	// 1. 申请租约 (Lease), 至少 1 秒
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := e.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	// 2. 带租约写入, 节点消失后 key 自动过期
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, NodeKeyPrefix+nodeKey(node.Address), string(data), clientv3.WithLease(lease.ID))
	return err
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.logger.Warn("skip undecodable node", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes, nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// 工具函数
// ---------------------------------------------------------

// putValue is the shared JSON + Put path.
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}

// nodeKey keeps host:port addresses usable as a single path segment.
func nodeKey(addr string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(addr)
}
