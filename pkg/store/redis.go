package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tcluster/pkg/model"
)

const (
	redisTaskIndex   = "tcluster:tasks"
	redisTaskPrefix  = "tcluster:task:"
	redisTaskChannel = "tcluster:tasks:events"
	redisNodeIndex   = "tcluster:nodes"
	redisNodePrefix  = "tcluster:node:"
)

var _ Store = (*RedisStore)(nil)

// redisEvent is what travels over the pub/sub channel.
type redisEvent struct {
	Type TaskEventType `json:"type"`
	Task *model.Task   `json:"task"`
}

// RedisStore keeps tasks as JSON strings indexed by a set, and publishes each
// change on a channel for watchers.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisStore{client: client, logger: logger.Named("redis")}, nil
}

func (r *RedisStore) CreateTask(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, redisTaskPrefix+task.ID, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	if err := r.client.SAdd(ctx, redisTaskIndex, task.ID).Err(); err != nil {
		return err
	}
	r.publish(ctx, TaskPut, task)
	return nil
}

func (r *RedisStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	data, err := r.client.Get(ctx, redisTaskPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

func (r *RedisStore) UpdateTask(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	ok, err := r.client.SetXX(ctx, redisTaskPrefix+task.ID, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	r.publish(ctx, TaskPut, task)
	return nil
}

func (r *RedisStore) DeleteTask(ctx context.Context, id string) error {
	task, err := r.GetTask(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisTaskPrefix+id)
	pipe.SRem(ctx, redisTaskIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	r.publish(ctx, TaskDelete, task)
	return nil
}

func (r *RedisStore) ListTasks(ctx context.Context) ([]*model.Task, error) {
	ids, err := r.client.SMembers(ctx, redisTaskIndex).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisTaskPrefix + id
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var task model.Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			r.logger.Warn("skip undecodable task", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		tasks = append(tasks, &task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Before(tasks[j]) })
	return tasks, nil
}

func (r *RedisStore) WatchTasks(ctx context.Context) <-chan TaskEvent {
	out := make(chan TaskEvent)
	sub := r.client.Subscribe(ctx, redisTaskChannel)

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev redisEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.Task == nil {
					r.logger.Warn("skip undecodable task event", zap.Error(err))
					continue
				}
				select {
				case out <- TaskEvent{Type: ev.Type, Task: ev.Task}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (r *RedisStore) publish(ctx context.Context, typ TaskEventType, task *model.Task) {
	data, err := json.Marshal(redisEvent{Type: typ, Task: task})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, redisTaskChannel, data).Err(); err != nil {
		r.logger.Warn("publish task event", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (r *RedisStore) RegisterNode(ctx context.Context, node *model.Node, ttl time.Duration) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisNodePrefix+node.Address, data, ttl)
	pipe.SAdd(ctx, redisNodeIndex, node.Address)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	addrs, err := r.client.SMembers(ctx, redisNodeIndex).Result()
	if err != nil {
		return nil, err
	}
	nodes := make([]*model.Node, 0, len(addrs))
	for _, addr := range addrs {
		data, err := r.client.Get(ctx, redisNodePrefix+addr).Bytes()
		if errors.Is(err, redis.Nil) {
			// TTL lapsed; drop the dangling index entry.
			r.client.SRem(ctx, redisNodeIndex, addr)
			continue
		}
		if err != nil {
			return nil, err
		}
		var node model.Node
		if err := json.Unmarshal(data, &node); err != nil {
			r.logger.Warn("skip undecodable node", zap.String("address", addr), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
