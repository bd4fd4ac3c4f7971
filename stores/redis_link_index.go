package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/permgraph"
	"github.com/redis/go-redis/v9"
)

// RedisLinkIndex mirrors link membership into Redis sets so external
// services can answer "which records hang off this one" without holding the
// graph in memory (key: link:{entity}:{id}:{label}).
type RedisLinkIndex struct {
	client *redis.Client
	schema *permgraph.Schema
	keyFmt string // format string, e.g. "link:%s:%s:%s"
}

func NewRedisLinkIndex(client *redis.Client, schema *permgraph.Schema) *RedisLinkIndex {
	return &RedisLinkIndex{client: client, schema: schema, keyFmt: "link:%s:%s:%s"}
}

func (r *RedisLinkIndex) key(entity, id, label string) string {
	return fmt.Sprintf(r.keyFmt, entity, id, label)
}

// IndexTx mirrors the link changes of a committed transaction. Both
// directions of every link are written, matching how the graph itself
// materializes edges.
func (r *RedisLinkIndex) IndexTx(ctx context.Context, tx *permgraph.Tx) error {
	for _, m := range tx.Mutations {
		if m.Op == permgraph.OpDelete {
			if err := r.dropRecord(ctx, m.Entity, m.ID); err != nil {
				return err
			}
			continue
		}
		for label, ids := range m.Link {
			edge, ok := r.schema.Edge(m.Entity, label)
			if !ok {
				continue
			}
			for _, other := range ids {
				if err := r.client.SAdd(ctx, r.key(m.Entity, m.ID, label), other).Err(); err != nil {
					return err
				}
				if err := r.client.SAdd(ctx, r.key(edge.To, other, edge.ReverseLabel), m.ID).Err(); err != nil {
					return err
				}
			}
		}
		for label, ids := range m.Unlink {
			edge, ok := r.schema.Edge(m.Entity, label)
			if !ok {
				continue
			}
			for _, other := range ids {
				if err := r.client.SRem(ctx, r.key(m.Entity, m.ID, label), other).Err(); err != nil {
					return err
				}
				if err := r.client.SRem(ctx, r.key(edge.To, other, edge.ReverseLabel), m.ID).Err(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *RedisLinkIndex) dropRecord(ctx context.Context, entity, id string) error {
	for _, edge := range r.schema.EdgesFrom(entity) {
		key := r.key(entity, id, edge.Label)
		others, err := r.client.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		for _, other := range others {
			if err := r.client.SRem(ctx, r.key(edge.To, other, edge.ReverseLabel), id).Err(); err != nil {
				return err
			}
		}
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Members returns the linked ids recorded for (entity, id) via label
func (r *RedisLinkIndex) Members(ctx context.Context, entity, id, label string) ([]string, error) {
	return r.client.SMembers(ctx, r.key(entity, id, label)).Result()
}

// Contains reports whether otherID is linked from (entity, id) via label
func (r *RedisLinkIndex) Contains(ctx context.Context, entity, id, label, otherID string) (bool, error) {
	return r.client.SIsMember(ctx, r.key(entity, id, label), otherID).Result()
}
