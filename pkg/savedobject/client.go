package savedobject

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis storage for saved objects.
// All keys and channels are namespaced with the instance name.
// The client is safe for concurrent use.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new storage client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the namespace the client writes under.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Save writes a record and updates its type's version index in one
// transaction. The hash is fully replaced; saving the same record twice is safe.
func (c *Client) Save(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	hash, err := RecordToHash(r)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	key := RecordKey(c.instanceName, r.Type, r.ID)
	indexKey := VersionIndexKey(c.instanceName, r.Type)

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hash)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: VersionScore(r.ModelVersion), Member: r.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write record to Redis: %w", err)
	}

	return nil
}

// Get retrieves a record exactly as stored; no migration is applied.
// Returns (nil, redis.Nil) if the record doesn't exist. Use IsNotFound().
func (c *Client) Get(ctx context.Context, typeName, id string) (*Record, error) {
	key := RecordKey(c.instanceName, typeName, id)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	record, err := HashToRecord(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize record %s:%s: %w", typeName, id, err)
	}

	return record, nil
}

// Exists checks if a record exists without fetching it.
func (c *Client) Exists(ctx context.Context, typeName, id string) (bool, error) {
	exists, err := c.rdb.Exists(ctx, RecordKey(c.instanceName, typeName, id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check record existence: %w", err)
	}
	return exists > 0, nil
}

// Delete removes a record and its version index entry.
func (c *Client) Delete(ctx context.Context, typeName, id string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, RecordKey(c.instanceName, typeName, id))
		pipe.ZRem(ctx, VersionIndexKey(c.instanceName, typeName), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// IDs returns every record ID of a type, ordered by stored model version.
func (c *Client) IDs(ctx context.Context, typeName string) ([]string, error) {
	ids, err := c.rdb.ZRange(ctx, VersionIndexKey(c.instanceName, typeName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read version index: %w", err)
	}
	return ids, nil
}

// StaleIDs returns the IDs of records of a type stored below the given model version.
func (c *Client) StaleIDs(ctx context.Context, typeName string, belowVersion int) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, VersionIndexKey(c.instanceName, typeName), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.Itoa(belowVersion),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read version index: %w", err)
	}
	return ids, nil
}

// VersionCounts returns how many records of a type are stored at each model version.
func (c *Client) VersionCounts(ctx context.Context, typeName string) (map[int]int, error) {
	members, err := c.rdb.ZRangeWithScores(ctx, VersionIndexKey(c.instanceName, typeName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read version index: %w", err)
	}

	counts := make(map[int]int)
	for _, m := range members {
		counts[VersionFromScore(m.Score)]++
	}
	return counts, nil
}

// ScanRefs finds records whose type matches typeGlob and whose ID starts with
// idPrefix. Uses SCAN so large keyspaces are not blocked. Results are sorted
// by type then ID.
func (c *Client) ScanRefs(ctx context.Context, typeGlob, idPrefix string) ([]Ref, error) {
	pattern := RecordScanPattern(c.instanceName, typeGlob, idPrefix)
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()

	seen := make(map[Ref]struct{})
	var refs []Ref
	for iter.Next(ctx) {
		ref, err := ParseRecordKey(c.instanceName, iter.Val())
		if err != nil {
			continue
		}
		// SCAN may return a key more than once
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
	return refs, nil
}

// PublishMigration announces that a migrated record was written back.
func (c *Client) PublishMigration(ctx context.Context, ev MigrationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal migration event: %w", err)
	}

	if err := c.rdb.Publish(ctx, MigrationEventsChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish migration event: %w", err)
	}
	return nil
}

// Subscription represents an active Pub/Sub subscription to migration events.
// Caller must call Close() when done.
type Subscription struct {
	events <-chan *MigrationEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of migration events. It is closed when the
// subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *MigrationEvent {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors.
// The subscription continues after errors; the offending message is skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeMigrationEvents subscribes to migration events for this instance.
//
// Events are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once: a slow subscriber may miss events.
func (c *Client) SubscribeMigrationEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, MigrationEventsChannel(c.instanceName))

	// Wait for the subscription to be confirmed so no event published after
	// this call returns is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to migration events: %w", err)
	}

	eventsChan := make(chan *MigrationEvent, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev MigrationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal migration event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
