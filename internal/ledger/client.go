package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/pkgshift/pkg/dispatch"
	"github.com/redis/go-redis/v9"
)

// DefaultCommitLabel is the label new artifacts receive on commit.
const DefaultCommitLabel = "candidate"

// txAttempts bounds optimistic-lock retries inside one Commit or Promote call.
const txAttempts = 5

// ErrNotLabelled is returned by Promote when an artifact does not carry the
// label it is being promoted from.
var ErrNotLabelled = errors.New("artifact does not carry the source label")

// Client is a namespace-scoped view of the ledger. It implements
// dispatch.Repository and is safe for concurrent use.
type Client struct {
	rdb         *redis.Client
	namespace   string
	commitLabel string
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithCommitLabel sets the label given to committed artifacts.
func WithCommitLabel(label string) Option {
	return func(c *Client) {
		if label != "" {
			c.commitLabel = label
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a ledger client for namespace.
// Returns an error if namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string, opts ...Option) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	c := &Client{
		rdb:         redis.NewClient(redisOpts),
		namespace:   namespace,
		commitLabel: DefaultCommitLabel,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Namespace returns the client's key namespace.
func (c *Client) Namespace() string { return c.namespace }

// CommitLabel returns the label given to committed artifacts.
func (c *Client) CommitLabel() string { return c.commitLabel }

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Commit registers every build's artifacts under the commit label in a single
// MULTI/EXEC transaction. A build that announced no outputs commits one
// artifact named after its job. Committing the same builds twice is safe; an
// artifact committed again moves back to the commit label.
func (c *Client) Commit(ctx context.Context, builds []dispatch.Build) (map[dispatch.JobID][]string, error) {
	result := make(map[dispatch.JobID][]string, len(builds))
	if len(builds) == 0 {
		return result, nil
	}

	nowMs := c.now().UnixMilli()
	var artifacts []*Artifact
	for _, b := range builds {
		names := b.Outputs
		if len(names) == 0 {
			names = []string{b.ID.String()}
		}
		for _, name := range names {
			a := &Artifact{
				Name:          name,
				Source:        b.ID.String(),
				Package:       b.ID.Package(),
				Version:       b.ID.Version,
				Handle:        string(b.Handle),
				Label:         c.commitLabel,
				CommittedAtMs: nowMs,
			}
			if err := a.Validate(); err != nil {
				return nil, fmt.Errorf("invalid artifact: %w", err)
			}
			artifacts = append(artifacts, a)
			result[b.ID] = append(result[b.ID], name)
		}
	}

	keys := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		keys = append(keys, ArtifactKey(c.namespace, a.Name))
	}

	// a recommitted artifact leaves whatever label it was promoted to
	txf := func(tx *redis.Tx) error {
		previous := make([]string, len(artifacts))
		for i, key := range keys {
			label, err := tx.HGet(ctx, key, "label").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read artifact %s: %w", artifacts[i].Name, err)
			}
			previous[i] = label
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, a := range artifacts {
				if previous[i] != "" && previous[i] != a.Label {
					pipe.SRem(ctx, LabelKey(c.namespace, previous[i]), a.Name)
				}
				pipe.HSet(ctx, keys[i], ArtifactToHash(a))
				pipe.SAdd(ctx, LabelKey(c.namespace, a.Label), a.Name)
				pipe.SAdd(ctx, SourceKey(c.namespace, a.Source), a.Name)
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = c.rdb.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		c.logger.Debug("[Ledger] commit raced, retrying", slog.Int("attempt", attempt+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit %d builds: %w", len(builds), err)
	}

	c.logger.Info("[Ledger] committed builds",
		slog.Int("builds", len(builds)),
		slog.Int("artifacts", len(artifacts)),
		slog.String("label", c.commitLabel))
	return result, nil
}

// Promote moves artifacts from one label to another under an optimistic lock
// on both label sets. It fails without changing anything if any artifact does
// not carry from. The promoted identity of an artifact is "name@to".
func (c *Client) Promote(ctx context.Context, artifacts []string, from, to string) (map[string]string, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("promotion needs both labels (from=%q, to=%q)", from, to)
	}
	result := make(map[string]string, len(artifacts))
	if len(artifacts) == 0 {
		return result, nil
	}

	fromKey := LabelKey(c.namespace, from)
	toKey := LabelKey(c.namespace, to)

	txf := func(tx *redis.Tx) error {
		for _, name := range artifacts {
			ok, err := tx.SIsMember(ctx, fromKey, name).Result()
			if err != nil {
				return fmt.Errorf("failed to read label %s: %w", from, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s is not in %s", ErrNotLabelled, name, from)
			}
		}

		nowMs := c.now().UnixMilli()
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, name := range artifacts {
				pipe.SRem(ctx, fromKey, name)
				pipe.SAdd(ctx, toKey, name)
				pipe.HSet(ctx, ArtifactKey(c.namespace, name), "label", to, "promoted_at_ms", nowMs)
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = c.rdb.Watch(ctx, txf, fromKey, toKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		c.logger.Debug("[Ledger] promotion raced, retrying", slog.Int("attempt", attempt+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to promote %d artifacts to %s: %w", len(artifacts), to, err)
	}

	for _, name := range artifacts {
		result[name] = name + "@" + to
	}
	c.logger.Info("[Ledger] promoted artifacts",
		slog.Int("artifacts", len(artifacts)),
		slog.String("from", from),
		slog.String("to", to))
	return result, nil
}

// GetArtifact retrieves an artifact by name.
// Returns (nil, redis.Nil) if it doesn't exist; use IsNotFound to check.
func (c *Client) GetArtifact(ctx context.Context, name string) (*Artifact, error) {
	hash, err := c.rdb.HGetAll(ctx, ArtifactKey(c.namespace, name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact from Redis: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}

	a, err := HashToArtifact(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize artifact: %w", err)
	}
	return a, nil
}

// List returns the names of all artifacts carrying label, sorted.
func (c *Client) List(ctx context.Context, label string) ([]string, error) {
	return c.members(ctx, LabelKey(c.namespace, label))
}

// Sources returns the names of all artifacts committed for job, sorted.
func (c *Client) Sources(ctx context.Context, job dispatch.JobID) ([]string, error) {
	return c.members(ctx, SourceKey(c.namespace, job.String()))
}

// Names returns the name of every artifact in the namespace, sorted. It uses
// SCAN so a large ledger never blocks the server.
func (c *Client) Names(ctx context.Context) ([]string, error) {
	prefix := ArtifactKey(c.namespace, "")
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()

	var names []string
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan artifacts: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) members(ctx context.Context, key string) ([]string, error) {
	names, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	sort.Strings(names)
	return names, nil
}

// IsNotFound returns true if err is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
