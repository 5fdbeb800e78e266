package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

// DefaultTraefikIndexKey is the hash recording every route the engine wrote.
const DefaultTraefikIndexKey = "wake:proxy:routes"

// TraefikOptions configures the Traefik Redis KV provider layout.
type TraefikOptions struct {
	RootKey     string   // Traefik providers.redis.rootKey (default "traefik")
	EntryPoints []string // entry points every router listens on (default ["web"])
	IndexKey    string   // default DefaultTraefikIndexKey
}

// TraefikApplier writes routers and services into the Redis KV store watched by Traefik.
type TraefikApplier struct {
	client      *redis.Client
	root        string
	entryPoints []string
	indexKey    string
}

type traefikRecord struct {
	Host       string `json:"host"`
	PathPrefix string `json:"pathPrefix,omitempty"`
	ServiceID  string `json:"serviceId"`
	Target     string `json:"target"`
}

// NewTraefikApplier creates an applier on an already connected client.
func NewTraefikApplier(client *redis.Client, opts TraefikOptions) *TraefikApplier {
	if opts.RootKey == "" {
		opts.RootKey = "traefik"
	}
	if len(opts.EntryPoints) == 0 {
		opts.EntryPoints = []string{"web"}
	}
	if opts.IndexKey == "" {
		opts.IndexKey = DefaultTraefikIndexKey
	}
	return &TraefikApplier{
		client:      client,
		root:        strings.TrimSuffix(opts.RootKey, "/"),
		entryPoints: opts.EntryPoints,
		indexKey:    opts.IndexKey,
	}
}

func (t *TraefikApplier) Name() string { return "traefik" }

func (t *TraefikApplier) Ping(ctx context.Context) error {
	return redisError(t.client.Ping(ctx).Err())
}

// Apply writes each route in its own MULTI/EXEC so Traefik never observes a half-written router.
func (t *TraefikApplier) Apply(ctx context.Context, ops []Op) (map[domain.RouteKey]error, error) {
	if err := t.Ping(ctx); err != nil {
		return nil, err
	}

	failed := make(map[domain.RouteKey]error)
	for _, op := range ops {
		var err error
		if op.Kind == OpRemove {
			err = t.remove(ctx, op)
		} else {
			err = t.put(ctx, op)
		}
		if err != nil {
			failed[op.Key] = fmt.Errorf("%s %s: %w", op.Kind, op.Key, redisError(err))
		}
	}
	return failed, nil
}

func (t *TraefikApplier) put(ctx context.Context, op Op) error {
	name := RouterName(op.Entry.ServiceID)
	rec, err := json.Marshal(traefikRecord{
		Host:       op.Key.Host,
		PathPrefix: op.Key.PathPrefix,
		ServiceID:  op.Entry.ServiceID,
		Target:     op.Entry.Target,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal route record: %w", err)
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, t.routerKey(name, "rule"), TraefikRule(op.Key), 0)
		pipe.Set(ctx, t.routerKey(name, "service"), name, 0)
		for i, ep := range t.entryPoints {
			pipe.Set(ctx, t.routerKey(name, "entryPoints/"+strconv.Itoa(i)), ep, 0)
		}
		pipe.Set(ctx, t.serverURLKey(name), op.Entry.Target, 0)
		pipe.HSet(ctx, t.indexKey, name, rec)
		return nil
	})
	return err
}

func (t *TraefikApplier) remove(ctx context.Context, op Op) error {
	name := RouterName(op.Entry.ServiceID)
	keys := []string{
		t.routerKey(name, "rule"),
		t.routerKey(name, "service"),
		t.serverURLKey(name),
	}
	for i := range t.entryPoints {
		keys = append(keys, t.routerKey(name, "entryPoints/"+strconv.Itoa(i)))
	}

	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.HDel(ctx, t.indexKey, name)
		return nil
	})
	return err
}

// Current reads back the routes the engine owns. A route whose router rule was
// deleted behind the engine's back is reported as absent; the target is read
// from the live server URL key.
func (t *TraefikApplier) Current(ctx context.Context) (domain.RouteTable, error) {
	index, err := t.client.HGetAll(ctx, t.indexKey).Result()
	if err != nil {
		return nil, redisError(err)
	}

	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}

	rules := make(map[string]*redis.IntCmd, len(names))
	urls := make(map[string]*redis.StringCmd, len(names))
	_, err = t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, name := range names {
			rules[name] = pipe.Exists(ctx, t.routerKey(name, "rule"))
			urls[name] = pipe.Get(ctx, t.serverURLKey(name))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisError(err)
	}

	table := make(domain.RouteTable, len(index))
	for _, name := range names {
		if _, ok := ServiceIDFromRouter(name); !ok {
			continue
		}
		var rec traefikRecord
		if err := json.Unmarshal([]byte(index[name]), &rec); err != nil {
			continue
		}
		if n, _ := rules[name].Result(); n == 0 {
			continue
		}
		target, err := urls[name].Result()
		if err != nil {
			continue
		}
		key := domain.RouteKey{Host: rec.Host, PathPrefix: rec.PathPrefix}
		table[key] = domain.RouteEntry{ServiceID: rec.ServiceID, Target: target}
	}
	return table, nil
}

func (t *TraefikApplier) routerKey(name, field string) string {
	return t.root + "/http/routers/" + name + "/" + field
}

func (t *TraefikApplier) serverURLKey(name string) string {
	return t.root + "/http/services/" + name + "/loadBalancer/servers/0/url"
}

// TraefikRule renders the router rule for a route key.
// Wildcard hosts become a HostRegexp matching exactly one extra label.
func TraefikRule(k domain.RouteKey) string {
	var rule string
	if strings.HasPrefix(k.Host, "*.") {
		rule = fmt.Sprintf("HostRegexp(`^[^.]+%s$`)", regexp.QuoteMeta(k.Host[1:]))
	} else {
		rule = fmt.Sprintf("Host(`%s`)", k.Host)
	}
	if k.PathPrefix != "" {
		rule += fmt.Sprintf(" && PathPrefix(`%s`)", k.PathPrefix)
	}
	return rule
}

// redisError tags transport failures as unreachable.
func redisError(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis: %w: %v", domain.ErrUnreachable, err)
	}
	return err
}
