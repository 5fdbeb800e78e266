// Package proxy keeps the reverse proxy route configuration in line with the
// Running services. The Synchronizer owns the diff; an Applier only knows how
// to talk to one proxy's admin surface.
package proxy

import (
	"context"
	"sort"
	"strings"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

// OpKind is the kind of change sent to the proxy.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpRemove OpKind = "remove"
)

// Op is one route change. For OpRemove, Entry is the entry being removed.
type Op struct {
	Kind  OpKind
	Key   domain.RouteKey
	Entry domain.RouteEntry
}

// Applier talks to a proxy admin API. Apply reports per-route failures in
// failed; err is reserved for calls where nothing could be applied.
// Appliers never retry.
type Applier interface {
	Name() string
	Apply(ctx context.Context, ops []Op) (failed map[domain.RouteKey]error, err error)
	Current(ctx context.Context) (domain.RouteTable, error)
	Ping(ctx context.Context) error
}

// Diff returns the minimal ordered change set turning applied into desired.
// Removals come first so a route moving between keys never collides with itself.
func Diff(desired, applied domain.RouteTable) []Op {
	var removes, updates, adds []Op

	for _, k := range applied.Keys() {
		old := applied[k]
		want, ok := desired[k]
		switch {
		case !ok:
			removes = append(removes, Op{Kind: OpRemove, Key: k, Entry: old})
		case want.ServiceID != old.ServiceID:
			removes = append(removes, Op{Kind: OpRemove, Key: k, Entry: old})
			adds = append(adds, Op{Kind: OpAdd, Key: k, Entry: want})
		case want.Target != old.Target:
			updates = append(updates, Op{Kind: OpUpdate, Key: k, Entry: want})
		}
	}
	for _, k := range desired.Keys() {
		if _, ok := applied[k]; !ok {
			adds = append(adds, Op{Kind: OpAdd, Key: k, Entry: desired[k]})
		}
	}

	ops := make([]Op, 0, len(removes)+len(updates)+len(adds))
	ops = append(ops, removes...)
	ops = append(ops, updates...)
	ops = append(ops, adds...)
	return ops
}

// routerPrefix namespaces every object the engine writes into a proxy.
const routerPrefix = "wake-"

// RouterName is the proxy-side identifier of a service's route.
// Service ids are restricted to [a-zA-Z0-9_-] so the name is reversible.
func RouterName(serviceID string) string {
	return routerPrefix + serviceID
}

// ServiceIDFromRouter reverses RouterName. ok is false for objects the engine does not own.
func ServiceIDFromRouter(name string) (string, bool) {
	if !strings.HasPrefix(name, routerPrefix) || len(name) == len(routerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, routerPrefix), true
}

func sortedKeys(m map[domain.RouteKey]error) []domain.RouteKey {
	keys := make([]domain.RouteKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
