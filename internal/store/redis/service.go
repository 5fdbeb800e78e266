package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

const (
	// DefaultServiceTTL bounds how long a snapshot outlives its last update (48 hours)
	DefaultServiceTTL = 48 * time.Hour
)

// Store keeps read-only snapshots of service records for dashboards that
// cannot reach the admin API. The registry stays authoritative.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client) *Store {
	return &Store{
		client: client,
		ttl:    DefaultServiceTTL,
	}
}

// SaveService stores a service snapshot in Redis
func (s *Store) SaveService(ctx context.Context, service domain.Service) error {
	data, err := json.Marshal(service)
	if err != nil {
		return fmt.Errorf("failed to marshal service: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ServiceKey(service.ID), data, s.ttl)
		pipe.SAdd(ctx, AllServicesKey(), service.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save service %s: %w", service.ID, err)
	}
	return nil
}

// GetService retrieves a service snapshot by ID
func (s *Store) GetService(ctx context.Context, id string) (domain.Service, error) {
	data, err := s.client.Get(ctx, ServiceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Service{}, fmt.Errorf("service %s: %w", id, domain.ErrNotFound)
		}
		return domain.Service{}, fmt.Errorf("failed to get service: %w", err)
	}

	var service domain.Service
	if err := json.Unmarshal(data, &service); err != nil {
		return domain.Service{}, fmt.Errorf("failed to unmarshal service: %w", err)
	}
	return service, nil
}

// GetAllServices retrieves every snapshot; expired entries are skipped
func (s *Store) GetAllServices(ctx context.Context) ([]domain.Service, error) {
	ids, err := s.client.SMembers(ctx, AllServicesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get service IDs: %w", err)
	}

	services := make([]domain.Service, 0, len(ids))
	for _, id := range ids {
		service, err := s.GetService(ctx, id)
		if err != nil {
			continue
		}
		services = append(services, service)
	}
	return services, nil
}

// DeleteService removes a service snapshot
func (s *Store) DeleteService(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ServiceKey(id))
		pipe.SRem(ctx, AllServicesKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete service %s: %w", id, err)
	}
	return nil
}

// SaveServicesMany stores multiple snapshots in one round trip
func (s *Store) SaveServicesMany(ctx context.Context, services []domain.Service) error {
	if len(services) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()

	for _, service := range services {
		data, err := json.Marshal(service)
		if err != nil {
			return fmt.Errorf("failed to marshal service %s: %w", service.ID, err)
		}
		pipe.Set(ctx, ServiceKey(service.ID), data, s.ttl)
		pipe.SAdd(ctx, AllServicesKey(), service.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save services: %w", err)
	}
	return nil
}

// Prune deletes snapshots of services not listed in keep
func (s *Store) Prune(ctx context.Context, keep []string) (int, error) {
	ids, err := s.client.SMembers(ctx, AllServicesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get service IDs: %w", err)
	}

	wanted := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		wanted[id] = struct{}{}
	}

	removed := 0
	for _, id := range ids {
		if _, ok := wanted[id]; ok {
			continue
		}
		if err := s.DeleteService(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
