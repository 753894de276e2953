package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisDriverStore keeps each driver in a hash and indexes ids by cell in a set.
type RedisDriverStore struct {
	client *redis.Client
}

func NewRedisDriverStore(client *redis.Client) *RedisDriverStore {
	return &RedisDriverStore{client: client}
}

func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

func driverKey(id string) string { return "driver:" + id }
func cellKey(cell string) string { return "drivers:cell:" + cell }

// KEYS[1] driver hash; ARGV expected, next, updated
var casStatus = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated', ARGV[3])
  return 1
end
return 0
`)

// KEYS[1] driver hash; ARGV id, status, name, cell, lat, lng, rating, updated
var upsertDriver = redis.NewScript(`
local prevCell = redis.call('HGET', KEYS[1], 'cell')
local status = ARGV[2]
if status == '' then
  status = redis.call('HGET', KEYS[1], 'status')
  if not status then status = 'available' end
end
if prevCell and prevCell ~= ARGV[4] then
  redis.call('SREM', 'drivers:cell:' .. prevCell, ARGV[1])
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'status', status, 'name', ARGV[3], 'cell', ARGV[4],
  'lat', ARGV[5], 'lng', ARGV[6], 'rating', ARGV[7], 'updated', ARGV[8])
redis.call('SADD', 'drivers:cell:' .. ARGV[4], ARGV[1])
return 1
`)

func (r *RedisDriverStore) FindAvailableInCells(ctx context.Context, cells []string) ([]models.DriverCandidate, error) {
	if len(cells) == 0 {
		return []models.DriverCandidate{}, nil
	}
	keys := make([]string, len(cells))
	for i, c := range cells {
		keys[i] = cellKey(c)
	}
	ids, err := r.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("sunion cells: %w", err)
	}
	sort.Strings(ids)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, driverKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("load drivers: %w", err)
		}
	}

	wanted := make(map[string]bool, len(cells))
	for _, c := range cells {
		wanted[c] = true
	}
	out := make([]models.DriverCandidate, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		d := parseDriver(m)
		// the cell index can briefly lag a move; trust the hash
		if d.Status != models.DriverAvailable || !wanted[d.Location.Cell] {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisDriverStore) ConditionalSetStatus(ctx context.Context, id string, expected, next models.DriverStatus) (bool, error) {
	n, err := casStatus.Run(ctx, r.client, []string{driverKey(id)},
		string(expected), string(next), time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("cas driver status: %w", err)
	}
	return n == 1, nil
}

func (r *RedisDriverStore) SetStatus(ctx context.Context, id string, status models.DriverStatus) error {
	exists, err := r.client.Exists(ctx, driverKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return r.client.HSet(ctx, driverKey(id), "status", string(status), "updated", time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

func (r *RedisDriverStore) Upsert(ctx context.Context, d models.DriverCandidate) error {
	err := upsertDriver.Run(ctx, r.client, []string{driverKey(d.ID)},
		d.ID,
		string(d.Status),
		d.Name,
		d.Location.Cell,
		strconv.FormatFloat(d.Location.Lat, 'f', -1, 64),
		strconv.FormatFloat(d.Location.Lng, 'f', -1, 64),
		strconv.FormatFloat(d.Rating, 'f', -1, 64),
		time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("upsert driver: %w", err)
	}
	return nil
}

func (r *RedisDriverStore) Get(ctx context.Context, id string) (models.DriverCandidate, error) {
	m, err := r.client.HGetAll(ctx, driverKey(id)).Result()
	if err != nil {
		return models.DriverCandidate{}, err
	}
	if len(m) == 0 {
		return models.DriverCandidate{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return parseDriver(m), nil
}

func parseDriver(m map[string]string) models.DriverCandidate {
	d := models.DriverCandidate{
		ID:     m["id"],
		Name:   m["name"],
		Status: models.DriverStatus(m["status"]),
	}
	d.Location.Cell = m["cell"]
	d.Location.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	d.Location.Lng, _ = strconv.ParseFloat(m["lng"], 64)
	d.Rating, _ = strconv.ParseFloat(m["rating"], 64)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated"])
	return d
}

var _ DriverStore = (*RedisDriverStore)(nil)
