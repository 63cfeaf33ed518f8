/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signalserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix = "callmesh:room:"
	roomIndexKey  = "callmesh:rooms"
	roomTTL       = 24 * time.Hour
)

// RedisConfig holds the connection settings for a RedisRoomStore
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisRoomStore keeps room metadata as JSON strings and membership as
// sets, both expiring after a day without activity.
type RedisRoomStore struct {
	client *redis.Client
}

// NewRedisRoomStore connects and pings the server.
func NewRedisRoomStore(ctx context.Context, cfg RedisConfig) (*RedisRoomStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisRoomStore{client: client}, nil
}

func (s *RedisRoomStore) Close() error {
	return s.client.Close()
}

func roomKey(id string) string    { return roomKeyPrefix + id }
func membersKey(id string) string { return roomKeyPrefix + id + ":members" }

func (s *RedisRoomStore) Create(ctx context.Context, room *RoomRecord) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, roomKey(room.ID), data, roomTTL).Result()
	if err != nil {
		return fmt.Errorf("storing room: %w", err)
	}
	if !ok {
		return ErrRoomExists
	}
	return s.client.SAdd(ctx, roomIndexKey, room.ID).Err()
}

func (s *RedisRoomStore) Get(ctx context.Context, roomID string) (*RoomRecord, error) {
	data, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading room: %w", err)
	}
	var room RoomRecord
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}
	return &room, nil
}

func (s *RedisRoomStore) List(ctx context.Context) ([]RoomRecord, error) {
	ids, err := s.client.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RoomRecord, 0, len(ids))
	for _, id := range ids {
		room, err := s.Get(ctx, id)
		if errors.Is(err, ErrRoomNotFound) {
			// Expired; drop it from the index.
			s.client.SRem(ctx, roomIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (s *RedisRoomStore) Delete(ctx context.Context, roomID string) error {
	n, err := s.client.Del(ctx, roomKey(roomID), membersKey(roomID)).Result()
	if err != nil {
		return err
	}
	s.client.SRem(ctx, roomIndexKey, roomID)
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *RedisRoomStore) AddMember(ctx context.Context, roomID, userID string) error {
	exists, err := s.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRoomNotFound
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, membersKey(roomID), userID)
	pipe.Expire(ctx, membersKey(roomID), roomTTL)
	pipe.Expire(ctx, roomKey(roomID), roomTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRoomStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.client.SRem(ctx, membersKey(roomID), userID).Err()
}

func (s *RedisRoomStore) MemberCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, membersKey(roomID)).Result()
	return int(n), err
}
