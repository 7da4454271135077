package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/profileauthz"
)

// RedisIdentityProvider stores user roles in a hash (key: {prefix}:roles) and
// relationships in one hash per requester (key: {prefix}:rel:{userID}).
type RedisIdentityProvider struct {
	client redis.Cmdable
	prefix string
}

func NewRedisIdentityProvider(client redis.Cmdable, prefix string) *RedisIdentityProvider {
	if prefix == "" {
		prefix = "profileauthz"
	}
	return &RedisIdentityProvider{client: client, prefix: prefix}
}

func (r *RedisIdentityProvider) rolesKey() string { return r.prefix + ":roles" }
func (r *RedisIdentityProvider) usersKey() string { return r.prefix + ":users" }
func (r *RedisIdentityProvider) relKey(userID string) string {
	return fmt.Sprintf("%s:rel:%s", r.prefix, userID)
}

func (r *RedisIdentityProvider) Role(ctx context.Context, userID string) (profileauthz.RoleID, error) {
	v, err := r.client.HGet(ctx, r.rolesKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", &profileauthz.NotFoundError{Kind: "user role", ID: userID}
	}
	if err != nil {
		return "", err
	}
	return profileauthz.RoleID(v), nil
}

func (r *RedisIdentityProvider) Relationship(ctx context.Context, userID, ownerID string) (profileauthz.Relationship, error) {
	v, err := r.client.HGet(ctx, r.relKey(userID), ownerID).Result()
	if errors.Is(err, redis.Nil) {
		return profileauthz.RelationshipStranger, nil
	}
	if err != nil {
		return "", err
	}
	return profileauthz.Relationship(v), nil
}

func (r *RedisIdentityProvider) SetRole(ctx context.Context, userID string, role profileauthz.RoleID) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.rolesKey(), userID, string(role))
		p.SAdd(ctx, r.usersKey(), userID)
		return nil
	})
	return err
}

func (r *RedisIdentityProvider) SetRelationship(ctx context.Context, userID, ownerID string, rel profileauthz.Relationship) error {
	if !rel.Valid() {
		return &profileauthz.ValidationError{Object: "relationship", ID: userID + "->" + ownerID, Field: "relationship", Reason: "unknown relationship " + string(rel)}
	}
	return r.client.HSet(ctx, r.relKey(userID), ownerID, string(rel)).Err()
}

// RemoveUser drops the user's role and outgoing relationships.
func (r *RedisIdentityProvider) RemoveUser(ctx context.Context, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, r.rolesKey(), userID)
		p.Del(ctx, r.relKey(userID))
		p.SRem(ctx, r.usersKey(), userID)
		return nil
	})
	return err
}

// Users lists users with a stored role, sorted.
func (r *RedisIdentityProvider) Users(ctx context.Context) ([]string, error) {
	res, err := r.client.SMembers(ctx, r.usersKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(res)
	return res, nil
}
