package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"musive/internal/models"
	"musive/internal/testsupport/redisstub"
)

func newTestCache(t *testing.T, password string) (*RedisCache, *redisstub.Server) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: password})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	c, err := NewRedis(Config{Addrs: []string{srv.Addr()}, Password: password, TTL: time.Minute, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func TestNewRedisRequiresAddress(t *testing.T) {
	if _, err := NewRedis(Config{Addrs: []string{" "}}); err == nil {
		t.Fatalf("expected error without address")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, srv := newTestCache(t, "secret")
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	key := ArtistKey("postgres@localhost:5432/musive", "edsheeran")
	var miss models.Artist
	if err := c.Get(ctx, key, &miss); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}

	artist := models.Artist{ID: "a1", Username: "edsheeran", DisplayName: "Ed Sheeran", Avatar: models.MediaAsset{URL: "http://x/a.png?", Color: "#fff"}}
	version, err := c.Version(ctx, key)
	if err != nil || version != 0 {
		t.Fatalf("expected version 0 for a fresh key, got %d (%v)", version, err)
	}
	if err := c.Fill(ctx, key, version, artist); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if _, ok := srv.Value(c.valueKey(key)); !ok {
		t.Fatalf("expected value stored under %s", c.valueKey(key))
	}
	if ttl := srv.TTL(c.valueKey(key)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ttl within a minute, got %v", ttl)
	}

	var got models.Artist
	if err := c.Get(ctx, key, &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Username != artist.Username || got.Avatar != artist.Avatar {
		t.Fatalf("unexpected cached artist %+v", got)
	}

	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Get(ctx, key, &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
	if version, err := c.Version(ctx, key); err != nil || version != 1 {
		t.Fatalf("expected delete to bump the version to 1, got %d (%v)", version, err)
	}
	if ttl := srv.TTL(c.versionKey(key)); ttl <= time.Minute || ttl > 2*time.Minute {
		t.Fatalf("expected version to outlive the value ttl, got %v", ttl)
	}
}

func TestRedisCacheFillAfterDeleteIsStale(t *testing.T) {
	c, srv := newTestCache(t, "")
	ctx := context.Background()
	key := TrackKey("postgres@localhost:5432/musive", "Perfect")

	version, err := c.Version(ctx, key)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	old := models.Track{TrackName: "Perfect", Src: "http://x/old?"}
	if err := c.Fill(ctx, key, version, old); !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale fill to be refused, got %v", err)
	}
	if _, ok := srv.Value(c.valueKey(key)); ok {
		t.Fatalf("expected no value after a stale fill")
	}

	current, err := c.Version(ctx, key)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	fresh := models.Track{TrackName: "Perfect", Src: "http://x/new?"}
	if err := c.Fill(ctx, key, current, fresh); err != nil {
		t.Fatalf("Fill at current version: %v", err)
	}
	var got models.Track
	if err := c.Get(ctx, key, &got); err != nil || got.Src != fresh.Src {
		t.Fatalf("expected fresh track, got %+v (%v)", got, err)
	}
	if srv.Calls("WATCH") != 2 || srv.Calls("EXEC") != 2 {
		t.Fatalf("expected fills and deletes to run as transactions, watch=%d exec=%d", srv.Calls("WATCH"), srv.Calls("EXEC"))
	}
}

func TestRedisCacheUnavailable(t *testing.T) {
	c, srv := newTestCache(t, "")
	_ = srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var artist models.Artist
	err := c.Get(ctx, "artist:x", &artist)
	if err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestNoop(t *testing.T) {
	var c Cache = Noop{}
	ctx := context.Background()
	if err := c.Fill(ctx, "k", 0, "v"); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	var out string
	if err := c.Get(ctx, "k", &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestKeysAreScopedByTarget(t *testing.T) {
	if ArtistKey("a", "x") == ArtistKey("b", "x") {
		t.Fatalf("expected target to scope artist keys")
	}
	if ArtistKey("a", "x") == TrackKey("a", "x") {
		t.Fatalf("expected artist and track keys to differ")
	}
}
