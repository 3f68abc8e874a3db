package storage

import (
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient accepts either a redis:// URL or the Azure Cache form
// "host:port,password=...,ssl=True".
func NewRedisClient(conn string) *redis.Client {
	return redis.NewClient(redisOptions(conn))
}

func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
