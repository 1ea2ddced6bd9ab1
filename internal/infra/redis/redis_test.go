package redis

import (
	"testing"
	"time"

	"github.com/sifan077/kisalt/config"
	"github.com/stretchr/testify/assert"
)

func TestOptions(t *testing.T) {
	opts := Options(config.RedisConfig{})
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Zero(t, opts.ReadTimeout)

	opts = Options(config.RedisConfig{
		Host:        "cache",
		Port:        6380,
		DB:          2,
		ReadTimeout: time.Second,
	})
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, time.Second, opts.ReadTimeout)
}
