package rqconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_FillsZeroValues(t *testing.T) {
	c := &Config{}
	c.applyDefaults()

	assert.Equal(t, 2, c.Engine.PoolSize)
	assert.Equal(t, "./runqueue-logs", c.Engine.LogDir)
	assert.Equal(t, uint16(7777), c.Server.Port)
	assert.Equal(t, 5000, c.Client.CallTimeoutMs)
	assert.Equal(t, 20000, c.Client.LogFetchTimeoutMs)
	assert.Equal(t, "runqueue-worker:latest", c.Docker.Image)
	assert.Equal(t, ":9090", c.Metrics.Addr)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	c := &Config{}
	c.Engine.PoolSize = 9
	c.Server.Port = 1234
	c.applyDefaults()

	assert.Equal(t, 9, c.Engine.PoolSize, "explicit PoolSize overwritten")
	assert.Equal(t, uint16(1234), c.Server.Port, "explicit Server.Port overwritten")
}

func TestApplyEnvOverrides_EnvWinsOverFileValue(t *testing.T) {
	os.Setenv("RUNQUEUE_POOL_SIZE", "11")
	os.Setenv("RUNQUEUE_SHARED_PASSWORD", "s3cret")
	os.Setenv("RUNQUEUE_METRICS_ENABLED", "true")
	defer os.Unsetenv("RUNQUEUE_POOL_SIZE")
	defer os.Unsetenv("RUNQUEUE_SHARED_PASSWORD")
	defer os.Unsetenv("RUNQUEUE_METRICS_ENABLED")

	c := &Config{}
	c.Engine.PoolSize = 2
	c.applyEnvOverrides()

	assert.Equal(t, 11, c.Engine.PoolSize, "env override")
	assert.Equal(t, "s3cret", c.Security.SharedPassword)
	assert.True(t, c.Metrics.Enabled, "expected Metrics.Enabled true from env override")
}

func TestGetEnvBool(t *testing.T) {
	os.Setenv("RQCONFIG_TEST_BOOL", "1")
	defer os.Unsetenv("RQCONFIG_TEST_BOOL")
	assert.True(t, getEnvBool("RQCONFIG_TEST_BOOL", false), "expected \"1\" to parse as true")
	assert.True(t, getEnvBool("RQCONFIG_TEST_BOOL_UNSET", true), "expected unset var to fall back to default")
}

func TestGetEnvInt(t *testing.T) {
	os.Setenv("RQCONFIG_TEST_INT", "42")
	defer os.Unsetenv("RQCONFIG_TEST_INT")
	assert.Equal(t, 42, getEnvInt("RQCONFIG_TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("RQCONFIG_TEST_INT_UNSET", 7), "fallback")
}
