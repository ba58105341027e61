package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server_url: http://clusterd:8080
host_name: h1
roles:
  DATANODE:
    unit: hadoop-hdfs-datanode
    scripts:
      SERVICE_CHECK: hdfs dfsadmin -report
`))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Minute, cfg.CommandTimeout)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, "/etc/security/keytabs", cfg.KeytabDir)
	assert.Equal(t, "hadoop-hdfs-datanode", cfg.Roles["DATANODE"].Unit)
	assert.Equal(t, "hdfs dfsadmin -report", cfg.Roles["DATANODE"].Scripts["SERVICE_CHECK"])
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`host_name: h1`))
	assert.EqualError(t, err, "server_url is required")

	_, err = Parse([]byte(`server_url: [`))
	assert.Error(t, err)
}
