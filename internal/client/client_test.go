package client

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractHostPort(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "bare host", url: "clickhouse", want: "clickhouse:9000"},
		{name: "explicit port", url: "clickhouse:19000", want: "clickhouse:19000"},
		{name: "http scheme", url: "http://clickhouse", want: "clickhouse:9000"},
		{name: "https scheme", url: "https://clickhouse", want: "clickhouse:9440"},
		{name: "https with port", url: "https://ch.internal:9441", want: "ch.internal:9441"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractHostPort(tt.url))
		})
	}
}

func TestExtractHostname(t *testing.T) {
	assert.Equal(t, "ch.internal", extractHostname("https://ch.internal:9441"))
	assert.Equal(t, "localhost", extractHostname("localhost"))
}

func TestClickhouseTLS(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0600))

	tests := []struct {
		name    string
		caFile  string
		wantErr bool
	}{
		{name: "system pool", caFile: ""},
		{name: "missing CA file", caFile: filepath.Join(dir, "missing.pem"), wantErr: true},
		{name: "CA file without certificates", caFile: garbage, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CLICKHOUSE_CA_FILE", tt.caFile)
			cfg, err := clickhouseTLS("https://ch.internal:9440")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ch.internal", cfg.ServerName)
			assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
			assert.Nil(t, cfg.RootCAs)
		})
	}
}
