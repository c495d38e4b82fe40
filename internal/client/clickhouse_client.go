package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"device-trust-service/internal/config"
	"device-trust-service/internal/util"
)

// ClickHouseClient is the audit log's connection. Audit traffic is small
// append-only batches plus occasional operator queries, so the pool is
// narrow and inserts go through server-side async insert.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
}

func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{extractHostPort(chConfig.URL)},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		Compression:     &ch.Compression{Method: ch.CompressionLZ4},
		Settings:        ch.Settings{"async_insert": 1, "wait_for_async_insert": 1},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}

	if cfg.IsProduction() || strings.HasPrefix(chConfig.URL, "https://") {
		tlsConfig, err := clickhouseTLS(chConfig.URL)
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse audit connection ready",
		util.String("addr", opts.Addr[0]),
		util.String("database", chConfig.Database),
		util.Bool("tls_enabled", opts.TLS != nil),
	)

	return &ClickHouseClient{conn: conn, database: chConfig.Database}, nil
}

// clickhouseTLS trusts CLICKHOUSE_CA_FILE when set, the system pool otherwise.
func clickhouseTLS(url string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: extractHostname(url),
	}
	caFile := config.GetEnv("CLICKHOUSE_CA_FILE", "")
	if caFile == "" {
		return tlsConfig, nil
	}
	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates in ClickHouse CA file %s", caFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// EnsureTable applies a CREATE TABLE IF NOT EXISTS statement.
func (c *ClickHouseClient) EnsureTable(ctx context.Context, ddl string) error {
	if err := c.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure table in %s: %w", c.database, err)
	}
	return nil
}

// InsertBatch sends rows as one native block. A row that does not fit the
// column types aborts the whole batch.
func (c *ClickHouseClient) InsertBatch(ctx context.Context, insert string, rows [][]interface{}) error {
	batch, err := c.conn.PrepareBatch(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	return batch.Send()
}

// Select scans the result into dest, a pointer to a slice of structs tagged
// with `ch` column names.
func (c *ClickHouseClient) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return c.conn.Select(ctx, dest, query, args...)
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", util.ErrorField(err))
		return err
	}
	return nil
}

// extractHostPort defaults to the native protocol ports (9000, 9440 for TLS).
func extractHostPort(url string) string {
	hostPort := strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "https://")
	if strings.Contains(hostPort, ":") {
		return hostPort
	}
	if strings.HasPrefix(url, "https://") {
		return hostPort + ":9440"
	}
	return hostPort + ":9000"
}

func extractHostname(url string) string {
	return strings.Split(extractHostPort(url), ":")[0]
}
