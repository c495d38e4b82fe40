package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"device-trust-service/internal/bucketing"
	"device-trust-service/internal/config"
	"device-trust-service/internal/util"
)

const maxCASRetries = 5

// PreparedStatements holds the statements the repositories bind per call.
type PreparedStatements struct {
	InsertDevice        *gocql.Query
	ClaimIMEI           *gocql.Query
	ReleaseIMEI         *gocql.Query
	GetDeviceByID       *gocql.Query
	GetDeviceIDByIMEI   *gocql.Query
	ListDevicesInBucket *gocql.Query
	UpdateDeviceStatus  *gocql.Query
	UpdateSecurityScore *gocql.Query
	UpdateKeyInfo       *gocql.Query
	GetKeyRemaining     *gocql.Query
	CASKeyRemaining     *gocql.Query

	InsertHealthCheck *gocql.Query
	ListHealthChecks  *gocql.Query
	CountHealthChecks *gocql.Query

	InsertThreat          *gocql.Query
	InsertThreatByDevice  *gocql.Query
	GetThreatByID         *gocql.Query
	ResolveThreat         *gocql.Query
	ResolveThreatByDevice *gocql.Query
	ListThreatsByDevice   *gocql.Query
	ScanThreats           *gocql.Query

	InsertTransaction         *gocql.Query
	InsertTransactionByDevice *gocql.Query
	GetTransactionByID        *gocql.Query
	ListTransactionsByDevice  *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	Buckets      *bucketing.BucketingManager
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, buckets *bucketing.BucketingManager) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
		Buckets: buckets,
	}

	if err := client.EnsureSchema(context.Background()); err != nil {
		session.Close()
		return nil, err
	}
	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	p := &PreparedStatements{}

	p.InsertDevice = s.Session.Query(`INSERT INTO devices (device_bucket, ` + deviceColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	p.ClaimIMEI = s.Session.Query(`
        INSERT INTO devices_by_imei (imei, device_id, created_at) VALUES (?, ?, ?) IF NOT EXISTS`)
	p.ReleaseIMEI = s.Session.Query(`DELETE FROM devices_by_imei WHERE imei = ?`)
	p.GetDeviceByID = s.Session.Query(`SELECT ` + deviceColumns + `
        FROM devices WHERE device_bucket = ? AND device_id = ?`)
	p.GetDeviceIDByIMEI = s.Session.Query(`SELECT device_id FROM devices_by_imei WHERE imei = ?`)
	p.ListDevicesInBucket = s.Session.Query(`SELECT ` + deviceColumns + `
        FROM devices WHERE device_bucket = ?`)
	p.UpdateDeviceStatus = s.Session.Query(`
        UPDATE devices SET status = ?, approved_at = ?, approved_by = ?, updated_at = ?
        WHERE device_bucket = ? AND device_id = ? IF status = ?`)
	p.UpdateSecurityScore = s.Session.Query(`
        UPDATE devices SET security_score = ?, last_active_at = ?, updated_at = ?
        WHERE device_bucket = ? AND device_id = ? IF EXISTS`)
	p.UpdateKeyInfo = s.Session.Query(`
        UPDATE devices SET current_ksn = ?, ipek_injected_at = ?, key_remaining_count = ?,
            key_total_count = ?, updated_at = ?
        WHERE device_bucket = ? AND device_id = ? IF EXISTS`)
	p.GetKeyRemaining = s.Session.Query(`
        SELECT key_remaining_count FROM devices WHERE device_bucket = ? AND device_id = ?`)
	p.CASKeyRemaining = s.Session.Query(`
        UPDATE devices SET key_remaining_count = ?
        WHERE device_bucket = ? AND device_id = ? IF key_remaining_count = ?`)

	p.InsertHealthCheck = s.Session.Query(`INSERT INTO health_checks (` + healthCheckColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	p.ListHealthChecks = s.Session.Query(`SELECT ` + healthCheckColumns + `
        FROM health_checks WHERE device_id = ? LIMIT ?`)
	p.CountHealthChecks = s.Session.Query(`SELECT COUNT(*) FROM health_checks WHERE device_id = ?`)

	p.InsertThreat = s.Session.Query(`INSERT INTO threat_events (` + threatColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	p.InsertThreatByDevice = s.Session.Query(`INSERT INTO threats_by_device (` + threatColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	p.GetThreatByID = s.Session.Query(`SELECT ` + threatColumns + ` FROM threat_events WHERE threat_id = ?`)
	p.ResolveThreat = s.Session.Query(`
        UPDATE threat_events SET status = ?, resolved_at = ?, resolved_by = ?, notes = ?
        WHERE threat_id = ? IF status = ?`)
	p.ResolveThreatByDevice = s.Session.Query(`
        UPDATE threats_by_device SET status = ?, resolved_at = ?, resolved_by = ?, notes = ?
        WHERE device_id = ? AND detected_at = ? AND threat_id = ?`)
	p.ListThreatsByDevice = s.Session.Query(`SELECT ` + threatColumns + `
        FROM threats_by_device WHERE device_id = ?`)
	p.ScanThreats = s.Session.Query(`SELECT ` + threatColumns + ` FROM threat_events`)

	p.InsertTransaction = s.Session.Query(`INSERT INTO transactions (` + transactionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	p.InsertTransactionByDevice = s.Session.Query(`INSERT INTO transactions_by_device (` + transactionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	p.GetTransactionByID = s.Session.Query(`SELECT ` + transactionColumns + `
        FROM transactions WHERE transaction_id = ?`)
	p.ListTransactionsByDevice = s.Session.Query(`SELECT ` + transactionColumns + `
        FROM transactions_by_device WHERE device_id = ? LIMIT ?`)

	s.Prepared = p
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(ctx context.Context, batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch.WithContext(ctx))
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil {
			return nil
		}
		if err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// Stmt binds values to a fresh query sharing the prepared statement text,
// so concurrent callers never mutate the shared *gocql.Query.
func (s *ScyllaClient) Stmt(ctx context.Context, prepared *gocql.Query, values ...interface{}) *gocql.Query {
	return s.Session.Query(prepared.Statement(), values...).WithContext(ctx)
}

// applyCAS runs a lightweight transaction and returns whether it applied
// plus the current row values when it did not.
func applyCAS(query *gocql.Query) (bool, map[string]interface{}, error) {
	current := make(map[string]interface{})
	applied, err := query.MapScanCAS(current)
	if err != nil {
		return false, nil, err
	}
	return applied, current, nil
}
