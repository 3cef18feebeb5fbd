package timeplus

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/timeplus-io/proton-go-driver/v2"
	"github.com/timeplus-io/proton-go-driver/v2/lib/driver"

	"github.com/cloudcare/alert-desk/pkg/config"
)

// DefaultPort is the proton native protocol port
const DefaultPort = "8463"

// maxAttempts bounds retries of a single query or insert
const maxAttempts = 4

// Column represents a column definition
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Client is a wrapper around the Timeplus Proton Go driver connection
type Client struct {
	conn      driver.Conn
	workspace string
	opts      *proton.Options
}

// NormalizeAddress strips any scheme and adds the default port
func NormalizeAddress(address string) string {
	address = strings.TrimPrefix(address, "http://")
	address = strings.TrimPrefix(address, "https://")
	address = strings.TrimRight(address, "/")
	if !strings.Contains(address, ":") {
		address += ":" + DefaultPort
	}
	return address
}

// NewClient connects to Timeplus and verifies the connection
func NewClient(cfg *config.TimeplusConfig) (*Client, error) {
	addr := NormalizeAddress(cfg.Address)
	logrus.Infof("Connecting to Timeplus at %s (workspace: %s)", addr, cfg.Workspace)

	opts := &proton.Options{
		Addr: []string{addr},
		Auth: proton.Auth{
			Database: cfg.Workspace,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		Compression: &proton.Compression{
			Method: proton.CompressionLZ4,
		},
	}

	conn, err := proton.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to Timeplus: %w", err)
	}

	c := &Client{conn: conn, workspace: cfg.Workspace, opts: opts}
	if err := c.ping(context.Background(), cfg.ConnectAttempts); err != nil {
		conn.Close()
		return nil, err
	}

	logrus.Info("Successfully connected to Timeplus")
	return c, nil
}

func (c *Client) ping(ctx context.Context, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = c.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		logrus.Warnf("Failed to ping Timeplus (attempt %d/%d): %v", i+1, attempts, err)
		if i+1 < attempts {
			time.Sleep(2 * time.Second)
		}
	}
	return fmt.Errorf("failed to ping Timeplus after %d attempts: %w", attempts, err)
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// CreateStream creates a stream with the given schema if it is missing
func (c *Client) CreateStream(ctx context.Context, name string, schema []Column) error {
	if err := c.conn.Exec(ctx, CreateStreamQuery(name, schema)); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", name, err)
	}
	logrus.Infof("Stream %s ready", name)
	return nil
}

// DropStream drops a stream if it exists
func (c *Client) DropStream(ctx context.Context, name string) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf("DROP STREAM IF EXISTS `%s`", name)); err != nil {
		return fmt.Errorf("failed to drop stream '%s': %w", name, err)
	}
	return nil
}

// StreamExists checks if a stream exists
func (c *Client) StreamExists(ctx context.Context, name string) (bool, error) {
	query := fmt.Sprintf("SHOW STREAMS LIKE %s", quote(name))
	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return false, fmt.Errorf("failed to execute SHOW STREAMS: %w", err)
	}
	defer rows.Close()

	exists := rows.Next()
	if rows.Err() != nil {
		return false, fmt.Errorf("error checking rows from SHOW STREAMS: %w", rows.Err())
	}
	return exists, nil
}

// ExecuteQuery runs a bounded query and returns the rows as maps
func (c *Client) ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error) {
	var result []map[string]interface{}

	err := c.retry(ctx, "query", func() error {
		rows, err := c.conn.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		columnNames := rows.Columns()
		columnTypes := rows.ColumnTypes()
		result = make([]map[string]interface{}, 0)

		for rows.Next() {
			scanArgs := make([]interface{}, len(columnNames))
			for i, ct := range columnTypes {
				scanArgs[i] = reflect.New(ct.ScanType()).Interface()
			}
			if err := rows.Scan(scanArgs...); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to scan row: %w", err))
			}

			row := make(map[string]interface{}, len(columnNames))
			for i, name := range columnNames {
				row[name] = reflect.ValueOf(scanArgs[i]).Elem().Interface()
			}
			result = append(result, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InsertIntoStream inserts one row
func (c *Client) InsertIntoStream(ctx context.Context, streamName string, columns []string, values []interface{}) error {
	if len(columns) != len(values) {
		return fmt.Errorf("insert into %s: %d columns but %d values", streamName, len(columns), len(values))
	}
	query := InsertQuery(streamName, columns, values)

	return c.retry(ctx, "insert into "+streamName, func() error {
		return c.conn.Exec(ctx, query)
	})
}

// retry runs op with exponential backoff, reconnecting after EOF errors
func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		logrus.Warnf("Timeplus %s failed, retrying in %v: %v", what, wait, err)
		if strings.Contains(err.Error(), "EOF") {
			if rerr := c.reconnect(ctx); rerr != nil {
				logrus.Errorf("Failed to reconnect: %v", rerr)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("timeplus %s: %w", what, err)
	}
	return nil
}

func (c *Client) reconnect(ctx context.Context) error {
	logrus.Info("Attempting to reconnect to Timeplus...")
	if c.conn != nil {
		c.conn.Close()
	}
	conn, err := proton.Open(c.opts)
	if err != nil {
		return fmt.Errorf("failed to reopen connection: %w", err)
	}
	c.conn = conn
	return c.ping(ctx, 1)
}

// CreateStreamQuery renders the DDL for a stream
func CreateStreamQuery(name string, schema []Column) string {
	fields := make([]string, len(schema))
	for i, col := range schema {
		if col.Nullable {
			fields[i] = fmt.Sprintf("`%s` nullable(%s)", col.Name, col.Type)
		} else {
			fields[i] = fmt.Sprintf("`%s` %s", col.Name, col.Type)
		}
	}
	return fmt.Sprintf("CREATE STREAM IF NOT EXISTS `%s` (%s)", name, strings.Join(fields, ", "))
}

// InsertQuery renders a single-row INSERT with literal values
func InsertQuery(streamName string, columns []string, values []interface{}) string {
	formatted := make([]string, len(values))
	for i, v := range values {
		formatted[i] = literal(v)
	}
	return fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)", streamName, strings.Join(columns, ", "), strings.Join(formatted, ", "))
}

func literal(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return quote(v)
	case time.Time:
		return quote(v.UTC().Format("2006-01-02 15:04:05.000"))
	case *time.Time:
		if v == nil {
			return "null"
		}
		return literal(*v)
	case bool:
		return fmt.Sprintf("%t", v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32, float64:
		return fmt.Sprintf("%f", v)
	default:
		return quote(fmt.Sprintf("%v", v))
	}
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
