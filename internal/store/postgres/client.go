// Package postgres is the durable journal: positions, orders, trades, the
// risk ledger and the audit log, stored in PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// ClientConfig holds connection parameters for the journal database. DSN,
// when set, wins over the individual fields.
type ClientConfig struct {
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int

	// AppName is reported to the server as application_name so journal
	// sessions can be told apart in pg_stat_activity. Defaults to tradeexec.
	AppName string
	// ConnectTimeout bounds the initial connect and ping. Defaults to 10s.
	ConnectTimeout time.Duration
}

// DSN builds a PostgreSQL connection string from the given config.
func DSN(cfg ClientConfig) string {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	mode := cfg.SSLMode
	if mode == "" {
		mode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Database, mode)
}

// Client owns the journal's connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// New connects to the journal database and verifies the connection.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	app := cfg.AppName
	if app == "" {
		app = "tradeexec"
	}
	if _, set := poolCfg.ConnConfig.RuntimeParams["application_name"]; !set {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = app
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	poolCfg.ConnConfig.DialFunc = dialIPv4First(&net.Dialer{Timeout: timeout}, net.DefaultResolver.LookupIP)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Client{pool: pool}, nil
}

// lookupFunc resolves host to addresses of the given family ("ip4").
type lookupFunc func(ctx context.Context, network, host string) ([]net.IP, error)

// dialIPv4First returns a pgx dial function that tries the IPv4 addresses of
// a hostname before handing the address to the system dialer. Managed
// Postgres hosts often publish AAAA records the runtime cannot route.
func dialIPv4First(d *net.Dialer, lookup lookupFunc) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("postgres: dial %q: %w", addr, err)
		}
		if net.ParseIP(host) != nil {
			return d.DialContext(ctx, network, addr)
		}

		var errs []error
		ips, err := lookup(ctx, "ip4", host)
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup ip4: %w", err))
		}
		for _, ip := range ips {
			conn, err := d.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
		}

		conn, err := d.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		return nil, fmt.Errorf("postgres: dial %q: %w", addr, errors.Join(errs...))
	}
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Ping checks the connection. It backs the journal's health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Journal returns every store backed by this client.
func (c *Client) Journal() domain.Journal {
	return domain.Journal{
		Positions: NewPositionStore(c.pool),
		Orders:    NewOrderStore(c.pool),
		Trades:    NewTradeStore(c.pool),
		Risk:      NewRiskStateStore(c.pool),
		Audit:     NewAuditStore(c.pool),
	}
}

// Close shuts down the connection pool.
func (c *Client) Close() {
	c.pool.Close()
}
