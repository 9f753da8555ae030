package pgsync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgtype"

	"pgsync/pgwire"
)

// ConnConfig contains all the options used to establish a connection.
type ConnConfig struct {
	pgwire.Config

	Logger   Logger
	LogLevel LogLevel
}

// Conn is a PostgreSQL connection handle. It is not safe for concurrent use:
// a connection serves exactly one request at a time, and any operation
// started while another is in progress fails immediately.
type Conn struct {
	pgConn   *pgwire.PgConn
	config   *ConnConfig
	connInfo *pgtype.ConnInfo

	preparedStatements map[string]*pgwire.StatementDescription
	stmtCache          map[string]*pgwire.StatementDescription
	stmtCounter        uint64

	eqb extendedQueryBuilder

	logger   Logger
	logLevel LogLevel
}

// Connect establishes a connection with a PostgreSQL server with a connection
// string. See pgwire.ParseConfig for details.
func Connect(connString string) (*Conn, error) {
	connConfig, err := ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	return ConnectConfig(connConfig)
}

// ParseConfig creates a ConnConfig from a connection string. It delegates the
// actual parsing to pgwire.ParseConfig.
func ParseConfig(connString string) (*ConnConfig, error) {
	config, err := pgwire.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	return &ConnConfig{Config: *config, LogLevel: LogLevelInfo}, nil
}

// ConnectConfig establishes a connection with a PostgreSQL server using
// config. config must have been created by ParseConfig or be manually
// initialized.
func ConnectConfig(config *ConnConfig) (*Conn, error) {
	c := &Conn{
		config:             config,
		connInfo:           pgtype.NewConnInfo(),
		preparedStatements: make(map[string]*pgwire.StatementDescription),
		stmtCache:          make(map[string]*pgwire.StatementDescription),
		logger:             config.Logger,
		logLevel:           config.LogLevel,
	}

	if c.shouldLog(LogLevelInfo) {
		c.log(LogLevelInfo, "Dialing PostgreSQL server", map[string]interface{}{"host": config.Host})
	}

	pgConn, err := pgwire.Connect(&config.Config)
	if err != nil {
		if c.shouldLog(LogLevelError) {
			c.log(LogLevelError, "connect failed", map[string]interface{}{"err": err})
		}
		return nil, err
	}
	c.pgConn = pgConn

	return c, nil
}

// Close closes a connection. It is safe to call multiple times.
func (c *Conn) Close() error {
	if c.pgConn == nil || c.pgConn.IsClosed() {
		return nil
	}

	err := c.pgConn.Close()
	if c.shouldLog(LogLevelInfo) {
		c.log(LogLevelInfo, "closed connection", nil)
	}
	return err
}

// IsAlive reports whether the connection is believed usable. It does not
// actually communicate with the server.
func (c *Conn) IsAlive() bool {
	return c.pgConn != nil && !c.pgConn.IsClosed()
}

// PgConn returns the underlying *pgwire.PgConn.
func (c *Conn) PgConn() *pgwire.PgConn {
	return c.pgConn
}

// ConnInfo returns the connection's pgtype.ConnInfo. The registry may be
// extended with additional types before the first query.
func (c *Conn) ConnInfo() *pgtype.ConnInfo {
	return c.connInfo
}

// ParameterStatus returns the value of a run-time parameter reported by the
// server, e.g. server_version.
func (c *Conn) ParameterStatus(key string) string {
	return c.pgConn.ParameterStatus(key)
}

// Prepare creates a prepared statement with name and sql. sql can contain
// placeholders for bound parameters ($1, $2, etc.).
//
// Prepare is idempotent: calling it with the same name and sql is a no-op
// that returns the cached description.
func (c *Conn) Prepare(name, sql string) (*pgwire.StatementDescription, error) {
	if name != "" {
		if ps, ok := c.preparedStatements[name]; ok && ps.SQL == sql {
			return ps, nil
		}
	}

	ps, err := c.pgConn.Prepare(name, sql, nil)
	if err != nil {
		if c.shouldLog(LogLevelError) {
			c.log(LogLevelError, "Prepare failed", map[string]interface{}{"name": name, "sql": sql, "err": err})
		}
		return nil, err
	}

	if name != "" {
		c.preparedStatements[name] = ps
	}

	return ps, nil
}

// Deallocate releases a prepared statement on both the client and the server.
func (c *Conn) Deallocate(name string) error {
	delete(c.preparedStatements, name)
	_, err := c.pgConn.Exec("deallocate " + quoteIdentifier(name))
	return err
}

func quoteIdentifier(s string) string {
	return `"` + strings.Replace(s, `"`, `""`, -1) + `"`
}

// Exec executes sql. When args are present sql is executed via the extended
// protocol with an automatically prepared statement and sql must contain
// exactly one statement. Without args the simple protocol is used and sql may
// contain multiple statements separated by semicolons; the returned
// CommandTag is then the tag of the last statement.
func (c *Conn) Exec(sql string, args ...interface{}) (pgwire.CommandTag, error) {
	commandTag, err := c.exec(sql, args...)

	if err != nil {
		if c.shouldLog(LogLevelError) {
			c.log(LogLevelError, "Exec", map[string]interface{}{"sql": sql, "args": logQueryArgs(args), "err": err})
		}
		return commandTag, err
	}

	if c.shouldLog(LogLevelInfo) {
		c.log(LogLevelInfo, "Exec", map[string]interface{}{"sql": sql, "args": logQueryArgs(args), "commandTag": commandTag.String()})
	}

	return commandTag, nil
}

func (c *Conn) exec(sql string, args ...interface{}) (pgwire.CommandTag, error) {
	if len(args) == 0 {
		return c.pgConn.Exec(sql)
	}

	ps, err := c.statementForSQL(sql)
	if err != nil {
		return nil, err
	}

	rr, err := c.execPrepared(ps, args)
	if err != nil {
		return nil, err
	}

	return rr.Close()
}

// statementForSQL returns a prepared statement for sql, preparing and caching
// one on first use. The cache lives as long as the connection; statement names
// are generated and never reused.
func (c *Conn) statementForSQL(sql string) (*pgwire.StatementDescription, error) {
	if ps, ok := c.preparedStatements[sql]; ok {
		// sql is the name of a statement prepared via Prepare.
		return ps, nil
	}
	if ps, ok := c.stmtCache[sql]; ok {
		return ps, nil
	}

	c.stmtCounter++
	name := "ps_" + strconv.FormatUint(c.stmtCounter, 10)

	ps, err := c.pgConn.Prepare(name, sql, nil)
	if err != nil {
		return nil, err
	}

	c.stmtCache[sql] = ps
	return ps, nil
}

// execPrepared encodes args per the statement description and starts an
// extended protocol execution.
func (c *Conn) execPrepared(ps *pgwire.StatementDescription, args []interface{}) (*pgwire.ResultReader, error) {
	if len(ps.ParamOIDs) != len(args) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(ps.ParamOIDs), len(args))
	}

	c.eqb.Reset()

	for i, arg := range args {
		err := c.eqb.AppendParam(c.connInfo, ps.ParamOIDs[i], arg)
		if err != nil {
			return nil, err
		}
	}

	for i := range ps.Fields {
		c.eqb.AppendResultFormat(c.connInfo.ResultFormatCodeForOID(ps.Fields[i].DataTypeOID))
	}

	return c.pgConn.ExecPrepared(ps.Name, c.eqb.paramValues, c.eqb.paramFormats, c.eqb.resultFormats), nil
}

func (c *Conn) shouldLog(lvl LogLevel) bool {
	return c.logger != nil && c.logLevel >= lvl
}

func (c *Conn) log(lvl LogLevel, msg string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	if c.pgConn != nil && c.pgConn.PID() != 0 {
		data["pid"] = c.pgConn.PID()
	}

	c.logger.Log(lvl, msg, data)
}
