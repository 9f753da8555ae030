// Package pgwire is a low-level PostgreSQL database driver. It operates at
// nearly the same level as the C library libpq, speaking the wire protocol
// over a blocking socket. Connections are strictly synchronous: exactly one
// request may be in flight, and every response is read to completion
// (ReadyForQuery) before the connection accepts the next request.
package pgwire

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net"
	"strings"

	"github.com/jackc/chunkreader/v2"
	"github.com/jackc/pgio"
	"github.com/jackc/pgproto3/v2"
)

const (
	connStatusUninitialized = iota
	connStatusClosed
	connStatusIdle
	connStatusBusy
)

// Transaction status reported by the server in ReadyForQuery.
const (
	TxStatusIdle   = 'I'
	TxStatusInTx   = 'T'
	TxStatusFailed = 'E'
)

const wbufLen = 1024

// Frontend is the receiving half of the message codec. It exists as a seam so
// tests can substitute a decoder; production connections always use
// pgproto3.Frontend over a chunkreader.
type Frontend interface {
	Receive() (pgproto3.BackendMessage, error)
}

// BuildFrontendFunc is a function that can be used to create Frontend
// implementations.
type BuildFrontendFunc func(r io.Reader, w io.Writer) Frontend

// StatementDescription is the server's description of a prepared statement:
// the parameter types it expects and the row shape it will produce.
type StatementDescription struct {
	Name      string
	SQL       string
	ParamOIDs []uint32
	Fields    []pgproto3.FieldDescription
}

// CommandTag is the result of an Exec function.
type CommandTag []byte

// RowsAffected returns the number of rows affected. If the CommandTag was not
// for a row affecting command (e.g. "CREATE TABLE") then it returns 0.
func (ct CommandTag) RowsAffected() int64 {
	idx := bytes.LastIndexByte(ct, ' ')
	if idx == -1 {
		return 0
	}

	var n int64
	for _, b := range ct[idx+1:] {
		if b >= '0' && b <= '9' {
			n = n*10 + int64(b-'0')
		}
	}
	return n
}

func (ct CommandTag) String() string {
	return string(ct)
}

// PgConn is a synchronous PostgreSQL connection. It is not safe for
// concurrent use.
type PgConn struct {
	conn     net.Conn
	frontend Frontend
	config   *Config

	status   byte
	txStatus byte

	pid               uint32
	secretKey         uint32
	parameterStatuses map[string]string

	wbuf         []byte
	resultReader ResultReader
}

// Connect establishes a connection to a PostgreSQL server using config.
// config must have been constructed with ParseConfig or be fully initialized.
func Connect(config *Config) (*PgConn, error) {
	pgConn := new(PgConn)
	pgConn.config = config
	pgConn.wbuf = make([]byte, 0, wbufLen)
	pgConn.parameterStatuses = make(map[string]string)

	dialFunc := config.DialFunc
	if dialFunc == nil {
		dialFunc = makeDefaultDialer(config.ConnectTimeout).Dial
	}

	network, address := NetworkAddress(config.Host, config.Port)
	var err error
	pgConn.conn, err = dialFunc(network, address)
	if err != nil {
		return nil, &connectError{config: config, msg: "dial error", err: err}
	}

	buildFrontend := config.BuildFrontend
	if buildFrontend == nil {
		buildFrontend = defaultBuildFrontend
	}
	pgConn.frontend = buildFrontend(pgConn.conn, pgConn.conn)

	startupMsg := pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      make(map[string]string),
	}
	for k, v := range config.RuntimeParams {
		startupMsg.Parameters[k] = v
	}
	startupMsg.Parameters["user"] = config.User
	if config.Database != "" {
		startupMsg.Parameters["database"] = config.Database
	}

	buf, err := startupMsg.Encode(pgConn.wbuf)
	if err != nil {
		pgConn.conn.Close()
		return nil, &connectError{config: config, msg: "failed to encode startup message", err: err}
	}
	if _, err := pgConn.conn.Write(buf); err != nil {
		pgConn.conn.Close()
		return nil, &connectError{config: config, msg: "failed to write startup message", err: err}
	}

	for {
		msg, err := pgConn.receiveMessage()
		if err != nil {
			pgConn.conn.Close()
			if pgErr, ok := err.(*PgError); ok {
				return nil, pgErr
			}
			return nil, &connectError{config: config, msg: "failed to receive message", err: err}
		}

		switch msg := msg.(type) {
		case *pgproto3.BackendKeyData:
			pgConn.pid = msg.ProcessID
			pgConn.secretKey = msg.SecretKey
		case *pgproto3.AuthenticationOk:
		case *pgproto3.AuthenticationCleartextPassword:
			err = pgConn.txPasswordMessage(config.Password)
			if err != nil {
				pgConn.conn.Close()
				return nil, &connectError{config: config, msg: "failed to write password message", err: err}
			}
		case *pgproto3.AuthenticationMD5Password:
			err = pgConn.txPasswordMessage(digestMD5Password(config.Password, config.User, msg.Salt))
			if err != nil {
				pgConn.conn.Close()
				return nil, &connectError{config: config, msg: "failed to write password message", err: err}
			}
		case *pgproto3.AuthenticationSASL:
			pgConn.conn.Close()
			return nil, &connectError{config: config, msg: fmt.Sprintf("server requested SASL mechanisms %v", msg.AuthMechanisms), err: ErrUnsupportedAuth}
		case *pgproto3.ReadyForQuery:
			pgConn.status = connStatusIdle
			return pgConn, nil
		case *pgproto3.ParameterStatus:
			// handled in receiveMessage
		case *pgproto3.ErrorResponse:
			pgConn.conn.Close()
			return nil, errorResponseToPgError(msg)
		default:
			pgConn.conn.Close()
			return nil, &connectError{config: config, msg: "startup failed", err: ProtocolError(fmt.Sprintf("unexpected message type %T", msg))}
		}
	}
}

func defaultBuildFrontend(r io.Reader, w io.Writer) Frontend {
	cr, err := chunkreader.NewConfig(r, chunkreader.Config{MinBufLen: 8192})
	if err != nil {
		panic(fmt.Sprintf("BUG: chunkreader.NewConfig failed: %v", err))
	}
	return pgproto3.NewFrontend(cr, w)
}

// receiveMessage receives one backend message and performs the bookkeeping
// every message requires regardless of what operation is in progress:
// transaction status, parameter statuses, notices, notifications, and the
// errors that kill the connection. Any read error, FATAL response, or
// connection-class (SQLSTATE 08xxx) error closes the connection permanently.
func (pgConn *PgConn) receiveMessage() (pgproto3.BackendMessage, error) {
	msg, err := pgConn.frontend.Receive()
	if err != nil {
		pgConn.hardClose()
		return nil, err
	}

	switch msg := msg.(type) {
	case *pgproto3.ReadyForQuery:
		pgConn.txStatus = msg.TxStatus
	case *pgproto3.ParameterStatus:
		pgConn.parameterStatuses[msg.Name] = msg.Value
	case *pgproto3.ErrorResponse:
		if msg.Severity == "FATAL" || strings.HasPrefix(msg.Code, "08") {
			pgConn.hardClose()
			return nil, errorResponseToPgError(msg)
		}
	case *pgproto3.NoticeResponse:
		if pgConn.config.OnNotice != nil {
			pgConn.config.OnNotice(pgConn, noticeResponseToNotice(msg))
		}
	case *pgproto3.NotificationResponse:
		if pgConn.config.OnNotification != nil {
			pgConn.config.OnNotification(pgConn, &Notification{PID: msg.PID, Channel: msg.Channel, Payload: msg.Payload})
		}
	}

	return msg, nil
}

// lock takes exclusive use of the connection for one request. It fails fast
// rather than blocking when the connection is already in use.
func (pgConn *PgConn) lock() error {
	switch pgConn.status {
	case connStatusBusy:
		return &connLockError{status: "conn busy"}
	case connStatusClosed:
		return &connLockError{status: "conn closed"}
	case connStatusUninitialized:
		return &connLockError{status: "conn uninitialized"}
	}
	pgConn.status = connStatusBusy
	return nil
}

func (pgConn *PgConn) unlock() {
	switch pgConn.status {
	case connStatusBusy:
		pgConn.status = connStatusIdle
	case connStatusClosed:
	default:
		panic("BUG: cannot unlock unlocked connection")
	}
}

// IsClosed reports if the connection has been closed.
func (pgConn *PgConn) IsClosed() bool {
	return pgConn.status < connStatusIdle
}

// IsBusy reports if the connection is busy serving a request, e.g. an open
// ResultReader.
func (pgConn *PgConn) IsBusy() bool {
	return pgConn.status == connStatusBusy
}

// TxStatus returns the transaction status most recently reported by the
// server: 'I' for idle, 'T' for in transaction, 'E' for failed transaction.
func (pgConn *PgConn) TxStatus() byte {
	return pgConn.txStatus
}

// PID returns the backend PID.
func (pgConn *PgConn) PID() uint32 {
	return pgConn.pid
}

// SecretKey returns the backend secret key for use in cancel requests.
func (pgConn *PgConn) SecretKey() uint32 {
	return pgConn.secretKey
}

// ParameterStatus returns the value of a parameter reported by the server
// (e.g. server_version). These values are updated asynchronously as the
// server reports changes.
func (pgConn *PgConn) ParameterStatus(key string) string {
	return pgConn.parameterStatuses[key]
}

// Conn returns the underlying net.Conn.
func (pgConn *PgConn) Conn() net.Conn {
	return pgConn.conn
}

// Close sends a Terminate message and closes the socket. It is safe to call
// multiple times.
func (pgConn *PgConn) Close() error {
	if pgConn.status == connStatusClosed {
		return nil
	}
	pgConn.status = connStatusClosed

	// The Terminate message is a courtesy. If the write fails the socket is
	// closing anyway.
	pgConn.conn.Write([]byte{'X', 0, 0, 0, 4})
	return pgConn.conn.Close()
}

// hardClose closes the underlying connection without sending Terminate. Used
// when the protocol state is unknown and no further message may be sent.
func (pgConn *PgConn) hardClose() error {
	if pgConn.status == connStatusClosed {
		return nil
	}
	pgConn.status = connStatusClosed
	return pgConn.conn.Close()
}

// abortedTxError returns ErrTxAborted when the server previously reported the
// failed transaction state and sql would not end the transaction block. The
// server would reject the statement with SQLSTATE 25P02 anyway; rejecting it
// here keeps the wire quiet.
func (pgConn *PgConn) abortedTxError(sql string) error {
	if pgConn.txStatus == TxStatusFailed && !isRollbackStatement(sql) {
		return ErrTxAborted
	}
	return nil
}

func isRollbackStatement(sql string) bool {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return false
	}
	keyword := strings.ToUpper(strings.TrimRight(fields[0], ";"))
	return keyword == "ROLLBACK" || keyword == "ABORT"
}

// Exec executes a statement via the simple query protocol. sql may contain
// multiple statements separated by semicolons; the returned CommandTag is the
// tag of the last one. Result rows, if any, are discarded. On a server error
// the remainder of the batch is skipped by the server and the error returned
// after the response has been read to completion.
func (pgConn *PgConn) Exec(sql string) (CommandTag, error) {
	if err := pgConn.lock(); err != nil {
		return nil, err
	}
	defer pgConn.unlock()

	if err := pgConn.abortedTxError(sql); err != nil {
		return nil, err
	}

	if _, err := pgConn.conn.Write(appendQuery(pgConn.wbuf, sql)); err != nil {
		pgConn.hardClose()
		return nil, err
	}

	var commandTag CommandTag
	var pgErr error
	for {
		msg, err := pgConn.receiveMessage()
		if err != nil {
			return nil, err
		}

		switch msg := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return commandTag, pgErr
		case *pgproto3.CommandComplete:
			commandTag = cloneCommandTag(msg.CommandTag)
		case *pgproto3.ErrorResponse:
			pgErr = errorResponseToPgError(msg)
		}
	}
}

// appendQuery appends a simple protocol Query message to buf.
func appendQuery(buf []byte, sql string) []byte {
	buf = append(buf, 'Q')
	buf = pgio.AppendInt32(buf, int32(len(sql)+5))
	buf = append(buf, sql...)
	buf = append(buf, 0)
	return buf
}

// Prepare creates a prepared statement via Parse/Describe/Sync and returns
// the server's description of it. paramOIDs may partially or fully specify
// parameter types; unspecified types are inferred by the server.
func (pgConn *PgConn) Prepare(name, sql string, paramOIDs []uint32) (*StatementDescription, error) {
	if err := pgConn.lock(); err != nil {
		return nil, err
	}
	defer pgConn.unlock()

	if err := pgConn.abortedTxError(sql); err != nil {
		return nil, err
	}

	buf := pgConn.wbuf
	buf, err := (&pgproto3.Parse{Name: name, Query: sql, ParameterOIDs: paramOIDs}).Encode(buf)
	if err != nil {
		return nil, err
	}
	buf, err = (&pgproto3.Describe{ObjectType: 'S', Name: name}).Encode(buf)
	if err != nil {
		return nil, err
	}
	buf, err = (&pgproto3.Sync{}).Encode(buf)
	if err != nil {
		return nil, err
	}

	if _, err := pgConn.conn.Write(buf); err != nil {
		pgConn.hardClose()
		return nil, err
	}

	psd := &StatementDescription{Name: name, SQL: sql}
	var parseErr error

	for {
		msg, err := pgConn.receiveMessage()
		if err != nil {
			return nil, err
		}

		switch msg := msg.(type) {
		case *pgproto3.ParameterDescription:
			psd.ParamOIDs = make([]uint32, len(msg.ParameterOIDs))
			copy(psd.ParamOIDs, msg.ParameterOIDs)
		case *pgproto3.RowDescription:
			psd.Fields = make([]pgproto3.FieldDescription, len(msg.Fields))
			copy(psd.Fields, msg.Fields)
		case *pgproto3.ErrorResponse:
			parseErr = errorResponseToPgError(msg)
		case *pgproto3.ReadyForQuery:
			if parseErr != nil {
				return nil, parseErr
			}
			return psd, nil
		}
	}
}

// ExecParams executes sql via the extended query protocol with an unnamed
// prepared statement.
//
// paramValues are the parameter values encoded per paramFormats (0 text,
// 1 binary; nil means all text). paramOIDs optionally declare parameter
// types. resultFormats choose the wire format of result columns.
//
// The result is returned as a lazily evaluated ResultReader, which must be
// read to completion before the connection can be used again. Errors,
// including a refusal to execute in a failed transaction, are deferred to the
// ResultReader.
func (pgConn *PgConn) ExecParams(sql string, paramValues [][]byte, paramOIDs []uint32, paramFormats []int16, resultFormats []int16) *ResultReader {
	result := pgConn.execExtendedPrefix(sql, paramValues)
	if result.closed {
		return result
	}

	buf := pgConn.wbuf
	buf, err := (&pgproto3.Parse{Query: sql, ParameterOIDs: paramOIDs}).Encode(buf)
	if err == nil {
		buf, err = (&pgproto3.Bind{ParameterFormatCodes: paramFormats, Parameters: paramValues, ResultFormatCodes: resultFormats}).Encode(buf)
	}
	if err != nil {
		result.concludeCommand(nil, err)
		result.closed = true
		pgConn.unlock()
		return result
	}

	pgConn.execExtendedSuffix(buf, result)

	return result
}

// ExecPrepared executes the prepared statement stmtName. It otherwise
// behaves as ExecParams, except that in a failed transaction it is always
// refused since the statement text is not available for inspection.
func (pgConn *PgConn) ExecPrepared(stmtName string, paramValues [][]byte, paramFormats []int16, resultFormats []int16) *ResultReader {
	result := pgConn.execExtendedPrefix("", paramValues)
	if result.closed {
		return result
	}

	buf := pgConn.wbuf
	buf, err := (&pgproto3.Bind{PreparedStatement: stmtName, ParameterFormatCodes: paramFormats, Parameters: paramValues, ResultFormatCodes: resultFormats}).Encode(buf)
	if err != nil {
		result.concludeCommand(nil, err)
		result.closed = true
		pgConn.unlock()
		return result
	}

	pgConn.execExtendedSuffix(buf, result)

	return result
}

func (pgConn *PgConn) execExtendedPrefix(sql string, paramValues [][]byte) *ResultReader {
	// A lock failure must not touch pgConn.resultReader: it may be an open
	// reader that still needs to drain the connection. The error is reported
	// through a detached reader instead.
	if err := pgConn.lock(); err != nil {
		result := &ResultReader{pgConn: pgConn}
		result.concludeCommand(nil, err)
		result.closed = true
		return result
	}

	pgConn.resultReader = ResultReader{pgConn: pgConn}
	result := &pgConn.resultReader

	if len(paramValues) > math.MaxUint16 {
		result.concludeCommand(nil, fmt.Errorf("extended protocol limited to %v parameters", math.MaxUint16))
		result.closed = true
		pgConn.unlock()
		return result
	}

	if err := pgConn.abortedTxError(sql); err != nil {
		result.concludeCommand(nil, err)
		result.closed = true
		pgConn.unlock()
		return result
	}

	return result
}

func (pgConn *PgConn) execExtendedSuffix(buf []byte, result *ResultReader) {
	var err error
	buf, err = (&pgproto3.Describe{ObjectType: 'P'}).Encode(buf)
	if err == nil {
		buf, err = (&pgproto3.Execute{}).Encode(buf)
	}
	if err == nil {
		buf, err = (&pgproto3.Sync{}).Encode(buf)
	}
	if err != nil {
		result.concludeCommand(nil, err)
		result.closed = true
		pgConn.unlock()
		return
	}

	if _, err := pgConn.conn.Write(buf); err != nil {
		pgConn.hardClose()
		result.concludeCommand(nil, err)
		result.closed = true
	}
}

// ResultReader is a single-pass reader of the rows produced by one extended
// protocol execution. It reads from the socket one message per pull; rows are
// never buffered beyond the current one. The connection stays busy until
// Close.
type ResultReader struct {
	pgConn *PgConn

	fieldDescriptions []pgproto3.FieldDescription
	rowValues         [][]byte
	commandTag        CommandTag
	err               error
	commandConcluded  bool
	closed            bool
}

// NextRow advances the ResultReader to the next row and returns true if a row
// is available.
func (rr *ResultReader) NextRow() bool {
	for !rr.commandConcluded {
		msg, err := rr.receiveMessage()
		if err != nil {
			return false
		}

		switch msg := msg.(type) {
		case *pgproto3.DataRow:
			rr.rowValues = msg.Values
			return true
		}
	}

	return false
}

// FieldDescriptions returns the field descriptions for the current result
// set. The returned slice is only valid until the ResultReader is closed.
func (rr *ResultReader) FieldDescriptions() []pgproto3.FieldDescription {
	return rr.fieldDescriptions
}

// Values returns the current row data. NextRow must have been previously
// called. The returned [][]byte is only valid until the next NextRow call or
// the ResultReader is closed.
func (rr *ResultReader) Values() [][]byte {
	return rr.rowValues
}

// Close consumes any remaining result rows and returns the command tag or
// error. The connection is released for the next request once the server's
// ReadyForQuery has been read.
func (rr *ResultReader) Close() (CommandTag, error) {
	if rr.closed {
		return rr.commandTag, rr.err
	}
	rr.closed = true

	for {
		msg, err := rr.receiveMessage()
		if err != nil {
			return nil, rr.err
		}

		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			rr.pgConn.unlock()
			return rr.commandTag, rr.err
		}
	}
}

func (rr *ResultReader) receiveMessage() (pgproto3.BackendMessage, error) {
	msg, err := rr.pgConn.receiveMessage()
	if err != nil {
		rr.concludeCommand(nil, err)
		rr.closed = true
		return nil, rr.err
	}

	switch msg := msg.(type) {
	case *pgproto3.RowDescription:
		rr.fieldDescriptions = msg.Fields
	case *pgproto3.CommandComplete:
		rr.concludeCommand(cloneCommandTag(msg.CommandTag), nil)
	case *pgproto3.EmptyQueryResponse:
		rr.concludeCommand(nil, nil)
	case *pgproto3.ErrorResponse:
		rr.concludeCommand(nil, errorResponseToPgError(msg))
	}

	return msg, nil
}

func (rr *ResultReader) concludeCommand(commandTag CommandTag, err error) {
	// Keep the first error recorded. It must be stored before the concluded
	// check so an error arriving between CommandComplete and ReadyForQuery,
	// such as a deferred constraint violation, is not lost.
	if err != nil && rr.err == nil {
		rr.err = err
	}

	if rr.commandConcluded {
		return
	}

	rr.commandTag = commandTag
	rr.commandConcluded = true
	rr.rowValues = nil
}

// cloneCommandTag copies a command tag out of the codec's read buffer, which
// is reused across messages.
func cloneCommandTag(src []byte) CommandTag {
	ct := make(CommandTag, len(src))
	copy(ct, src)
	return ct
}
