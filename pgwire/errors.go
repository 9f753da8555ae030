package pgwire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgproto3/v2"
)

// SQLSTATE codes the engine itself inspects or reports.
const (
	ConnectionExceptionCode      = "08000"
	ConnectionFailureCode        = "08006"
	ProtocolViolationCode        = "08P01"
	InvalidPasswordCode          = "28P01"
	InFailedSQLTransactionCode   = "25P02"
	ActiveSQLTransactionCode     = "25001"
	InvalidTransactionStateCode  = "25000"
	UndefinedTableCode           = "42P01"
	UniqueViolationCode          = "23505"
	QueryCanceledCode            = "57014"
	AdminShutdownCode            = "57P01"
)

// ErrTxAborted is returned when a statement is rejected locally because the
// current transaction is in the failed state. PostgreSQL would refuse the
// statement anyway (SQLSTATE 25P02); rejecting it here avoids the round trip
// and keeps the wire quiet.
var ErrTxAborted = errors.New("current transaction is aborted, commands ignored until end of transaction block")

// ErrUnsupportedAuth is returned when the server requests an authentication
// method this client does not implement (e.g. SCRAM or GSSAPI).
var ErrUnsupportedAuth = errors.New("unsupported authentication method")

// PgError represents an error reported by the PostgreSQL server. See
// http://www.postgresql.org/docs/11/static/protocol-error-fields.html for
// detailed field description.
type PgError struct {
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	SchemaName       string
	TableName        string
	ColumnName       string
	DataTypeName     string
	ConstraintName   string
	File             string
	Line             int32
	Routine          string
}

func (pe *PgError) Error() string {
	return pe.Severity + ": " + pe.Message + " (SQLSTATE " + pe.Code + ")"
}

// SQLState returns the SQLState of the error.
func (pe *PgError) SQLState() string {
	return pe.Code
}

// Notice represents a notice response message reported by the PostgreSQL
// server. Be aware that this is distinct from LISTEN/NOTIFY notification.
type Notice PgError

// Notification is a message received from the PostgreSQL LISTEN/NOTIFY system.
type Notification struct {
	PID     uint32 // backend pid that sent the notification
	Channel string // channel from which notification was received
	Payload string
}

// ProtocolError occurs when unexpected data is received from PostgreSQL. It
// is always fatal to the connection.
type ProtocolError string

func (e ProtocolError) Error() string {
	return string(e)
}

type connectError struct {
	config *Config
	msg    string
	err    error
}

func (e *connectError) Error() string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "failed to connect to `host=%s user=%s database=%s`: %s", e.config.Host, e.config.User, e.config.Database, e.msg)
	if e.err != nil {
		fmt.Fprintf(sb, " (%s)", e.err.Error())
	}
	return sb.String()
}

func (e *connectError) Unwrap() error {
	return e.err
}

type connLockError struct {
	status string
}

func (e *connLockError) SafeToRetry() bool {
	return true // a lock failure by definition happens before the connection is used.
}

func (e *connLockError) Error() string {
	return e.status
}

type parseConfigError struct {
	connString string
	msg        string
	err        error
}

func (e *parseConfigError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("cannot parse `%s`: %s", redactPW(e.connString), e.msg)
	}
	// The wrapped error may echo the connection string, e.g. url.Parse errors
	// quote the full URL, so it must be redacted as well.
	return fmt.Sprintf("cannot parse `%s`: %s (%s)", redactPW(e.connString), e.msg, redactPW(e.err.Error()))
}

func (e *parseConfigError) Unwrap() error {
	return e.err
}

// SafeToRetry checks if the err is guaranteed to have occurred before sending
// any data to the server.
func SafeToRetry(err error) bool {
	if e, ok := err.(interface{ SafeToRetry() bool }); ok {
		return e.SafeToRetry()
	}
	return false
}

// errorResponseToPgError builds a PgError from the wire-level field set.
func errorResponseToPgError(msg *pgproto3.ErrorResponse) *PgError {
	return &PgError{
		Severity:         msg.Severity,
		Code:             msg.Code,
		Message:          msg.Message,
		Detail:           msg.Detail,
		Hint:             msg.Hint,
		Position:         msg.Position,
		InternalPosition: msg.InternalPosition,
		InternalQuery:    msg.InternalQuery,
		Where:            msg.Where,
		SchemaName:       msg.SchemaName,
		TableName:        msg.TableName,
		ColumnName:       msg.ColumnName,
		DataTypeName:     msg.DataTypeName,
		ConstraintName:   msg.ConstraintName,
		File:             msg.File,
		Line:             msg.Line,
		Routine:          msg.Routine,
	}
}

func noticeResponseToNotice(msg *pgproto3.NoticeResponse) *Notice {
	pgerr := errorResponseToPgError((*pgproto3.ErrorResponse)(msg))
	return (*Notice)(pgerr)
}
