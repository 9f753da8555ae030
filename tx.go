package pgsync

import (
	"errors"
	"fmt"
	"strings"

	"pgsync/pgwire"
)

// TxIsoLevel is the transaction isolation level (serializable, repeatable
// read, read committed or read uncommitted)
type TxIsoLevel string

// Transaction isolation levels
const (
	Serializable    = TxIsoLevel("serializable")
	RepeatableRead  = TxIsoLevel("repeatable read")
	ReadCommitted   = TxIsoLevel("read committed")
	ReadUncommitted = TxIsoLevel("read uncommitted")
)

// TxAccessMode is the transaction access mode (read write or read only)
type TxAccessMode string

// Transaction access modes
const (
	ReadWrite = TxAccessMode("read write")
	ReadOnly  = TxAccessMode("read only")
)

// TxDeferrableMode is the transaction deferrable mode (deferrable or not
// deferrable)
type TxDeferrableMode string

// Transaction deferrable modes
const (
	Deferrable    = TxDeferrableMode("deferrable")
	NotDeferrable = TxDeferrableMode("not deferrable")
)

// TxOptions are the options for a transaction. The zero value produces a
// plain BEGIN with the session defaults.
type TxOptions struct {
	IsoLevel       TxIsoLevel
	AccessMode     TxAccessMode
	DeferrableMode TxDeferrableMode
}

func (txOptions TxOptions) beginSQL() string {
	buf := &strings.Builder{}
	buf.WriteString("begin")
	if txOptions.IsoLevel != "" {
		fmt.Fprintf(buf, " isolation level %s", txOptions.IsoLevel)
	}
	if txOptions.AccessMode != "" {
		fmt.Fprintf(buf, " %s", txOptions.AccessMode)
	}
	if txOptions.DeferrableMode != "" {
		fmt.Fprintf(buf, " %s", txOptions.DeferrableMode)
	}

	return buf.String()
}

// ErrTxClosed occurs when a transaction is used after Commit or Rollback has
// finished it.
var ErrTxClosed = errors.New("tx is closed")

// ErrTxCommitRollback occurs when an error has occurred in a transaction and
// Commit() is called. PostgreSQL accepts COMMIT on aborted transactions, but
// it is treated as ROLLBACK.
var ErrTxCommitRollback = errors.New("commit unexpectedly resulted in rollback")

// ErrTxAlreadyInProgress occurs when Begin is called while the connection is
// already inside a transaction block. Nested transactions are not supported.
var ErrTxAlreadyInProgress = errors.New("transaction already in progress")

// Begin starts a transaction with the default transaction options.
func (c *Conn) Begin() (*Tx, error) {
	return c.BeginTx(TxOptions{})
}

// BeginTx starts a transaction with txOptions determining the transaction
// mode. The connection must not already be inside a transaction block.
func (c *Conn) BeginTx(txOptions TxOptions) (*Tx, error) {
	if c.pgConn.TxStatus() != pgwire.TxStatusIdle {
		return nil, ErrTxAlreadyInProgress
	}

	_, err := c.Exec(txOptions.beginSQL())
	if err != nil {
		return nil, err
	}

	return &Tx{conn: c}, nil
}

// Tx represents a database transaction. All statements between Begin and
// Commit/Rollback should go through the Tx so closed-transaction misuse is
// caught locally.
//
// The typical pattern is to defer Rollback immediately after Begin. Rollback
// on a finished transaction returns ErrTxClosed and does nothing, so the
// deferred call is harmless after a successful Commit.
type Tx struct {
	conn   *Conn
	closed bool
}

// Commit commits the transaction. If the transaction is in the failed state
// Commit refuses locally, without contacting the server, and the transaction
// stays open so that Rollback is still possible.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}

	if tx.conn.pgConn.TxStatus() == pgwire.TxStatusFailed {
		return pgwire.ErrTxAborted
	}

	commandTag, err := tx.conn.Exec("commit")
	tx.closed = true
	if err != nil {
		return err
	}
	if commandTag.String() == "ROLLBACK" {
		return ErrTxCommitRollback
	}

	return nil
}

// Rollback rolls back the transaction. Rollback will return ErrTxClosed if
// the Tx is already closed, but is otherwise safe to call multiple times.
// Hence, a defer tx.Rollback() is safe even if tx.Commit() will be called
// first in a non-error condition.
func (tx *Tx) Rollback() error {
	if tx.closed {
		return ErrTxClosed
	}

	_, err := tx.conn.Exec("rollback")
	tx.closed = true
	if err != nil {
		// A rollback failure leaves the session state unknown.
		tx.conn.Close()
	}

	return err
}

// Exec delegates to the underlying *Conn.
func (tx *Tx) Exec(sql string, args ...interface{}) (pgwire.CommandTag, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}

	return tx.conn.Exec(sql, args...)
}

// Query delegates to the underlying *Conn.
func (tx *Tx) Query(sql string, args ...interface{}) (*Rows, error) {
	if tx.closed {
		rows := &Rows{conn: tx.conn, closed: true, err: ErrTxClosed}
		return rows, ErrTxClosed
	}

	return tx.conn.Query(sql, args...)
}

// QueryRow delegates to the underlying *Conn.
func (tx *Tx) QueryRow(sql string, args ...interface{}) *Row {
	rows, _ := tx.Query(sql, args...)
	return &Row{rows: rows}
}

// Prepare delegates to the underlying *Conn.
func (tx *Tx) Prepare(name, sql string) (*pgwire.StatementDescription, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}

	return tx.conn.Prepare(name, sql)
}

// Conn returns the *Conn this transaction is running on.
func (tx *Tx) Conn() *Conn {
	return tx.conn
}
