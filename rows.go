package pgsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgtype"

	"pgsync/pgwire"
)

// ErrNoRows occurs when QueryRow is executed and the query produces no rows.
var ErrNoRows = errors.New("no rows in result set")

// ErrTooManyRows occurs when QueryRow is executed and the query produces more
// than one row.
var ErrTooManyRows = errors.New("query returned more than one row")

// Rows is the lazy result of a query. Rows are pulled from the socket one at
// a time as Next is called; the stream cannot be restarted. The connection
// remains busy until the rows are closed, either explicitly or by reading to
// the end.
type Rows struct {
	conn         *Conn
	resultReader *pgwire.ResultReader

	sql       string
	args      []interface{}
	fields    []pgproto3.FieldDescription
	rowCount  int
	startTime time.Time

	commandTag pgwire.CommandTag
	closed     bool
	err        error
}

// Query executes sql with args via the extended protocol. The returned Rows
// must be closed. An error at query start is also deferred into the Rows so
// `rows, _ := conn.Query(...)` followed by the usual Next/Err loop is valid.
func (c *Conn) Query(sql string, args ...interface{}) (*Rows, error) {
	rows := &Rows{
		conn:      c,
		sql:       sql,
		args:      args,
		startTime: time.Now(),
	}

	ps, err := c.statementForSQL(sql)
	if err != nil {
		rows.fatal(err)
		return rows, err
	}
	rows.fields = ps.Fields

	resultReader, err := c.execPrepared(ps, args)
	if err != nil {
		rows.fatal(err)
		return rows, err
	}
	rows.resultReader = resultReader

	return rows, nil
}

// QueryRow executes a query that is expected to return exactly one row.
// Errors are deferred until Scan, which returns ErrNoRows if the query
// selects no rows and ErrTooManyRows if it selects more than one. In every
// case the result stream is fully consumed before Scan returns.
func (c *Conn) QueryRow(sql string, args ...interface{}) *Row {
	rows, _ := c.Query(sql, args...)
	return &Row{rows: rows}
}

// FieldDescriptions returns the result column descriptions.
func (rows *Rows) FieldDescriptions() []pgproto3.FieldDescription {
	if rows.resultReader != nil {
		if fields := rows.resultReader.FieldDescriptions(); len(fields) > 0 {
			return fields
		}
	}
	return rows.fields
}

// Err returns the error, if any, that was encountered during iteration.
func (rows *Rows) Err() error {
	return rows.err
}

// CommandTag returns the command tag of the query. It is only valid after the
// rows are closed.
func (rows *Rows) CommandTag() pgwire.CommandTag {
	return rows.commandTag
}

// fatal drains the result and records err as the iteration error.
func (rows *Rows) fatal(err error) {
	if rows.err != nil {
		return
	}

	rows.err = err
	rows.Close()
}

// Close consumes any remaining rows and releases the connection. It is safe
// to call multiple times.
func (rows *Rows) Close() {
	if rows.closed {
		return
	}
	rows.closed = true

	if rows.resultReader != nil {
		commandTag, err := rows.resultReader.Close()
		if rows.err == nil {
			rows.commandTag = commandTag
			rows.err = err
		}
	}

	if rows.err == nil {
		if rows.conn.shouldLog(LogLevelInfo) {
			endTime := time.Now()
			rows.conn.log(LogLevelInfo, "Query", map[string]interface{}{"sql": rows.sql, "args": logQueryArgs(rows.args), "time": endTime.Sub(rows.startTime), "rowCount": rows.rowCount})
		}
	} else if rows.conn.shouldLog(LogLevelError) {
		rows.conn.log(LogLevelError, "Query", map[string]interface{}{"sql": rows.sql, "args": logQueryArgs(rows.args), "err": rows.err})
	}
}

// Next advances to the next row, blocking on the socket until one arrives.
// It returns false when there are no more rows or an error occurred; the rows
// are then closed and Err distinguishes the two cases.
func (rows *Rows) Next() bool {
	if rows.closed {
		return false
	}

	if rows.resultReader.NextRow() {
		rows.rowCount++
		return true
	}

	rows.Close()
	return false
}

// Scan reads the values from the current row into dest values positionally.
// dest can include pointers to core types, values implementing the sql.Scanner
// interface, and nil. nil will skip the value entirely.
func (rows *Rows) Scan(dest ...interface{}) error {
	fields := rows.resultReader.FieldDescriptions()
	values := rows.resultReader.Values()

	if len(fields) != len(dest) {
		err := fmt.Errorf("number of field descriptions must equal number of destinations, got %d and %d", len(fields), len(dest))
		rows.fatal(err)
		return err
	}

	for i, d := range dest {
		if d == nil {
			continue
		}

		err := rows.conn.connInfo.Scan(fields[i].DataTypeOID, fields[i].Format, values[i], d)
		if err != nil {
			err = ScanArgError{ColumnIndex: i, Err: err}
			rows.fatal(err)
			return err
		}
	}

	return nil
}

// Values returns the decoded row values.
func (rows *Rows) Values() ([]interface{}, error) {
	if rows.closed {
		return nil, errors.New("rows is closed")
	}

	fields := rows.resultReader.FieldDescriptions()
	rawValues := rows.resultReader.Values()

	values := make([]interface{}, 0, len(rawValues))

	for i := range rawValues {
		fd := fields[i]
		buf := rawValues[i]

		if buf == nil {
			values = append(values, nil)
			continue
		}

		if dt, ok := rows.conn.connInfo.DataTypeForOID(fd.DataTypeOID); ok {
			value := dt.Value

			switch fd.Format {
			case TextFormatCode:
				decoder, ok := value.(pgtype.TextDecoder)
				if !ok {
					decoder = &pgtype.GenericText{}
				}
				err := decoder.DecodeText(rows.conn.connInfo, buf)
				if err != nil {
					rows.fatal(err)
					return nil, err
				}
				values = append(values, decoder.(pgtype.Value).Get())
			case BinaryFormatCode:
				decoder, ok := value.(pgtype.BinaryDecoder)
				if !ok {
					decoder = &pgtype.GenericBinary{}
				}
				err := decoder.DecodeBinary(rows.conn.connInfo, buf)
				if err != nil {
					rows.fatal(err)
					return nil, err
				}
				values = append(values, decoder.(pgtype.Value).Get())
			default:
				err := errors.New("unknown format code")
				rows.fatal(err)
				return nil, err
			}
		} else {
			switch fd.Format {
			case TextFormatCode:
				values = append(values, string(buf))
			case BinaryFormatCode:
				newBuf := make([]byte, len(buf))
				copy(newBuf, buf)
				values = append(values, newBuf)
			default:
				err := errors.New("unknown format code")
				rows.fatal(err)
				return nil, err
			}
		}
	}

	return values, nil
}

// RawValues returns the unparsed bytes of the row values. The returned data
// is only valid until the next Next call or the Rows is closed.
func (rows *Rows) RawValues() [][]byte {
	return rows.resultReader.Values()
}

// ScanArgError wraps the error from decoding one column with its position.
type ScanArgError struct {
	ColumnIndex int
	Err         error
}

func (e ScanArgError) Error() string {
	return fmt.Sprintf("can't scan into dest[%d]: %v", e.ColumnIndex, e.Err)
}

func (e ScanArgError) Unwrap() error {
	return e.Err
}

// Row is the result of calling QueryRow to select a single row.
type Row struct {
	rows *Rows
}

// Scan reads the values from the single row into dest values positionally.
// If the query selected no rows Scan returns ErrNoRows; if it selected more
// than one row Scan returns ErrTooManyRows. The connection is released in
// either case.
func (r *Row) Scan(dest ...interface{}) error {
	rows := r.rows

	if rows.Err() != nil {
		return rows.Err()
	}

	if !rows.Next() {
		if rows.Err() != nil {
			return rows.Err()
		}
		return ErrNoRows
	}

	err := rows.Scan(dest...)
	if err != nil {
		return err
	}

	if rows.Next() {
		rows.Close()
		if rows.Err() != nil {
			return rows.Err()
		}
		return ErrTooManyRows
	}

	return rows.Err()
}

// ForEachRow iterates through rows, scanning each row into scans and calling
// fn for each. The rows are closed when ForEachRow returns.
func ForEachRow(rows *Rows, scans []interface{}, fn func() error) (pgwire.CommandTag, error) {
	defer rows.Close()

	for rows.Next() {
		err := rows.Scan(scans...)
		if err != nil {
			return nil, err
		}

		err = fn()
		if err != nil {
			return nil, err
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rows.CommandTag(), nil
}
