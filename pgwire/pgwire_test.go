package pgwire_test

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgsync/pgwire"
)

// startMockServer runs script against the next connection accepted on a local
// listener and returns a config pointing at it. The returned channel yields
// the script error, if any, and is closed when the script finishes.
func startMockServer(t *testing.T, script *pgmock.Script) (*pgwire.Config, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	serverErrChan := make(chan error, 1)
	go func() {
		defer close(serverErrChan)

		conn, err := ln.Accept()
		if err != nil {
			serverErrChan <- err
			return
		}
		defer conn.Close()

		if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
			serverErrChan <- err
			return
		}

		backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
		if err := script.Run(backend); err != nil {
			serverErrChan <- err
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)

	return &pgwire.Config{
		Host:     host,
		Port:     uint16(port),
		User:     "pgwire_test",
		Database: "pgwire_test",
	}, serverErrChan
}

func TestConnect(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps, pgmock.ExpectMessage(&pgproto3.Terminate{}))

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)
	assert.EqualValues(t, pgwire.TxStatusIdle, pgConn.TxStatus())
	assert.False(t, pgConn.IsClosed())

	require.NoError(t, pgConn.Close())
	assert.True(t, pgConn.IsClosed())
	require.NoError(t, <-serverErrChan)
}

func TestConnectCleartextPassword(t *testing.T) {
	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&pgproto3.AuthenticationCleartextPassword{}),
			pgmock.ExpectMessage(&pgproto3.PasswordMessage{Password: "hunter2"}),
			pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
			pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
			pgmock.ExpectMessage(&pgproto3.Terminate{}),
		},
	}

	config, serverErrChan := startMockServer(t, script)
	config.Password = "hunter2"

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)
	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestConnectMD5Password(t *testing.T) {
	salt := [4]byte{'a', 'b', 'c', 'd'}

	hexMD5 := func(s string) string {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	}
	digested := "md5" + hexMD5(hexMD5("hunter2"+"pgwire_test")+string(salt[:]))

	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&pgproto3.AuthenticationMD5Password{Salt: salt}),
			pgmock.ExpectMessage(&pgproto3.PasswordMessage{Password: digested}),
			pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
			pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
			pgmock.ExpectMessage(&pgproto3.Terminate{}),
		},
	}

	config, serverErrChan := startMockServer(t, script)
	config.Password = "hunter2"

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)
	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestConnectSASLIsUnsupported(t *testing.T) {
	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}}),
		},
	}

	config, serverErrChan := startMockServer(t, script)
	config.Password = "hunter2"

	_, err := pgwire.Connect(config)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgwire.ErrUnsupportedAuth))
	require.NoError(t, <-serverErrChan)
}

func TestConnectAuthFailure(t *testing.T) {
	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Message: "password authentication failed for user \"pgwire_test\""}),
		},
	}

	config, serverErrChan := startMockServer(t, script)

	_, err := pgwire.Connect(config)
	require.Error(t, err)

	var pgErr *pgwire.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, pgwire.InvalidPasswordCode, pgErr.Code)
	assert.Equal(t, pgwire.InvalidPasswordCode, pgErr.SQLState())
	require.NoError(t, <-serverErrChan)
}

func TestExecMultipleStatements(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Query{String: "create temporary table t(a int); insert into t values(1)"}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("CREATE TABLE")}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("INSERT 0 1")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.ExpectMessage(&pgproto3.Terminate{}),
	)

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	commandTag, err := pgConn.Exec("create temporary table t(a int); insert into t values(1)")
	require.NoError(t, err)
	assert.Equal(t, "INSERT 0 1", commandTag.String())
	assert.EqualValues(t, 1, commandTag.RowsAffected())

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestExecServerError(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Query{String: "select 1/0"}),
		pgmock.SendMessage(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "22012", Message: "division by zero"}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.ExpectMessage(&pgproto3.Terminate{}),
	)

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	_, err = pgConn.Exec("select 1/0")
	require.Error(t, err)

	var pgErr *pgwire.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "22012", pgErr.Code)

	// An ordinary server error leaves the connection usable.
	assert.False(t, pgConn.IsClosed())
	assert.EqualValues(t, pgwire.TxStatusIdle, pgConn.TxStatus())

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestExecFailedTransactionRejectedLocally(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Query{String: "begin"}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'T'}),
		pgmock.ExpectMessage(&pgproto3.Query{String: "select 1/0"}),
		pgmock.SendMessage(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "22012", Message: "division by zero"}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'E'}),
		// Statements in the failed transaction never reach the wire; the next
		// message the server sees is the rollback.
		pgmock.ExpectMessage(&pgproto3.Query{String: "rollback"}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("ROLLBACK")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.ExpectMessage(&pgproto3.Terminate{}),
	)

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	_, err = pgConn.Exec("begin")
	require.NoError(t, err)
	assert.EqualValues(t, pgwire.TxStatusInTx, pgConn.TxStatus())

	_, err = pgConn.Exec("select 1/0")
	require.Error(t, err)
	assert.EqualValues(t, pgwire.TxStatusFailed, pgConn.TxStatus())

	_, err = pgConn.Exec("insert into t values(1)")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgwire.ErrTxAborted))

	_, err = pgConn.Prepare("ps_1", "insert into t values($1)", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgwire.ErrTxAborted))

	rr := pgConn.ExecPrepared("ps_1", nil, nil, nil)
	_, err = rr.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgwire.ErrTxAborted))

	_, err = pgConn.Exec("rollback")
	require.NoError(t, err)
	assert.EqualValues(t, pgwire.TxStatusIdle, pgConn.TxStatus())

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestPrepare(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectAnyMessage(&pgproto3.Parse{}),
		pgmock.ExpectAnyMessage(&pgproto3.Describe{}),
		pgmock.ExpectAnyMessage(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ParseComplete{}),
		pgmock.SendMessage(&pgproto3.ParameterDescription{ParameterOIDs: []uint32{23}}),
		pgmock.SendMessage(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{Name: []byte("n"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
		}}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.ExpectMessage(&pgproto3.Terminate{}),
	)

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	psd, err := pgConn.Prepare("ps_1", "select n from t where n > $1", nil)
	require.NoError(t, err)
	assert.Equal(t, "ps_1", psd.Name)
	assert.Equal(t, []uint32{23}, psd.ParamOIDs)
	require.Len(t, psd.Fields, 1)
	assert.Equal(t, []byte("n"), psd.Fields[0].Name)
	assert.EqualValues(t, 23, psd.Fields[0].DataTypeOID)

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestPrepareSyntaxError(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectAnyMessage(&pgproto3.Parse{}),
		pgmock.ExpectAnyMessage(&pgproto3.Describe{}),
		pgmock.ExpectAnyMessage(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42601", Message: "syntax error at or near \"wat\""}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.ExpectMessage(&pgproto3.Terminate{}),
	)

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	_, err = pgConn.Prepare("ps_1", "wat", nil)
	require.Error(t, err)

	var pgErr *pgwire.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "42601", pgErr.Code)
	assert.False(t, pgConn.IsClosed())

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestExecParamsRowStream(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectAnyMessage(&pgproto3.Parse{}),
		pgmock.ExpectAnyMessage(&pgproto3.Bind{}),
		pgmock.ExpectAnyMessage(&pgproto3.Describe{}),
		pgmock.ExpectAnyMessage(&pgproto3.Execute{}),
		pgmock.ExpectAnyMessage(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ParseComplete{}),
		pgmock.SendMessage(&pgproto3.BindComplete{}),
		pgmock.SendMessage(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{Name: []byte("n"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
		}}),
		pgmock.SendMessage(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}}),
		pgmock.SendMessage(&pgproto3.DataRow{Values: [][]byte{[]byte("2")}}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 2")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.ExpectMessage(&pgproto3.Terminate{}),
	)

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	rr := pgConn.ExecParams("select n from generate_series(1,$1) n", [][]byte{[]byte("2")}, nil, nil, nil)

	// The connection is borrowed by the result reader until it is closed.
	assert.True(t, pgConn.IsBusy())
	_, err = pgConn.Exec("select 1")
	require.Error(t, err)
	assert.True(t, pgwire.SafeToRetry(err))

	var rowValues []string
	for rr.NextRow() {
		require.Len(t, rr.Values(), 1)
		rowValues = append(rowValues, string(rr.Values()[0]))
	}

	commandTag, err := rr.Close()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", commandTag.String())
	assert.Equal(t, []string{"1", "2"}, rowValues)
	assert.False(t, pgConn.IsBusy())

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestExecParamsWhileBusyLeavesOpenReaderUsable(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectAnyMessage(&pgproto3.Parse{}),
		pgmock.ExpectAnyMessage(&pgproto3.Bind{}),
		pgmock.ExpectAnyMessage(&pgproto3.Describe{}),
		pgmock.ExpectAnyMessage(&pgproto3.Execute{}),
		pgmock.ExpectAnyMessage(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ParseComplete{}),
		pgmock.SendMessage(&pgproto3.BindComplete{}),
		pgmock.SendMessage(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{Name: []byte("n"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
		}}),
		pgmock.SendMessage(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}}),
		pgmock.SendMessage(&pgproto3.DataRow{Values: [][]byte{[]byte("2")}}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 2")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.ExpectMessage(&pgproto3.Terminate{}),
	)

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	rr := pgConn.ExecParams("select n from generate_series(1,$1) n", [][]byte{[]byte("2")}, nil, nil, nil)

	// A second execution while the reader is open is refused without
	// disturbing the open reader.
	busyRR := pgConn.ExecParams("select 1", nil, nil, nil, nil)
	assert.False(t, busyRR.NextRow())
	_, err = busyRR.Close()
	require.Error(t, err)
	assert.True(t, pgwire.SafeToRetry(err))

	var rowValues []string
	for rr.NextRow() {
		rowValues = append(rowValues, string(rr.Values()[0]))
	}

	commandTag, err := rr.Close()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", commandTag.String())
	assert.Equal(t, []string{"1", "2"}, rowValues)
	assert.False(t, pgConn.IsBusy())

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestExecParamsServerError(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectAnyMessage(&pgproto3.Parse{}),
		pgmock.ExpectAnyMessage(&pgproto3.Bind{}),
		pgmock.ExpectAnyMessage(&pgproto3.Describe{}),
		pgmock.ExpectAnyMessage(&pgproto3.Execute{}),
		pgmock.ExpectAnyMessage(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42P01", Message: "relation \"missing\" does not exist"}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.ExpectMessage(&pgproto3.Terminate{}),
	)

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	rr := pgConn.ExecParams("select * from missing", nil, nil, nil, nil)
	assert.False(t, rr.NextRow())

	_, err = rr.Close()
	require.Error(t, err)

	var pgErr *pgwire.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, pgwire.UndefinedTableCode, pgErr.Code)
	assert.False(t, pgConn.IsClosed())
	assert.False(t, pgConn.IsBusy())

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestFatalErrorClosesConnection(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Query{String: "select pg_sleep(60)"}),
		pgmock.SendMessage(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "57P01", Message: "terminating connection due to administrator command"}),
	)

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	_, err = pgConn.Exec("select pg_sleep(60)")
	require.Error(t, err)
	assert.True(t, pgConn.IsClosed())

	// Operations on the dead connection fail fast.
	_, err = pgConn.Exec("select 1")
	require.Error(t, err)
	assert.True(t, pgwire.SafeToRetry(err))

	require.NoError(t, <-serverErrChan)
}

func TestParameterStatuses(t *testing.T) {
	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
			pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "server_version", Value: "11.5"}),
			pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"}),
			pgmock.SendMessage(&pgproto3.BackendKeyData{ProcessID: 42, SecretKey: 84}),
			pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
			pgmock.ExpectMessage(&pgproto3.Terminate{}),
		},
	}

	config, serverErrChan := startMockServer(t, script)

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)
	assert.Equal(t, "11.5", pgConn.ParameterStatus("server_version"))
	assert.Equal(t, "UTF8", pgConn.ParameterStatus("client_encoding"))
	assert.EqualValues(t, 42, pgConn.PID())
	assert.EqualValues(t, 84, pgConn.SecretKey())

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}

func TestOnNotice(t *testing.T) {
	script := &pgmock.Script{Steps: pgmock.AcceptUnauthenticatedConnRequestSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Query{String: "select notice()"}),
		pgmock.SendMessage(&pgproto3.NoticeResponse{Severity: "NOTICE", Code: "01000", Message: "hello"}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.ExpectMessage(&pgproto3.Terminate{}),
	)

	var notice *pgwire.Notice
	config, serverErrChan := startMockServer(t, script)
	config.OnNotice = func(_ *pgwire.PgConn, n *pgwire.Notice) {
		notice = n
	}

	pgConn, err := pgwire.Connect(config)
	require.NoError(t, err)

	_, err = pgConn.Exec("select notice()")
	require.NoError(t, err)
	require.NotNil(t, notice)
	assert.Equal(t, "hello", notice.Message)
	assert.False(t, pgConn.IsClosed())

	require.NoError(t, pgConn.Close())
	require.NoError(t, <-serverErrChan)
}
