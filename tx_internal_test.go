package pgsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxOptionsBeginSQL(t *testing.T) {
	tests := []struct {
		opts TxOptions
		sql  string
	}{
		{opts: TxOptions{}, sql: "begin"},
		{opts: TxOptions{IsoLevel: ReadCommitted}, sql: "begin isolation level read committed"},
		{opts: TxOptions{IsoLevel: Serializable, AccessMode: ReadOnly}, sql: "begin isolation level serializable read only"},
		{
			opts: TxOptions{IsoLevel: RepeatableRead, AccessMode: ReadWrite, DeferrableMode: NotDeferrable},
			sql:  "begin isolation level repeatable read read write not deferrable",
		},
	}

	for i, tt := range tests {
		assert.Equalf(t, tt.sql, tt.opts.beginSQL(), "%d", i)
	}
}
