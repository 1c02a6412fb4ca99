package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_SQLiteMemory(t *testing.T) {
	gdb, err := Connect("sqlite", "file:db_connect_test?mode=memory&cache=shared")
	require.NoError(t, err)
	defer Close(gdb)

	var one int
	require.NoError(t, gdb.Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("oracle", "x")
	assert.ErrorContains(t, err, "unsupported driver")
}
