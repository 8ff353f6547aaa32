package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedDefaultsToDemo(t *testing.T) {
	s, err := loadSeed("")
	require.NoError(t, err)
	assert.Len(t, s.Accounts, 3)

	b := s.Bank("NGN")
	bal, err := b.Balance("1000000001")
	require.NoError(t, err)
	assert.Equal(t, "50000.00", bal.StringFixed(2))
	assert.Equal(t, "10000000.00", b.PoolBalance().StringFixed(2))
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool: "500"
accounts:
  - number: "2000000001"
    user_id: "u-1"
    pin: "0000"
    balance: "12.50"
  - number: "2000000002"
    user_id: "u-2"
    pin: "0000"
    balance: "1"
    blocked: true
cards:
  - user_id: "u-1"
    number: "4111111111111111"
    cvv: "999"
    pin: "0000"
`), 0o600))

	s, err := loadSeed(path)
	require.NoError(t, err)
	b := s.Bank("NGN")

	bal, err := b.Balance("2000000001")
	require.NoError(t, err)
	assert.Equal(t, "12.50", bal.StringFixed(2))

	ok, err := b.VerifyCard("u-1", "4111111111111111", "999", "0000")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.Debit("2000000002", s.Accounts[1].Balance)
	assert.Error(t, err)
}

func TestLoadSeedRejectsIncompleteAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts:\n  - number: \"1\"\n"), 0o600))
	_, err := loadSeed(path)
	assert.ErrorContains(t, err, "user_id")
}
