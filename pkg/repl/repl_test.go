package repl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CELL-SOCK/pkg/atcmd"
	"CELL-SOCK/pkg/cellsock"
	"CELL-SOCK/pkg/modemsim"
)

func newTestStack(t *testing.T) (*cellsock.Stack, *modemsim.Modem) {
	t.Helper()
	modem := modemsim.New()
	channel := atcmd.New(modem.Endpoint())
	t.Cleanup(func() {
		channel.Close()
		modem.Close()
	})
	return cellsock.New(channel), modem
}

func TestResolveAddressLiteral(t *testing.T) {
	stack, _ := newTestStack(t)

	addr, err := resolveAddress(stack, "1.2.3.4:80")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4:80", addr.String())
}

func TestResolveAddressHostName(t *testing.T) {
	stack, modem := newTestStack(t)
	modem.AddHost("broker.example.com", "5.6.7.8")

	addr, err := resolveAddress(stack, "broker.example.com:1883")
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8:1883", addr.String())

	addr, err = resolveAddress(stack, "broker.example.com")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), addr.Port)
}

func TestResolveAddressUnknownHost(t *testing.T) {
	stack, _ := newTestStack(t)

	_, err := resolveAddress(stack, "nowhere.example.com:1883")
	assert.ErrorIs(t, err, cellsock.ErrHostUnreach)
}
