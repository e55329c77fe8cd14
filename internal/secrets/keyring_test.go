package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestResolve(t *testing.T) {
	keyring.MockInit()

	v, err := Resolve("plain-token")
	require.NoError(t, err)
	require.Equal(t, "plain-token", v)

	v, err = Resolve("keyring:")
	require.NoError(t, err)
	require.Equal(t, "keyring:", v, "a bare prefix is not a reference")

	_, err = Resolve(Ref("slack-bot"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Set("slack-bot", "xoxb-123"))
	v, err = Resolve(Ref("slack-bot"))
	require.NoError(t, err)
	require.Equal(t, "xoxb-123", v)

	require.NoError(t, Delete("slack-bot"))
	require.NoError(t, Delete("slack-bot"))
	_, err = Resolve(Ref("slack-bot"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetValidates(t *testing.T) {
	keyring.MockInit()
	require.Error(t, Set(" ", "x"))
	require.Error(t, Set("name", ""))
}
