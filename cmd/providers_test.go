package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProvidersListsRegisteredTypes(t *testing.T) {
	out := &bytes.Buffer{}
	providersCmd.SetOut(out)
	defer providersCmd.SetOut(nil)

	providersCmd.Run(providersCmd, nil)

	require.Contains(t, out.String(), "mock")
	require.Contains(t, out.String(), "openai")
}
