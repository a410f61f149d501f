package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora/social-chat/internal/auth"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--user", "5", "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, rootCmd.Execute())

	id, err := auth.NewManager(auth.Config{Secret: "cli-secret"}).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.EqualValues(t, 5, id)
}

func TestTokenCommand_RequiresUser(t *testing.T) {
	rootCmd.SetArgs([]string{"token", "--user", "0"})
	assert.Error(t, rootCmd.Execute())
}
