package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommandsExtractsEachLineAnchoredVerb(t *testing.T) {
	body := "thanks for the PR\n/approve\nsome trailing text\n/prioritize feature-1 high\n"
	cmds := ParseCommands(body)
	require.Len(t, cmds, 2)
	require.Equal(t, "approve", cmds[0].Verb)
	require.Equal(t, "", cmds[0].Args)
	require.Equal(t, "prioritize", cmds[1].Verb)
	require.Equal(t, "feature-1 high", cmds[1].Args)
}

func TestParseCommandsIsCaseInsensitiveOnVerb(t *testing.T) {
	cmds := ParseCommands("/Agent-Plan")
	require.Len(t, cmds, 1)
	require.Equal(t, "agent-plan", cmds[0].Verb)
}

func TestParseCommandsIgnoresMidLineSlashText(t *testing.T) {
	cmds := ParseCommands("not a command: /approve")
	require.Empty(t, cmds)
}

func TestParseCommandsReturnsEmptyForNoCommands(t *testing.T) {
	require.Empty(t, ParseCommands("just a regular comment"))
}
