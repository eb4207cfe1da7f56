package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinePipelines(t *testing.T) {
	pipelines, err := parseLine("search all | head 3; echo hi")
	require.NoError(t, err)
	require.Len(t, pipelines, 2)

	assert.Equal(t, []ParsedCommand{
		{Name: "search", Arg: "all"},
		{Name: "head", Arg: "3"},
	}, pipelines[0].Commands)
	assert.Equal(t, []ParsedCommand{{Name: "echo", Arg: "hi"}}, pipelines[1].Commands)
}

func TestParseLineEnvPrefix(t *testing.T) {
	pipelines, err := parseLine(`graph=g section=desired search clean = true`)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)

	assert.Equal(t, map[string]string{"graph": "g", "section": "desired"}, pipelines[0].Env)
	assert.Equal(t, []ParsedCommand{{Name: "search", Arg: "clean = true"}}, pipelines[0].Commands)
}

func TestParseLinePredicateIsNotEnv(t *testing.T) {
	// a dotted path before '=' stays part of the command
	pipelines, err := parseLine("search reported.age=1")
	require.NoError(t, err)
	assert.Nil(t, pipelines[0].Env)
	assert.Equal(t, "reported.age=1", pipelines[0].Commands[0].Arg)
}

func TestParseLineQuotedSeparators(t *testing.T) {
	pipelines, err := parseLine(`echo "a|b;c" | dump`)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	require.Len(t, pipelines[0].Commands, 2)
	assert.Equal(t, `"a|b;c"`, pipelines[0].Commands[0].Arg)
	assert.Equal(t, "dump", pipelines[0].Commands[1].Name)
}

func TestParseLineErrors(t *testing.T) {
	_, err := parseLine("")
	assert.Error(t, err)

	_, err = parseLine(" | dump")
	assert.Error(t, err)

	_, err = parseLine("graph=g")
	assert.ErrorContains(t, err, "without a command")
}

func TestFirstCommandName(t *testing.T) {
	assert.Equal(t, "add_job", firstCommandName("graph=g add_job echo hi | dump"))
	assert.Equal(t, "", firstCommandName(""))
}
