package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLines(t *testing.T) {
	t.Parallel()
	var lines []string
	input := "imaging pi_get_info\n\n# comment\n  guide test_connection  \r\n"
	require.NoError(t, ExecLines(strings.NewReader(input), func(line string) { lines = append(lines, line) }))
	assert.Equal(t, []string{"imaging pi_get_info", "guide test_connection"}, lines)
}
