package printer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Family string `json:"family"`
	Count  int    `json:"count"`
}

func TestPrintFormats(t *testing.T) {
	data := []row{{Family: "import", Count: 3}}
	table := func() Table {
		tb := Table{Headers: []string{"Family", "Count"}}
		for _, r := range data {
			tb.AddRow(r.Family, r.Count)
		}
		return tb
	}

	var buf bytes.Buffer
	require.NoError(t, New(&buf, OutputTypeTable).Print(data, table))
	assert.Equal(t, "FAMILY   COUNT\nimport   3\n", buf.String())

	buf.Reset()
	require.NoError(t, New(&buf, OutputTypeJSON).Print(data, table))
	assert.JSONEq(t, `[{"family":"import","count":3}]`, buf.String())

	buf.Reset()
	require.NoError(t, New(&buf, OutputTypeYAML).Print(data, table))
	assert.Equal(t, "- count: 3\n  family: import\n", buf.String())
}

func TestParseOutputType(t *testing.T) {
	for in, want := range map[string]OutputType{"": OutputTypeTable, "JSON": OutputTypeJSON, "yaml": OutputTypeYAML} {
		got, err := ParseOutputType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseOutputType("xml")
	assert.Error(t, err)
}

func TestFormatDurationMs(t *testing.T) {
	assert.Equal(t, "-", FormatDurationMs(0))
	assert.Equal(t, "1m5s", FormatDurationMs(65_000))
}

func TestSuccess_PlainWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, OutputTypeTable).Success("imported %d users", 3)
	assert.Equal(t, "✓ imported 3 users\n", buf.String())
}
