package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinterPlainStatus(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPlainPrinter(&out, &errOut)

	p.Success("proposal %d approved", 3)
	p.Error("boom")

	assert.Equal(t, "✓ proposal 3 approved\n✗ boom\n", errOut.String())
	assert.Empty(t, out.String())
	assert.Equal(t, "plain", p.Colorize("plain", ColorRed))
}

func TestPrinterTable(t *testing.T) {
	var out bytes.Buffer
	p := NewPlainPrinter(&out, &out)

	require.NoError(t, p.Table([]string{"id", "status"}, [][]string{{"1", "pending"}, {"12", "approved"}}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID  STATUS", strings.TrimSpace(lines[0]))
	assert.Equal(t, "12  approved", strings.TrimSpace(lines[2]))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "now", FormatDuration(0))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "1h30m", FormatDuration(90*time.Minute))
	assert.Equal(t, "2d0h", FormatDuration(48*time.Hour))
}

func TestWriteCompletion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCompletion(&buf, "bash"))
	assert.Contains(t, buf.String(), "complete -F _kernelctl_completion kernelctl")
	assert.Contains(t, buf.String(), "approve reject execute schedule")

	buf.Reset()
	require.NoError(t, WriteCompletion(&buf, "zsh"))
	assert.Contains(t, buf.String(), "#compdef kernelctl")

	assert.Error(t, WriteCompletion(&buf, "fish"))
}

func TestGroupsSorted(t *testing.T) {
	groups := Groups()
	assert.Equal(t, "authority", groups[0])
	assert.Contains(t, groups, "upgrades")
}
