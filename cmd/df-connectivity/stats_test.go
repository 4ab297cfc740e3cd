package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumSeries(t *testing.T) {
	body := `# HELP df_connectivity_samples_total Samples published.
# TYPE df_connectivity_samples_total counter
df_connectivity_samples_total{connection_id="c1"} 12
df_connectivity_samples_total{connection_id="c2"} 30
df_connectivity_queue_length 7
df_connectivity_samples_per_second{connection_id="c1"} 2.5
`
	totals, err := sumSeries(strings.NewReader(body), []string{"df_connectivity_samples_total", "df_connectivity_queue_length", "df_connectivity_wal_size_bytes"})
	require.NoError(t, err)
	assert.Equal(t, 42.0, totals["df_connectivity_samples_total"], "label sets are summed")
	assert.Equal(t, 7.0, totals["df_connectivity_queue_length"])
	assert.Zero(t, totals["df_connectivity_wal_size_bytes"], "missing series read as zero")
}
