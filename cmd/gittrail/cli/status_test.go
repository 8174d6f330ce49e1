package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/entireio/gittrail/cmd/gittrail/cli/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	start := ledger.NewTimestamp(now.Add(-2 * time.Hour))
	end := ledger.NewTimestamp(now.Add(-time.Hour))
	entries := []ledger.Entry{
		{Session: 0, Record: &ledger.Record{
			CommitID: "0123456789abcdef0123456789abcdef01234567",
			StartUTC: start,
			EndUTC:   &end,
			Files:    map[string]string{"gittrail/0000.log": "aa", "out.csv": "bb"},
		}},
		{Session: 1, Record: &ledger.Record{
			CommitID: "fedcba9876543210fedcba9876543210fedcba98",
			StartUTC: ledger.NewTimestamp(now.Add(-10 * time.Minute)),
			Files:    map[string]string{},
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, writeStatus(&buf, palette{width: 60}, "/data/gittrail", entries, now))
	out := buf.String()

	assert.Contains(t, out, "── Ledger /data/gittrail ─")
	assert.Contains(t, out, "0000 · 0123456 · started 2h ago · closed")
	assert.Contains(t, out, "2024-03-01T10:00:00.000000Z → 2024-03-01T11:00:00.000000Z · 2 files · sha256 ")
	assert.Contains(t, out, "0001 · fedcba9 · started 10m ago · ACTIVE")
	assert.Contains(t, out, "→ … · 0 files")
	assert.Contains(t, out, "2 sessions · 1 active")
}

func TestWriteStatusJSON_DigestMatchesRecord(t *testing.T) {
	t.Parallel()

	rec := &ledger.Record{
		CommitID: "0123456789abcdef0123456789abcdef01234567",
		StartUTC: ledger.NewTimestamp(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		Files:    map[string]string{"a.txt": "5d1c020d53f38ccf82ec532f35c9ca27"},
	}
	want, err := rec.FilesDigest()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeStatusJSON(&buf, []ledger.Entry{{Session: 0, Record: rec}}))
	assert.Contains(t, buf.String(), `"files_digest": "`+want+`"`)
	assert.Contains(t, buf.String(), `"end_utc": null`)
	assert.Contains(t, buf.String(), `"active": true`)
}
