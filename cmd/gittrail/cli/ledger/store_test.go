package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entireio/gittrail/cmd/gittrail/cli/testutil"
	"github.com/entireio/gittrail/cmd/gittrail/cli/trailerr"
	"github.com/gobwas/glob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(testutil.NewDataDir(t, testutil.TempDir(t)), "")
	require.NoError(t, err)
	require.NoError(t, s.EnsureDir())
	return s
}

func ts(t *testing.T, s string) Timestamp {
	t.Helper()
	parsed, err := ParseTimestamp(s)
	require.NoError(t, err)
	return parsed
}

func TestOpen_StoreName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		store   string
		wantDir string
		wantErr bool
	}{
		{name: "default", store: "", wantDir: "gittrail"},
		{name: "custom", store: "audit", wantDir: "audit"},
		{name: "nested", store: "a/b", wantErr: true},
		{name: "parent", store: "..", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := Open("/data", tt.store)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join("/data", tt.wantDir), s.Dir())
			assert.Equal(t, tt.wantDir+"/0003.json", s.RelRecordPath(3))
			assert.Equal(t, tt.wantDir+"/0003.log", s.RelLogPath(3))
		})
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	end := ts(t, "2023-05-01T10:11:13.000001Z")
	want := &Record{
		CommitID: "0123456789abcdef0123456789abcdef01234567",
		StartUTC: ts(t, "2023-05-01T10:11:12.123456Z"),
		EndUTC:   &end,
		Files:    map[string]string{"a&b.csv": "5d1c020d53f38ccf82ec532f35c9ca27"},
	}
	require.NoError(t, s.WriteSession(0, want))

	got, err := s.Read(0)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	data, err := os.ReadFile(s.RecordPath(0))
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasSuffix(text, "}\n"))
	assert.Contains(t, text, `    "start_utc": "2023-05-01T10:11:12.123456Z"`)
	assert.Contains(t, text, `"a&b.csv"`)
}

func TestRecord_ActiveHasNullEnd(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	require.NoError(t, s.WriteSession(0, &Record{CommitID: "c0", StartUTC: NewTimestamp(time.Now())}))

	data, err := os.ReadFile(s.RecordPath(0))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"end_utc": null`)
	assert.Contains(t, string(data), `"files": {}`)

	active, err := s.ActiveSessions()
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true}, active)
}

func TestNextSessionNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		files       []string
		want        int
		wantErr     bool
		wantMissing int
	}{
		{name: "empty", files: nil, want: 0},
		{name: "contiguous", files: []string{"0000.json", "0001.json", "0002.json"}, want: 3},
		{name: "ignores_logs_and_lock", files: []string{"0000.json", "0000.log", "gittrail.lock"}, want: 1},
		{name: "gap_at_2", files: []string{"0000.json", "0001.json", "0003.json"}, wantErr: true, wantMissing: 2},
		{name: "missing_first", files: []string{"0001.json"}, wantErr: true, wantMissing: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t)
			for _, f := range tt.files {
				testutil.WriteFile(t, s.Dir(), f, "{}")
			}

			got, err := s.NextSessionNumber()
			if tt.wantErr {
				require.ErrorIs(t, err, trailerr.ErrIncompleteHistory)
				assert.Equal(t, tt.wantMissing, trailerr.SessionOf(err))
				assert.Contains(t, err.Error(), "Missing audit trail of session number")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextSessionNumber_MissingStoreDir(t *testing.T) {
	t.Parallel()

	s, err := Open(testutil.TempDir(t), "never-created")
	require.NoError(t, err)
	n, err := s.NextSessionNumber()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRead_MalformedRecordIsIntegrityError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "not_json", content: "{"},
		{name: "missing_files", content: `{"commit_id":"c","start_utc":"2023-05-01T10:11:12.000000Z","end_utc":null}`},
		{name: "bad_timestamp", content: `{"commit_id":"c","start_utc":"yesterday","end_utc":null,"files":{}}`},
		{name: "bad_digest", content: `{"commit_id":"c","start_utc":"2023-05-01T10:11:12.000000Z","end_utc":null,"files":{"a":"XYZ"}}`},
		{name: "unknown_field", content: `{"commit_id":"c","start_utc":"2023-05-01T10:11:12.000000Z","end_utc":null,"files":{},"extra":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t)
			testutil.WriteFile(t, s.Dir(), "0000.json", tt.content)

			_, err := s.ReadAll()
			require.ErrorIs(t, err, trailerr.ErrIntegrity)
			assert.Equal(t, 0, trailerr.SessionOf(err))
			assert.Contains(t, err.Error(), "session 0 has a malformed record: ")
			if tt.name != "not_json" {
				require.ErrorIs(t, err, ErrSchemaViolation)
			}
		})
	}
}

func TestReadAll_SessionOrder(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	for i := range 3 {
		require.NoError(t, s.WriteSession(i, &Record{
			CommitID: "c" + string(rune('0'+i)),
			StartUTC: NewTimestamp(time.Date(2023, 1, 1, 0, 0, i, 0, time.UTC)),
		}))
	}

	entries, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i, e.Session)
		assert.Equal(t, "c"+string(rune('0'+i)), e.Record.CommitID)
	}
}

func TestRemoveStaleTemps(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	removed, err := s.RemoveStaleTemps()
	require.NoError(t, err, "missing store directory is not an error")
	assert.Empty(t, removed)

	require.NoError(t, s.EnsureDir())
	testutil.WriteFile(t, s.Dir(), ".0001.json.tmp-4242", `{"commit_id":`)
	testutil.WriteFile(t, s.Dir(), ".hidden", "keep")
	testutil.WriteFile(t, s.Dir(), "0000.json.tmp-1", "keep")

	removed, err = s.RemoveStaleTemps()
	require.NoError(t, err)
	assert.Equal(t, []string{"gittrail/.0001.json.tmp-4242"}, removed)
	assert.NoFileExists(t, filepath.Join(s.Dir(), ".0001.json.tmp-4242"))
	assert.FileExists(t, filepath.Join(s.Dir(), ".hidden"))
	assert.FileExists(t, filepath.Join(s.Dir(), "0000.json.tmp-1"))
}

func TestTempPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		store string
		path  string
		want  bool
	}{
		{name: "temp_record", store: "gittrail", path: "gittrail/.0003.json.tmp-123", want: true},
		{name: "record", store: "gittrail", path: "gittrail/0003.json", want: false},
		{name: "other_directory", store: "gittrail", path: "out/.0003.json.tmp-123", want: false},
		{name: "nested", store: "gittrail", path: "gittrail/sub/.0003.json.tmp-123", want: false},
		{name: "meta_in_store_name", store: "a*b", path: "a*b/.0000.json.tmp-9", want: true},
		{name: "meta_not_expanded", store: "a*b", path: "axxb/.0000.json.tmp-9", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := Open("/data", tt.store)
			require.NoError(t, err)
			g, err := glob.Compile(s.TempPattern(), '/')
			require.NoError(t, err)
			assert.Equal(t, tt.want, g.Match(tt.path))
		})
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	s, err := Open("/data", "gittrail")
	require.NoError(t, err)
	files := map[string]string{
		"out.csv":            "aa",
		"gittrail/0000.json": "bb",
		"gittrail/0000.log":  "cc",
		"gittrail/0001.json": "dd",
		"gittrail/0001.log":  "ee",
	}

	got := s.Prune(files, map[int]bool{0: true, 1: true}, map[int]bool{1: true})
	assert.Equal(t, map[string]string{
		"out.csv":           "aa",
		"gittrail/0000.log": "cc",
	}, got)
	assert.Len(t, files, 5, "input must not be modified")
}

func TestFilesDigest_IndependentOfOrder(t *testing.T) {
	t.Parallel()

	a := &Record{Files: map[string]string{"a": "1", "b": "2"}}
	b := &Record{Files: map[string]string{"b": "2", "a": "1"}}
	c := &Record{Files: map[string]string{"a": "1"}}

	da, err := a.FilesDigest()
	require.NoError(t, err)
	db, err := b.FilesDigest()
	require.NoError(t, err)
	dc, err := c.FilesDigest()
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.NotEqual(t, da, dc)
	assert.Len(t, da, 64)
}

func TestNextTimestamp(t *testing.T) {
	t.Parallel()

	base := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	end := NewTimestamp(base.Add(time.Second))
	entries := []Entry{
		{Session: 0, Record: &Record{StartUTC: NewTimestamp(base), EndUTC: &end}},
		{Session: 1, Record: &Record{StartUTC: NewTimestamp(base.Add(500 * time.Millisecond))}},
	}

	t.Run("later_clock_wins", func(t *testing.T) {
		t.Parallel()
		now := base.Add(2 * time.Second)
		assert.Equal(t, NewTimestamp(now), NextTimestamp(now, entries))
	})
	t.Run("same_microsecond_is_bumped", func(t *testing.T) {
		t.Parallel()
		got := NextTimestamp(base.Add(time.Second+300*time.Nanosecond), entries)
		assert.Equal(t, end.Add(time.Microsecond), got.Time)
	})
	t.Run("clock_behind_is_bumped", func(t *testing.T) {
		t.Parallel()
		got := NextTimestamp(base, entries)
		assert.Equal(t, end.Add(time.Microsecond), got.Time)
	})
	t.Run("empty_ledger", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, NewTimestamp(base), NextTimestamp(base, nil))
	})
}

func TestWithLock_SerializesGoroutines(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	const workers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
		numbers []int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLock(context.Background(), func() error {
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()

				n, err := s.NextSessionNumber()
				if err != nil {
					return err
				}
				time.Sleep(5 * time.Millisecond)
				if err := s.WriteSession(n, &Record{CommitID: "c", StartUTC: NewTimestamp(time.Now())}); err != nil {
					return err
				}

				mu.Lock()
				inside--
				numbers = append(numbers, n)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, numbers)
}

func TestWithLock_ReleasedOnErrorAndPanic(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	require.Error(t, s.WithLock(context.Background(), func() error {
		return os.ErrInvalid
	}))

	assert.Panics(t, func() {
		_ = s.WithLock(context.Background(), func() error { panic("boom") })
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WithLock(ctx, func() error { return nil }))
}

func TestWithLock_ContextCanceledWhileBlocked(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithLock(context.Background(), func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.WithLock(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}
