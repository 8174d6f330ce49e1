package fingerprint

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/entireio/gittrail/cmd/gittrail/cli/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile_Chunked(t *testing.T) {
	t.Parallel()

	dir := testutil.TempDir(t)
	path := testutil.WriteFile(t, dir, "big.txt", strings.Repeat("x\n", 65536))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "3b3b66fa0374d39c905430f7c98606e4", got)
}

func TestHashFile_DependsOnlyOnContent(t *testing.T) {
	t.Parallel()

	dir := testutil.TempDir(t)
	a := testutil.WriteFile(t, dir, "1.txt", "Hi there")
	b := testutil.WriteFile(t, dir, "nested/2.txt", "Hi there")

	ha, err := HashFile(a)
	require.NoError(t, err)
	hb, err := HashFile(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestScan_RelativeSlashKeys(t *testing.T) {
	t.Parallel()

	dir := testutil.TempDir(t)
	testutil.WriteFile(t, dir, "one.txt", "File one")
	testutil.WriteFile(t, dir, "subfolder/two.txt", "File two")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o750))

	got, err := Scan(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{
		"one.txt":           "5d1c020d53f38ccf82ec532f35c9ca27",
		"subfolder/two.txt": "51ae396c5595862e990e318c2176addb",
	}, got)
}

func TestScan_Exclude(t *testing.T) {
	t.Parallel()

	dir := testutil.TempDir(t)
	testutil.WriteFile(t, dir, "keep.txt", "k")
	lock := testutil.WriteFile(t, dir, "gittrail/gittrail.lock", "")

	got, err := Scan(context.Background(), dir, []string{lock, "/somewhere/else"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"keep.txt"}, slices.Collect(maps.Keys(got)))
}

func TestScan_IgnorePatterns(t *testing.T) {
	t.Parallel()

	dir := testutil.TempDir(t)
	testutil.WriteFile(t, dir, "a.csv", "a")
	testutil.WriteFile(t, dir, "scratch.tmp", "t")
	testutil.WriteFile(t, dir, "cache/x/y.bin", "c")
	testutil.WriteFile(t, dir, "out/z.tmp", "z")

	got, err := Scan(context.Background(), dir, nil, WithIgnore("*.tmp", "cache/**"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.csv", "out/z.tmp"}, slices.Collect(maps.Keys(got)))
}

func TestScan_InvalidOptions(t *testing.T) {
	t.Parallel()

	dir := testutil.TempDir(t)
	_, err := Scan(context.Background(), dir, nil, WithIgnore("[unclosed"))
	require.Error(t, err)

	_, err = Scan(context.Background(), dir, nil, WithConcurrency(0))
	require.Error(t, err)
}

func TestScan_DeterministicAcrossConcurrency(t *testing.T) {
	t.Parallel()

	dir := testutil.TempDir(t)
	for i := range 50 {
		testutil.WriteFile(t, dir, filepath.Join("d", string(rune('a'+i%26)), strings.Repeat("f", i%5+1)+".dat"), strings.Repeat("z", i))
	}

	serial, err := Scan(context.Background(), dir, nil, WithConcurrency(1))
	require.NoError(t, err)
	parallel, err := Scan(context.Background(), dir, nil, WithConcurrency(8))
	require.NoError(t, err)
	assert.Equal(t, serial, parallel)
}

func TestScan_SkipsSymlinks(t *testing.T) {
	t.Parallel()

	dir := testutil.TempDir(t)
	target := testutil.WriteFile(t, dir, "real.txt", "r")
	if err := os.Symlink(target, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	got, err := Scan(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"real.txt"}, slices.Collect(maps.Keys(got)))
}

func TestScan_CanceledContext(t *testing.T) {
	t.Parallel()

	dir := testutil.TempDir(t)
	testutil.WriteFile(t, dir, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Scan(ctx, dir, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckPatterns(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckPatterns("*.tmp", "cache/**"))
	require.NoError(t, CheckPatterns())
	err := CheckPatterns("ok", "[bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[bad")
}

func TestHashFile_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := HashFile(filepath.Join(testutil.TempDir(t), "gone.txt"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestScan_FilesRemovedDuringScan(t *testing.T) {
	t.Parallel()

	const files = 2000
	for round := range 5 {
		dir := testutil.TempDir(t)
		for i := range files {
			testutil.WriteFile(t, dir, fmt.Sprintf("d%02d/f%04d", i%20, i), "tmp")
		}
		testutil.WriteFile(t, dir, "keep.csv", "kept")

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range files {
				_ = os.Remove(filepath.Join(dir, fmt.Sprintf("d%02d", i%20), fmt.Sprintf("f%04d", i)))
			}
			for d := range 20 {
				_ = os.Remove(filepath.Join(dir, fmt.Sprintf("d%02d", d)))
			}
		}()

		got, err := Scan(context.Background(), dir, nil, WithConcurrency(1))
		wg.Wait()
		require.NoError(t, err, "round %d", round)
		require.Contains(t, got, "keep.csv")
		for rel, digest := range got {
			if rel != "keep.csv" {
				assert.Equal(t, tmpDigest, digest, rel)
			}
		}
	}
}

// tmpDigest is the MD5 of "tmp".
const tmpDigest = "fa816edb83e95bf0c8da580bdfd491ef"
