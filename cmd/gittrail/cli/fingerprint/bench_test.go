package fingerprint

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/entireio/gittrail/cmd/gittrail/cli/testutil"
)

// BenchmarkScan measures a full snapshot of a data directory.
//
// The scaling dimensions are file count and worker count. Every file is
// read in full, so the per-file cost is dominated by I/O and MD5.
func BenchmarkScan(b *testing.B) {
	b.Run("100Files/1Worker", benchScan(100, 16<<10, 1))
	b.Run("100Files/8Workers", benchScan(100, 16<<10, 8))
	b.Run("1000Files/1Worker", benchScan(1000, 4<<10, 1))
	b.Run("1000Files/8Workers", benchScan(1000, 4<<10, 8))
	b.Run("10Files1MB/8Workers", benchScan(10, 1<<20, 8))
}

func benchScan(files, size, workers int) func(*testing.B) {
	return func(b *testing.B) {
		dir := testutil.TempDir(b)
		for i := range files {
			content := strings.Repeat(fmt.Sprintf("row %d\n", i), size/6+1)[:size]
			testutil.WriteFile(b, dir, fmt.Sprintf("part-%02d/file-%05d.csv", i%16, i), content)
		}

		b.SetBytes(int64(files * size))
		b.ResetTimer()
		for range b.N {
			if _, err := Scan(context.Background(), dir, nil, WithConcurrency(workers)); err != nil {
				b.Fatalf("Scan: %v", err)
			}
		}
	}
}
