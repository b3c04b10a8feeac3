package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rendis/voike/pkg/schema"
)

func benchCSV(rows int) string {
	var b strings.Builder
	b.WriteString("region,amount\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "r%d,%d\n", i%7, i)
	}
	return b.String()
}

func BenchmarkExecute_Pipeline(b *testing.B) {
	for _, rows := range []int{100, 1_000, 10_000} {
		b.Run(fmt.Sprintf("rows=%d", rows), func(b *testing.B) {
			benchExecute(b, `
STEP load = LOAD CSV FROM data
STEP big = FILTER load WHERE amount > 10
STEP grouped = GROUP big BY region AGG sum(amount) AS total, count(*) AS n
STEP sorted = SORT grouped BY total DESC
STEP out = OUTPUT sorted AS "totals"
`, map[string]any{"data": benchCSV(rows)})
		})
	}
}

// BenchmarkExecute_WideChain measures per-step overhead on a long chain of
// cheap steps.
func BenchmarkExecute_WideChain(b *testing.B) {
	for _, steps := range []int{10, 100, 500} {
		b.Run(fmt.Sprintf("steps=%d", steps), func(b *testing.B) {
			var src strings.Builder
			src.WriteString("STEP s0 = LOAD CSV FROM data\n")
			for i := 1; i < steps; i++ {
				fmt.Fprintf(&src, "STEP s%d = TAKE 5 FROM s%d\n", i, i-1)
			}
			benchExecute(b, src.String(), map[string]any{"data": benchCSV(20)})
		})
	}
}

func benchExecute(b *testing.B, src string, inputs map[string]any) {
	e, err := NewExecutor(ExecutorConfig{})
	if err != nil {
		b.Fatal(err)
	}
	plan := buildFlow(b, src)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Execute(ctx, plan, inputs, schema.ModeSync, RunContext{}); err != nil {
			b.Fatal(err)
		}
	}
}
