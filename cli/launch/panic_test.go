package launch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanPanics(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "no panic",
			in:   "=== RUN   TestA\n--- PASS: TestA\n",
			want: nil,
		},
		{
			name: "panic to end of stream",
			in:   "=== RUN   TestA\npanic: boom\n\ngoroutine 1 [running]:\nmain.main()\n",
			want: []string{"panic: boom\n\ngoroutine 1 [running]:\nmain.main()"},
		},
		{
			name: "two panics",
			in:   "panic: first\nstack one\npanic: second\nstack two\n",
			want: []string{"panic: first\nstack one", "panic: second\nstack two"},
		},
		{
			name: "nested panic stays in one trace",
			in:   "panic: a [recovered]\n\tpanic: b\n",
			want: []string{"panic: a [recovered]\n\tpanic: b"},
		},
		{
			name: "no trailing newline",
			in:   "panic: eof",
			want: []string{"panic: eof"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			var traces []string
			err := scanPanics(strings.NewReader(tt.in), &out, func(trace string) {
				traces = append(traces, trace)
			})
			require.NoError(t, err)
			require.Equal(t, tt.want, traces)
			require.Equal(t, strings.TrimSuffix(tt.in, "\n")+"\n", out.String())
		})
	}
}

func TestScanPanics_TruncatesTrace(t *testing.T) {
	in := "panic: big\n" + strings.Repeat(strings.Repeat("x", 1023)+"\n", 128)

	var traces []string
	err := scanPanics(strings.NewReader(in), &strings.Builder{}, func(trace string) {
		traces = append(traces, trace)
	})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	require.LessOrEqual(t, len(traces[0]), maxTraceBytes+1024)
}
