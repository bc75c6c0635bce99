package substrate

import "testing"

func TestPick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		worker string
		hints  [][]string
		want   int
	}{
		{name: "empty queue", worker: "w1", hints: nil, want: -1},
		{name: "own hint first", worker: "w1", hints: [][]string{nil, {"w2"}, {"w2", "w1"}}, want: 2},
		{name: "unhinted before foreign", worker: "w3", hints: [][]string{{"w1"}, nil, {"w2"}}, want: 1},
		{name: "foreign hint never blocks", worker: "w3", hints: [][]string{{"w1"}, {"w2"}}, want: 0},
		{name: "first unhinted in order", worker: "w1", hints: [][]string{{}, nil}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Pick(tt.worker, tt.hints, func(h []string) []string { return h })
			if got != tt.want {
				t.Errorf("Pick(%q) = %d, want %d", tt.worker, got, tt.want)
			}
		})
	}
}
