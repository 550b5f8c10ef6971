package logger

import (
	"log/slog"
	"testing"
)

func TestLevelFor(t *testing.T) {
	cases := []struct {
		environment string
		want        slog.Level
	}{
		{"development", slog.LevelDebug},
		{"production", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := LevelFor(tc.environment); got != tc.want {
			t.Errorf("LevelFor(%q) = %v, want %v", tc.environment, got, tc.want)
		}
	}
}
