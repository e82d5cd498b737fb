package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	testCases := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			l := New(tc.level, false)
			if !l.Core().Enabled(tc.want) {
				t.Errorf("level %v should be enabled", tc.want)
			}
			if tc.want > zapcore.DebugLevel && l.Core().Enabled(tc.want-1) {
				t.Errorf("level %v should be disabled", tc.want-1)
			}
		})
	}
}

func TestNew_Production(t *testing.T) {
	if l := New("info", true); l == nil {
		t.Fatal("New returned nil")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) should return a logger")
	}
	l := New("info", false)
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}
