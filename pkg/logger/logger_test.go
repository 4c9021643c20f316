package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newBufferLogger(buf *bytes.Buffer) Logger {
	base := logrus.New()
	base.SetOutput(buf)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return &entryLogger{entry: logrus.NewEntry(base)}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "default", config: DefaultConfig()},
		{name: "debug", config: DebugConfig()},
		{name: "production", config: ProductionConfig()},
		{name: "bad level", config: &Config{Level: "loud", Format: TextFormat, Output: StderrOutput}, wantErr: true},
		{name: "bad format", config: &Config{Level: InfoLevel, Format: "xml", Output: StderrOutput}, wantErr: true},
		{name: "file without path", config: &Config{Level: InfoLevel, Format: TextFormat, Output: FileOutput}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDerivedLoggersKeepFields(t *testing.T) {
	var buf bytes.Buffer
	log := newBufferLogger(&buf)

	log.WithComponent("pipeline").WithField("fingerprint", "n1:abc").Info("processed")

	out := buf.String()
	for _, want := range []string{"component=pipeline", "fingerprint=\"n1:abc\"", "msg=processed"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output %q", want, out)
		}
	}
}

func TestNewLoggerDiscard(t *testing.T) {
	log, err := NewLogger(&Config{Level: DebugLevel, Format: JSONFormat, Output: DiscardOutput})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	log.WithFields(Fields{"a": 1}).Debug("nothing visible")
}

func TestProgressTracker(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(ProgressConfig{
		Operation:   "process",
		Total:       4,
		LogInterval: time.Hour,
		Logger:      newBufferLogger(&buf),
	})

	tracker.Record("created")
	tracker.Record("created")
	tracker.Record("queued")

	stats := tracker.GetStats()
	if stats.Current != 3 {
		t.Errorf("expected 3 processed, got %d", stats.Current)
	}
	if stats.Outcomes["created"] != 2 || stats.Outcomes["queued"] != 1 {
		t.Errorf("unexpected outcome counts %v", stats.Outcomes)
	}
	if stats.Percentage != 75 {
		t.Errorf("expected 75%%, got %.1f", stats.Percentage)
	}

	final := tracker.Complete()
	if !strings.Contains(final.String(), "created=2 queued=1") {
		t.Errorf("unexpected summary %q", final.String())
	}
	if !strings.Contains(buf.String(), "Operation completed") {
		t.Error("expected completion log line")
	}
}
