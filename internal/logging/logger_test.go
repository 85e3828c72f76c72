package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "logs", "chatlogd.log")
	logger, err := New(path, "work", false)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello")
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(data, &line); err != nil {
		t.Fatalf("log file is not one JSON line: %v\n%s", err, data)
	}
	if line["msg"] != "hello" || line["profile"] != "work" {
		t.Errorf("log line = %v, want msg=hello profile=work", line)
	}
	if _, ok := line["ts"]; !ok {
		t.Error("log line has no ts field")
	}
}
