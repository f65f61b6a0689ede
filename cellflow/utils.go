package cellflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
	Tera = 1 << 40
)

// CPULimitEnv is the environment variable holding the processor allotment of a
// managed compute environment.
const CPULimitEnv = "CO_CPUS"

// cgroupCPUMax is the cgroup v2 file with the container CPU quota.
var cgroupCPUMax = "/sys/fs/cgroup/cpu.max"

// CPULimit returns the number of processors this process is allotted.  It checks
// CPULimitEnv, then the cgroup v2 CPU quota, and finally the host processor count.
func CPULimit() int {
	if s := os.Getenv(CPULimitEnv); s != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 0 {
			return n
		}
		Warningf("ignoring bad %s value %q\n", CPULimitEnv, s)
	}
	if n, ok := cgroupCPULimit(cgroupCPUMax); ok {
		return n
	}
	return runtime.NumCPU()
}

// cgroupCPULimit parses a cgroup v2 "cpu.max" file of the form "<quota> <period>".
func cgroupCPULimit(filename string) (int, bool) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] == "max" {
		return 0, false
	}
	quota, err1 := strconv.ParseFloat(fields[0], 64)
	period, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil || period <= 0 || quota <= 0 {
		return 0, false
	}
	n := int(quota / period)
	if n < 1 {
		n = 1
	}
	return n, true
}

// WriteJSONFile writes an arbitrary but exportable Go object to a JSON file.
func WriteJSONFile(filename string, value interface{}) error {
	m, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("error in writing JSON file %s: %w", filename, err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, m, "", "    "); err != nil {
		return err
	}
	if err := os.WriteFile(filename, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to create JSON file %s: %w", filename, err)
	}
	return nil
}

// ConvertToAbsolute returns path unchanged if it is absolute or a store URL, and
// otherwise joins it to dir.
func ConvertToAbsolute(path, dir string) (string, error) {
	if path == "" || filepath.IsAbs(path) || strings.Contains(path, "://") {
		return path, nil
	}
	if !filepath.IsAbs(dir) {
		var err error
		if dir, err = filepath.Abs(dir); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, path), nil
}
