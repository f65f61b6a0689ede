package cellflow

import (
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestCPULimitEnv(c *C) {
	old, had := os.LookupEnv(CPULimitEnv)
	defer func() {
		if had {
			os.Setenv(CPULimitEnv, old)
		} else {
			os.Unsetenv(CPULimitEnv)
		}
	}()
	os.Setenv(CPULimitEnv, "7")
	c.Assert(CPULimit(), Equals, 7)
}

func (s *DataSuite) TestCgroupCPULimit(c *C) {
	dir, err := os.MkdirTemp("", "cellflow-cgroup")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)
	fname := filepath.Join(dir, "cpu.max")

	c.Assert(os.WriteFile(fname, []byte("400000 100000\n"), 0644), IsNil)
	n, ok := cgroupCPULimit(fname)
	c.Assert(ok, Equals, true)
	c.Assert(n, Equals, 4)

	c.Assert(os.WriteFile(fname, []byte("max 100000\n"), 0644), IsNil)
	_, ok = cgroupCPULimit(fname)
	c.Assert(ok, Equals, false)

	_, ok = cgroupCPULimit(filepath.Join(dir, "missing"))
	c.Assert(ok, Equals, false)
}

func (s *DataSuite) TestJSONFile(c *C) {
	dir, err := os.MkdirTemp("", "cellflow-json")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)
	fname := filepath.Join(dir, "summary.json")
	c.Assert(WriteJSONFile(fname, map[string]int{"chunks": 12}), IsNil)
	data, err := os.ReadFile(fname)
	c.Assert(err, IsNil)
	var got map[string]int
	c.Assert(json.Unmarshal(data, &got), IsNil)
	c.Assert(got["chunks"], Equals, 12)
}

func (s *DataSuite) TestConvertToAbsolute(c *C) {
	p, err := ConvertToAbsolute("results", "/data/run")
	c.Assert(err, IsNil)
	c.Assert(p, Equals, "/data/run/results")

	for _, unchanged := range []string{"/abs/path", "s3://bucket/key", "mem://x/y", ""} {
		p, err = ConvertToAbsolute(unchanged, "/data/run")
		c.Assert(err, IsNil)
		c.Assert(p, Equals, unchanged)
	}
}
