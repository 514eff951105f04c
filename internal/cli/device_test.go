package cli_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/calvinalkan/metabuf/internal/cli"
)

// testDevSize keeps test images small.
const testDevSize = "262144"

func newDeviceCLI(t *testing.T) *cli.CLI {
	t.Helper()

	c := cli.NewCLI(t)
	c.MustRun("mkdev", "--size", testDevSize)

	return c
}

func Test_Mkdev_Creates_Zeroed_Image_When_Device_Is_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("mkdev", "-s", testDevSize)

	cli.AssertContains(t, stdout, "512 blocks of 512 bytes")

	data := c.ReadFile("metabuf.img")
	if len(data) != 262144 {
		t.Fatalf("image size=%d, want 262144", len(data))
	}

	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d=%#x, want 0", i, b)
		}
	}
}

func Test_Mkdev_Refuses_When_Image_Exists_Unless_Forced(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	stderr := c.MustFail("mkdev", "--size", testDevSize)
	cli.AssertContains(t, stderr, "device image already exists")

	c.MustRun("mkdev", "--size", "131072", "--force")

	st, err := os.Stat(c.Path("metabuf.img"))
	if err != nil {
		t.Fatalf("stat: err=%v", err)
	}

	if st.Size() != 131072 {
		t.Fatalf("size=%d after --force, want 131072", st.Size())
	}
}

func Test_Mkdev_Fails_When_Size_Is_Not_Block_Aligned(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("mkdev", "--size", "1000")

	cli.AssertContains(t, stderr, "invalid argument")
}

func Test_Read_Returns_Written_Content_When_Written_Sync(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	stdout := c.MustRun("write", "7", "--data", "hello metadata")
	cli.AssertContains(t, stdout, "wrote block 7+1 (14 bytes, sync)")

	stdout = c.MustRun("read", "7")
	cli.AssertContains(t, stdout, "block 7+1 (512 bytes)")
	cli.AssertContains(t, stdout, "hello metadata")
}

func Test_Read_Returns_Written_Content_When_Written_Through_Delwri(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	stdout := c.MustRun("write", "12", "--len", "4", "--data", "queued write", "--delwri")
	cli.AssertContains(t, stdout, "delwri")

	stdout = c.MustRun("read", "12", "-n", "4", "--uncached")
	cli.AssertContains(t, stdout, "block 12+4 (2048 bytes)")
	cli.AssertContains(t, stdout, "queued write")
}

func Test_Write_Reads_Stdin_When_Data_Is_Dash(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	_, stderr, code := c.RunWithInput("from stdin", "write", "3", "--data", "-")
	if code != 0 {
		t.Fatalf("write exit=%d\nstderr: %s", code, stderr)
	}

	cli.AssertContains(t, c.MustRun("read", "3"), "from stdin")
}

func Test_Read_Verifies_Checksum_When_Magic_Is_Given(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)
	c.MustRun("write", "20", "--magic", "58465342", "--data", "checked block")

	stdout := c.MustRun("read", "20", "--magic", "58465342")
	cli.AssertContains(t, stdout, "checked block")

	stderr := c.MustFail("read", "20", "--magic", "41474630")
	cli.AssertContains(t, stderr, "bad magic")

	// A plain block has no valid trailer.
	c.MustRun("write", "21", "--data", "plain")

	stderr = c.MustFail("read", "21", "--magic", "58465342")
	cli.AssertContains(t, stderr, "rejected block 21")
}

func Test_Read_Fails_When_Block_Is_Beyond_Device(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	stderr := c.MustFail("read", "512")
	cli.AssertContains(t, stderr, "corrupt address")

	stderr = c.MustFail("read", "-n", "2", "511")
	cli.AssertContains(t, stderr, "corrupt address")
}

func Test_Read_Fails_When_Device_Is_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("read", "0")

	cli.AssertContains(t, stderr, "opening device")
}

func Test_Read_Fails_When_Block_Is_Not_A_Number(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	stderr := c.MustFail("read", "abc")
	cli.AssertContains(t, stderr, "invalid argument")

	stderr = c.MustFail("read")
	cli.AssertContains(t, stderr, "missing argument")
}

func Test_Restore_Reproduces_Device_When_Dumped_With_Each_Codec(t *testing.T) {
	t.Parallel()

	for _, codec := range []string{"zstd", "lz4", "none"} {
		t.Run(codec, func(t *testing.T) {
			t.Parallel()

			c := newDeviceCLI(t)
			c.MustRun("write", "100", "--data", "survives "+codec)

			stdout := c.MustRun("dump", "dev."+codec, "--codec", codec)
			cli.AssertContains(t, stdout, "("+codec+",")

			before := c.ReadFile("metabuf.img")

			c.MustRun("mkdev", "--size", testDevSize, "--force")
			c.MustRun("restore", "dev."+codec)

			after := c.ReadFile("metabuf.img")
			if string(before) != string(after) {
				t.Fatal("restored image differs from dumped device")
			}

			cli.AssertContains(t, c.MustRun("read", "100"), "survives "+codec)
		})
	}
}

func Test_Restore_Creates_Device_When_Image_Path_Is_New(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)
	c.MustRun("write", "1", "--data", "copied")
	c.MustRun("dump", "dev.zst")

	stdout := c.MustRun("--device", "copy.img", "restore", "dev.zst")
	cli.AssertContains(t, stdout, "restored")

	cli.AssertContains(t, c.MustRun("-d", "copy.img", "read", "1"), "copied")
}

func Test_Restore_Fails_When_Image_Is_Garbage(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)
	c.WriteFile("junk.img", "definitely not an image")

	stderr := c.MustFail("restore", "junk.img")
	cli.AssertContains(t, stderr, "bad image")
}

func Test_Dump_Fails_When_Codec_Is_Unknown(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	stderr := c.MustFail("dump", "x.img", "--codec", "rar")
	cli.AssertContains(t, stderr, "unknown codec")
}

type report struct {
	Workers int   `json:"workers"`
	Errors  int64 `json:"errors"`
	Cache   struct {
		Gets     int64 `json:"gets"`
		Buffers  int64 `json:"buffers"`
		LRU      int   `json:"lru"`
		InFlight int64 `json:"in_flight"`
		DataLoss int64 `json:"data_loss"`
	} `json:"cache"`
}

func Test_Stress_Drains_Cache_When_Workload_Finishes(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	stdout := c.MustRun("stress", "-w", "4", "-n", "200", "--space", "64", "--stats-out", "report.json")
	cli.AssertContains(t, stdout, "workers=4 ops=200")

	var r report

	err := json.Unmarshal(c.ReadFile("report.json"), &r)
	if err != nil {
		t.Fatalf("decoding report: err=%v", err)
	}

	if r.Workers != 4 || r.Errors != 0 || r.Cache.Gets == 0 {
		t.Fatalf("report=%+v, want 4 workers, no errors, some gets", r)
	}

	if r.Cache.Buffers != 0 || r.Cache.LRU != 0 || r.Cache.InFlight != 0 || r.Cache.DataLoss != 0 {
		t.Fatalf("cache not drained: %+v", r.Cache)
	}
}

func Test_Stress_Writes_CBOR_Report_When_Extension_Is_Cbor(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)
	c.MustRun("stress", "-w", "2", "-n", "50", "--space", "16", "--len", "2", "--stats-out", "report.cbor")

	var r report

	err := cbor.Unmarshal(c.ReadFile("report.cbor"), &r)
	if err != nil {
		t.Fatalf("decoding report: err=%v", err)
	}

	if r.Workers != 2 || r.Cache.Gets == 0 {
		t.Fatalf("report=%+v, want 2 workers and some gets", r)
	}
}

func Test_Stress_Survives_Injected_Faults_When_Chaos_Is_Set(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	stdout, stderr, code := c.Run("stress", "-w", "4", "-n", "200", "--space", "64", "--chaos", "0.05", "--seed", "3")
	if code != 0 {
		t.Fatalf("stress exit=%d\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}

	cli.AssertContains(t, stdout, "injected=")
	cli.AssertNotContains(t, stdout, "injected=0\n")
}

func Test_Stress_Fails_When_Range_Exceeds_Device(t *testing.T) {
	t.Parallel()

	c := newDeviceCLI(t)

	stderr := c.MustFail("stress", "--space", "600")
	cli.AssertContains(t, stderr, "do not fit")
}
