package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/treeline/internal/config"
	"github.com/conneroisu/treeline/internal/logging"
	"github.com/conneroisu/treeline/internal/router"
)

var testSite = map[string]string{
	"lib/Base.hcl": `
controller {
  title = "${child} | Site"
}
`,
	"lib/Base.css":    `body { margin: 0; }`,
	"public/Home.hcl": "Base = lib.Base\n\ncontroller {\n  parent = Base\n}\n",
	"public/Home.css": `h1 { color: red; }`,
	"public/about/About.hcl": `
controller {
  body = "<h1>About</h1>"
}
`,
	"public/__id__/Item.hcl": `
controller {
  body = "item"
}
`,
}

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

// useSite points the global configuration at a fresh site.
func useSite(t *testing.T, files map[string]string) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("modules.root", writeSite(t, files))
	viper.Set("logging.level", "error")
}

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)
	c.SetContext(context.Background())
	return c, &out
}

func TestRoutesTable(t *testing.T) {
	useSite(t, testSite)
	routesFormat = formatTable

	c, out := testCommand()
	require.NoError(t, runRoutes(c, nil))
	assert.Contains(t, out.String(), "PATTERN")
	assert.Contains(t, out.String(), "public.about.About")
	assert.Contains(t, out.String(), "/{__id__}")
}

func TestRoutesYAML(t *testing.T) {
	useSite(t, testSite)
	routesFormat = formatYAML
	defer func() { routesFormat = formatTable }()

	c, out := testCommand()
	require.NoError(t, runRoutes(c, nil))

	var routes []router.Route
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &routes))
	patterns := map[string]string{}
	for _, r := range routes {
		patterns[r.Pattern] = r.Module
	}
	assert.Equal(t, map[string]string{
		"/":         "public.Home",
		"/about":    "public.about.About",
		"/{__id__}": "public.__id__.Item",
	}, patterns)
}

func TestCheck(t *testing.T) {
	broken := map[string]string{
		"public/Home.hcl": "Missing = lib.Nothing\n\ncontroller {}\n",
	}
	cyclic := map[string]string{
		"lib/A.hcl":       "B = lib.B\n\nexport = B\n",
		"lib/B.hcl":       "A = lib.A\n\nexport = A\n",
		"public/Home.hcl": "controller {}\n",
	}
	conflicting := map[string]string{
		"public/__a__/A.hcl": "controller {}\n",
		"public/__b__/B.hcl": "controller {}\n",
	}

	tests := []struct {
		name    string
		files   map[string]string
		wantErr bool
	}{
		{name: "clean site", files: testSite},
		{name: "unresolved reference", files: broken, wantErr: true},
		{name: "static cycle", files: cyclic, wantErr: true},
		{name: "unreachable URL argument", files: conflicting, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useSite(t, tt.files)
			checkFormat = formatJSON
			defer func() { checkFormat = formatTable }()

			c, out := testCommand()
			err := runCheck(c, nil)

			var report struct {
				Problems []map[string]any `json:"problems"`
				Modules  int              `json:"modules"`
			}
			require.NoError(t, json.Unmarshal(out.Bytes(), &report))
			assert.NotZero(t, report.Modules)
			if tt.wantErr {
				assert.Error(t, err)
				assert.NotEmpty(t, report.Problems)
				return
			}
			assert.NoError(t, err)
			assert.Empty(t, report.Problems)
		})
	}
}

func TestCheckTableReportsOK(t *testing.T) {
	useSite(t, testSite)
	checkFormat = formatTable

	c, out := testCommand()
	require.NoError(t, runCheck(c, nil))
	assert.Contains(t, out.String(), "modules OK")
}

func TestBundlesJSON(t *testing.T) {
	useSite(t, testSite)
	bundlesFormat = formatJSON
	defer func() { bundlesFormat = formatTable }()

	c, out := testCommand()
	require.NoError(t, runBundles(c, nil))

	var report planReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))

	pages := map[string][]string{}
	for _, p := range report.Pages {
		pages[p.Pattern] = p.Bundles
	}
	assert.Equal(t, []string{"lib.Base", "public.Home"}, pages["/"])
	assert.Empty(t, pages["/about"])
}

func TestVersionFormats(t *testing.T) {
	defer func() { versionFormat, versionShort = "text", false }()

	versionFormat = formatJSON
	c, out := testCommand()
	require.NoError(t, runVersion(c, nil))
	var info map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.NotEmpty(t, info["version"])
	assert.NotEmpty(t, info["go_version"])

	versionFormat, versionShort = "text", true
	c, out = testCommand()
	require.NoError(t, runVersion(c, nil))
	assert.NotEmpty(t, out.String())
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, validateFormat("JSON", reportFormats))
	assert.NoError(t, validateFormat("table", reportFormats))
	assert.Error(t, validateFormat("csv", reportFormats))
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		port    string
		wantErr bool
	}{
		{"8080", false},
		{"1", false},
		{"65535", false},
		{"0", true},
		{"65536", true},
		{"http", true},
	}
	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			err := ValidatePort(tt.port)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFormatFlagRejectsUnknown(t *testing.T) {
	var format string
	c := &cobra.Command{Use: "x"}
	addFormatFlag(c, &format, formatTable, reportFormats)

	assert.Error(t, c.Flags().Set("format", "csv"))
	require.NoError(t, c.Flags().Set("format", "yaml"))
	assert.Equal(t, "yaml", format)
}

func TestNewLoggerCopiesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treeline.log")
	v := viper.New()
	v.Set("modules.root", writeSite(t, testSite))
	v.Set("logging.file", path)
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)

	logger, closeLog, err := newLogger(cfg)
	require.NoError(t, err)
	logger.WithComponent("cmd").Info(context.Background(), "file record")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &record))
	assert.Equal(t, "file record", record["msg"])
	assert.Equal(t, "cmd", record["component"])
}

func TestNewLoggerWithoutFile(t *testing.T) {
	v := viper.New()
	v.Set("modules.root", writeSite(t, testSite))
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)

	logger, closeLog, err := newLogger(cfg)
	require.NoError(t, err)
	defer closeLog()
	_, multi := logger.(logging.MultiLogger)
	assert.False(t, multi)
}
