package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/croc_campaign/internal/model"
)

const validCatalog = `schema_version: 1
file_type: task_catalog
tasks:
  - name: digital_scan
    type: Ph2_ACF
    config_file: CROC.xml
    tools: [digitalscan, analogscan]
    update_config: true
    timeout_sec: 300
    params:
      - table: Registers
        keys: [DAC_PREAMP_L_LIN, DAC_PREAMP_R_LIN]
        values: [300, 400]
        label: PREAMP
      - table: Pixels
        keys: [tdac]
        values: ["tdac_flat.csv"]
  - name: iv
    type: IV
    start_current: 0.1
    final_current: 2.5
    current_step: 0.1
  - name: vmon
    type: voltage_monitor
  - name: bias_scan
    type: curr_vs_DAC
    config_file: CROC.xml
    channel: 1
    readout_label: Iana
    params:
      - table: Registers
        keys: [PA_IN_BIAS_LIN]
        values: [100, 200, 300]
`

func TestParse_Valid(t *testing.T) {
	tasks, err := Parse([]byte(validCatalog))
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	run, ok := tasks[0].Spec.(model.ConfigToolRun)
	require.True(t, ok)
	assert.Equal(t, "digital_scan", tasks[0].Name)
	assert.Equal(t, []string{"digitalscan", "analogscan"}, run.Tools)
	assert.Equal(t, 300*time.Second, run.Timeout)
	assert.True(t, run.UpdateConfig)
	require.Len(t, run.Params, 2)
	assert.Equal(t, "PREAMP", run.Params[0].ColumnLabel())
	assert.Equal(t, []any{300, 400}, run.Params[0].Values)
	assert.Equal(t, []any{"tdac_flat.csv"}, run.Params[1].Values)

	iv, ok := tasks[1].Spec.(model.CurrentVoltageSweep)
	require.True(t, ok)
	assert.Equal(t, 0.1, iv.CurrentStep)

	assert.Equal(t, model.KindVoltageMonitor, tasks[2].Kind())

	ss, ok := tasks[3].Spec.(model.SettingSweepWithCurrentReadout)
	require.True(t, ok)
	assert.Equal(t, 1, ss.Channel)
	assert.Equal(t, "Iana", ss.ReadoutLabel)
}

func TestParse_CollectsAllErrors(t *testing.T) {
	doc := `schema_version: 1
file_type: task_catalog
tasks:
  - name: a
    type: Ph2_ACF
  - name: a
    type: laser_scan
  - name: c
    type: IV
  - name: d
    type: curr_vs_DAC
    config_file: x.xml
    params:
      - table: Registers
        keys: []
        values: [1]
`
	_, err := Parse([]byte(doc))
	var ve *ValidationErrors
	require.True(t, errors.As(err, &ve))

	fields := map[string]bool{}
	for _, e := range ve.Errors {
		fields[e.FieldPath] = true
	}
	assert.True(t, fields["tasks[0].config_file"])
	assert.True(t, fields["tasks[0].tools"])
	assert.True(t, fields["tasks[1].name"], "duplicate name")
	assert.True(t, fields["tasks[1].type"], "unknown kind rejected at load")
	assert.True(t, fields["tasks[2].current_step"])
	assert.True(t, fields["tasks[3].channel"])
	assert.True(t, fields["tasks[3].params[0].keys"])
	assert.Contains(t, ve.FormatStderr(), "error: tasks[1].type: unknown task type \"laser_scan\"")
}

func TestParse_Header(t *testing.T) {
	_, err := Parse([]byte("schema_version: 1\nfile_type: state_campaign\ntasks: []\n"))
	assert.ErrorContains(t, err, "file_type mismatch")

	_, err = Parse([]byte("file_type: task_catalog\n"))
	assert.Error(t, err)
}

func TestLoad_SetsFileName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: 1\nfile_type: task_catalog\ntasks: []\n"), 0644))

	_, err := Load(path)
	var ve *ValidationErrors
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "broken.yaml", ve.File)
	assert.Contains(t, ve.Error(), "broken.yaml: tasks: must contain at least one task")
}

func TestPath(t *testing.T) {
	assert.Equal(t, "/c/catalogs/irradiation_base.yaml", Path("/c", "irradiation_base"))
	assert.Equal(t, "/c/catalogs/post.yml", Path("/c", "post.yml"))
	assert.Equal(t, "/c/extra/x.yaml", Path("/c", "extra/x.yaml"))
	assert.Equal(t, "/abs/x.yaml", Path("/c", "/abs/x.yaml"))
}

func TestWatcher_MarksChangedCatalog(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "base.yaml")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(watched, []byte(validCatalog), 0644))

	w, err := NewWatcher(nil, watched)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Close()

	require.NoError(t, os.WriteFile(other, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(watched, []byte(validCatalog+"\n"), 0644))

	assert.Eventually(t, func() bool { return w.Changed(watched) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, w.Changed(other))
}
