package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chipTOML = `[Registers]
DAC_LDAC_LIN = 150
VCAL_HIGH = 1000

[Pixels]
tdac = 16
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestResolveTOMLPath(t *testing.T) {
	dir := t.TempDir()
	xmlPath := filepath.Join(dir, "hw", "CROC.xml")
	writeFile(t, xmlPath, `<?xml version="1.0"?>
<HwDescription>
  <BeBoard Id="0">
    <Hybrid Id="0">
      <CROC Id="15" Lane="0" configfile="CROC.toml"/>
      <CROC Id="14" Lane="1" configfile="second.toml"/>
    </Hybrid>
  </BeBoard>
</HwDescription>`)

	got, err := ResolveTOMLPath(xmlPath, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "CROC.toml"), got, "relative to the DAQ working directory, not the descriptor")

	got, err = ResolveTOMLPath(xmlPath, "")
	require.NoError(t, err)
	assert.Equal(t, "CROC.toml", got)
}

func TestResolveTOMLPath_Absolute(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "chips", "CROC.toml")
	xmlPath := filepath.Join(dir, "CROC.xml")
	writeFile(t, xmlPath, `<HwDescription><CROC Id="1" configfile="`+abs+`"/></HwDescription>`)

	got, err := ResolveTOMLPath(xmlPath, filepath.Join(dir, "work"))
	require.NoError(t, err)
	assert.Equal(t, abs, got)
}

func TestResolveTOMLPath_Errors(t *testing.T) {
	dir := t.TempDir()

	noCROC := filepath.Join(dir, "none.xml")
	writeFile(t, noCROC, `<HwDescription><BeBoard/></HwDescription>`)
	_, err := ResolveTOMLPath(noCROC, dir)
	assert.ErrorContains(t, err, "no CROC element")

	noAttr := filepath.Join(dir, "noattr.xml")
	writeFile(t, noAttr, `<HwDescription><CROC Id="1"/></HwDescription>`)
	_, err = ResolveTOMLPath(noAttr, dir)
	assert.ErrorContains(t, err, "no configfile")

	_, err = ResolveTOMLPath(filepath.Join(dir, "missing.xml"), dir)
	assert.Error(t, err)
}

func TestDocument_LoadSetSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CROC.toml")
	writeFile(t, path, chipTOML)

	doc, err := Load(path)
	require.NoError(t, err)

	v, ok := doc.Get("Registers", "DAC_LDAC_LIN")
	require.True(t, ok)
	assert.EqualValues(t, 150, v)

	require.NoError(t, doc.Set("Registers", "DAC_LDAC_LIN", 180))
	require.NoError(t, doc.Set("Extra", "flag", true))
	doc.Delete("Pixels", "tdac")
	require.NoError(t, doc.Save())

	again, err := Load(path)
	require.NoError(t, err)
	v, _ = again.Get("Registers", "DAC_LDAC_LIN")
	assert.EqualValues(t, 180, v)
	v, _ = again.Get("Extra", "flag")
	assert.Equal(t, true, v)
	_, ok = again.Get("Pixels", "tdac")
	assert.False(t, ok)
	assert.Subset(t, again.Tables(), []string{"Extra", "Registers"})

	_, err = os.Stat(path + ".bak")
	assert.NoError(t, err, "previous content kept as backup")
}

func TestDocument_SetOnScalarFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CROC.toml")
	writeFile(t, path, "title = \"chip\"\n")

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Error(t, doc.Set("title", "x", 1))
}

func TestDocument_RemoveTableIfEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CROC.toml")
	writeFile(t, path, chipTOML)

	doc, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, doc.Set("New", "k", 1))
	doc.Delete("New", "k")
	doc.RemoveTableIfEmpty("New")
	doc.RemoveTableIfEmpty("Registers")

	assert.False(t, doc.HasTable("New"))
	assert.True(t, doc.HasTable("Registers"))
}

func TestLoad_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CROC.toml")
	writeFile(t, path, "[Registers\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestCSVMatrix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tdac_preIrradiation.csv"), "1,2,3\n4, 5,6\n")

	r := CSVMatrix{BaseDir: dir}
	got, err := r.Resolve("tdac_preIrradiation.csv")
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 2, 3}, {4, 5, 6}}, got)

	scalar, err := r.Resolve(16)
	require.NoError(t, err)
	assert.Equal(t, 16, scalar)

	_, err = r.Resolve("missing.csv")
	assert.Error(t, err)

	writeFile(t, filepath.Join(dir, "bad.csv"), "1,x\n")
	_, err = r.Resolve("bad.csv")
	assert.Error(t, err)
}

func TestNewValueResolver(t *testing.T) {
	r, err := NewValueResolver("passthrough", "")
	require.NoError(t, err)
	v, err := r.Resolve("enable.csv")
	require.NoError(t, err)
	assert.Equal(t, "enable.csv", v)

	r, err = NewValueResolver("csv_matrix", "/tmp")
	require.NoError(t, err)
	assert.IsType(t, CSVMatrix{}, r)

	_, err = NewValueResolver("magic", "")
	assert.Error(t, err)
}
