package shaders

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtframe/rt/hal"
)

func TestEmbeddedEntryPoints(t *testing.T) {
	c := NewCompiler(nil)
	assert.Equal(t, []string{Blit, Raster, Raytrace}, Embedded())

	eps, err := c.EntryPoints(Raytrace)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"RayGen", "Miss", "ClosestHit"}, eps)

	eps, err = c.EntryPoints(Raster)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vs_main", "fs_main"}, eps)
}

func TestCompileSPIRV(t *testing.T) {
	c := NewCompiler(nil)
	b, err := c.Compile(Blit, "vs_main", ProfileSPIRV)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(b.Code), 20)
	assert.Equal(t, uint32(0x07230203), binary.LittleEndian.Uint32(b.Code))
	assert.Equal(t, hal.StageVertex, b.Stage)
	assert.Equal(t, "spirv", b.Profile)

	again, err := c.Compile(Blit, "vs_main", ProfileSPIRV)
	require.NoError(t, err)
	assert.Equal(t, &b.Code[0], &again.Code[0], "served from cache")

	fs, err := c.Compile(Blit, "fs_main", ProfileWGSL)
	require.NoError(t, err)
	assert.Equal(t, hal.StagePixel, fs.Stage)
	assert.Equal(t, BlitWGSL, string(fs.Code))
}

func TestRaytraceEntriesCarryTheirStage(t *testing.T) {
	c := NewCompiler(nil)
	for entry, stage := range map[string]hal.ShaderStage{
		"RayGen":     hal.StageRayGeneration,
		"Miss":       hal.StageMiss,
		"ClosestHit": hal.StageClosestHit,
	} {
		b, err := c.Compile(Raytrace, entry, ProfileWGSL)
		require.NoError(t, err, entry)
		assert.Equal(t, stage, b.Stage, entry)
	}
}

func TestCompileErrors(t *testing.T) {
	c := NewCompiler(nil)
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.wgsl")
	require.NoError(t, os.WriteFile(bad, []byte("@vertex\nfn main( -> @builtin(position) vec4<f32> {\n    return vec4<f32>(0.0);\n}\n"), 0o644))

	_, err := c.Compile(bad, "main", ProfileSPIRV)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, bad, ce.Source)
	assert.Positive(t, ce.Line)
	assert.Contains(t, ce.Error(), "bad.wgsl:")

	_, err = c.Compile(Blit, "nope", ProfileSPIRV)
	require.True(t, errors.As(err, &ce))
	assert.ErrorContains(t, err, `no entry point "nope"`)

	_, err = c.Compile(filepath.Join(dir, "missing.wgsl"), "main", ProfileWGSL)
	require.True(t, errors.As(err, &ce))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = c.Compile(Blit, "vs_main", Profile("dxil"))
	assert.ErrorContains(t, err, "unknown profile")
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile(" HLSL_6_3 ")
	require.NoError(t, err)
	assert.Equal(t, ProfileHLSL63, p)
	_, err = ParseProfile("dxil")
	assert.Error(t, err)
}
