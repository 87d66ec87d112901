package shaders

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/glsl"
	"github.com/gogpu/naga/hlsl"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/msl"
	"github.com/gogpu/naga/spirv"
	"github.com/gogpu/naga/wgsl"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal"
)

type Profile string

const (
	ProfileWGSL  Profile = "wgsl"
	ProfileSPIRV Profile = "spirv"
	// ProfileHLSL63 is shader model 6.3, the first with DXR libraries.
	ProfileHLSL63 Profile = "hlsl_6_3"
	ProfileMSL    Profile = "msl"
	ProfileGLSL   Profile = "glsl"
)

func Profiles() []Profile {
	return []Profile{ProfileWGSL, ProfileSPIRV, ProfileHLSL63, ProfileMSL, ProfileGLSL}
}

// ParseProfile accepts a profile name in any case.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Profiles() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("shaders: unknown profile %q", s)
}

// CompileError is a shader that failed to compile. Line and Column are
// zero when the compiler reported no position.
type CompileError struct {
	Source  string
	Entry   string
	Profile Profile
	Line    int
	Column  int
	Err     error
}

func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "shaders: %s", e.Source)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
	}
	if e.Entry != "" {
		fmt.Fprintf(&b, " (%s, %s)", e.Entry, e.Profile)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *CompileError) Unwrap() error { return e.Err }

// Stages of the raytracing library exports, keyed by entry point name.
var rayStages = map[string]hal.ShaderStage{
	"RayGen":     hal.StageRayGeneration,
	"Miss":       hal.StageMiss,
	"ClosestHit": hal.StageClosestHit,
	"AnyHit":     hal.StageAnyHit,
}

type cacheKey struct {
	name, entry string
	profile     Profile
}

// Compiler turns WGSL into the code a backend consumes. Results are cached
// per source, entry point and profile.
type Compiler struct {
	log core.Logger

	mu    sync.Mutex
	cache map[cacheKey]hal.ShaderBlob
}

func NewCompiler(log core.Logger) *Compiler {
	return &Compiler{log: core.OrNop(log), cache: make(map[cacheKey]hal.ShaderBlob)}
}

// Compile compiles entry of the source called name, which is either an
// embedded source or a path to a .wgsl file.
func (c *Compiler) Compile(name, entry string, profile Profile) (hal.ShaderBlob, error) {
	key := cacheKey{name, entry, profile}
	c.mu.Lock()
	if b, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	src, err := c.load(name)
	if err != nil {
		return hal.ShaderBlob{}, &CompileError{Source: name, Entry: entry, Profile: profile, Err: err}
	}
	blob, err := compile(name, src, entry, profile)
	if err != nil {
		return hal.ShaderBlob{}, err
	}
	c.log.Debugf("shaders: %s %s -> %s (%d bytes)", name, entry, profile, len(blob.Code))

	c.mu.Lock()
	c.cache[key] = blob
	c.mu.Unlock()
	return blob, nil
}

func (c *Compiler) load(name string) (string, error) {
	if s, ok := Source(name); ok {
		return s, nil
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EntryPoints lists the entry point names declared by a source.
func (c *Compiler) EntryPoints(name string) ([]string, error) {
	src, err := c.load(name)
	if err != nil {
		return nil, &CompileError{Source: name, Err: err}
	}
	m, err := lower(name, src, "", "")
	if err != nil {
		return nil, err
	}
	out := make([]string, len(m.EntryPoints))
	for i, ep := range m.EntryPoints {
		out[i] = ep.Name
	}
	return out, nil
}

func lower(name, src, entry string, profile Profile) (*ir.Module, error) {
	fail := func(err error) error {
		ce := &CompileError{Source: name, Entry: entry, Profile: profile, Err: err}
		var pe wgsl.ParseError
		var se *wgsl.SourceError
		switch {
		case errors.As(err, &pe):
			ce.Line, ce.Column = pe.Line, pe.Column
		case errors.As(err, &se):
			ce.Line, ce.Column = se.Span.Start.Line, se.Span.Start.Column
		}
		return ce
	}
	ast, err := naga.Parse(src)
	if err != nil {
		return nil, fail(err)
	}
	m, err := naga.LowerWithSource(ast, src)
	if err != nil {
		return nil, fail(err)
	}
	return m, nil
}

func compile(name, src, entry string, profile Profile) (hal.ShaderBlob, error) {
	fail := func(err error) (hal.ShaderBlob, error) {
		return hal.ShaderBlob{}, &CompileError{Source: name, Entry: entry, Profile: profile, Err: err}
	}
	m, err := lower(name, src, entry, profile)
	if err != nil {
		return hal.ShaderBlob{}, err
	}
	var ep *ir.EntryPoint
	for i := range m.EntryPoints {
		if m.EntryPoints[i].Name == entry {
			ep = &m.EntryPoints[i]
			break
		}
	}
	if ep == nil {
		return fail(fmt.Errorf("no entry point %q", entry))
	}
	if verrs, err := naga.Validate(m); err != nil {
		return fail(err)
	} else if len(verrs) > 0 {
		return fail(&verrs[0])
	}

	blob := hal.ShaderBlob{Name: name, Entry: entry, Stage: stageOf(ep), Profile: string(profile)}
	switch profile {
	case ProfileWGSL:
		blob.Code = []byte(src)
	case ProfileSPIRV:
		code, err := naga.GenerateSPIRV(m, spirv.Options{Version: spirv.Version1_3})
		if err != nil {
			return fail(err)
		}
		blob.Code = code
	case ProfileHLSL63:
		opts := hlsl.DefaultOptions()
		opts.ShaderModel = hlsl.ShaderModel6_3
		opts.EntryPoint = entry
		code, _, err := hlsl.Compile(m, opts)
		if err != nil {
			return fail(err)
		}
		blob.Code = []byte(code)
	case ProfileMSL:
		code, _, err := msl.CompileWithPipeline(m, msl.DefaultOptions(), msl.PipelineOptions{
			EntryPoint: &msl.EntryPointSelector{Stage: ep.Stage, Name: entry},
		})
		if err != nil {
			return fail(err)
		}
		blob.Code = []byte(code)
	case ProfileGLSL:
		opts := glsl.DefaultOptions()
		opts.EntryPoint = entry
		code, _, err := glsl.Compile(m, opts)
		if err != nil {
			return fail(err)
		}
		blob.Code = []byte(code)
	default:
		return fail(fmt.Errorf("unknown profile %q", profile))
	}
	return blob, nil
}

func stageOf(ep *ir.EntryPoint) hal.ShaderStage {
	if s, ok := rayStages[ep.Name]; ok && ep.Stage == ir.StageCompute {
		return s
	}
	switch ep.Stage {
	case ir.StageVertex:
		return hal.StageVertex
	case ir.StageFragment:
		return hal.StagePixel
	}
	return hal.StageCompute
}
