package hal

import "fmt"

type ShaderStage uint8

const (
	StageRayGeneration ShaderStage = iota
	StageMiss
	StageClosestHit
	StageAnyHit
	StageIntersection
	StageVertex
	StagePixel
	StageCompute
)

func (s ShaderStage) String() string {
	switch s {
	case StageRayGeneration:
		return "raygeneration"
	case StageMiss:
		return "miss"
	case StageClosestHit:
		return "closesthit"
	case StageAnyHit:
		return "anyhit"
	case StageIntersection:
		return "intersection"
	case StageVertex:
		return "vertex"
	case StagePixel:
		return "pixel"
	case StageCompute:
		return "compute"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// ShaderBlob is compiled shader code for one entry point.
type ShaderBlob struct {
	Name    string
	Entry   string
	Stage   ShaderStage
	Profile string
	Code    []byte
}

type SubobjectType uint8

const (
	SubobjectDXILLibrary SubobjectType = iota
	SubobjectHitGroup
	SubobjectShaderConfig
	SubobjectExportAssociation
	SubobjectLocalRootSignature
	SubobjectGlobalRootSignature
	SubobjectPipelineConfig
)

func (t SubobjectType) String() string {
	switch t {
	case SubobjectDXILLibrary:
		return "DXIL_LIBRARY"
	case SubobjectHitGroup:
		return "HIT_GROUP"
	case SubobjectShaderConfig:
		return "RAYTRACING_SHADER_CONFIG"
	case SubobjectExportAssociation:
		return "SUBOBJECT_TO_EXPORTS_ASSOCIATION"
	case SubobjectLocalRootSignature:
		return "LOCAL_ROOT_SIGNATURE"
	case SubobjectGlobalRootSignature:
		return "GLOBAL_ROOT_SIGNATURE"
	case SubobjectPipelineConfig:
		return "RAYTRACING_PIPELINE_CONFIG"
	}
	return fmt.Sprintf("subobject(%d)", uint8(t))
}

type DXILLibrary struct {
	Blob    ShaderBlob
	Exports []string
}

type HitGroupDesc struct {
	Name         string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

type ShaderConfig struct {
	MaxPayloadSize   uint32
	MaxAttributeSize uint32
}

// ExportAssociation binds the subobject at index Subobject to Exports.
type ExportAssociation struct {
	Subobject int
	Exports   []string
}

type PipelineConfig struct {
	MaxTraceRecursionDepth uint32
}

// Subobject carries exactly one payload selected by Type.
type Subobject struct {
	Type           SubobjectType
	Library        *DXILLibrary
	HitGroup       *HitGroupDesc
	ShaderConfig   *ShaderConfig
	Association    *ExportAssociation
	RootSignature  *RootSignature
	PipelineConfig *PipelineConfig
}

type StateObjectDesc struct {
	Label      string
	Subobjects []Subobject
}

func (d *StateObjectDesc) add(s Subobject) int {
	d.Subobjects = append(d.Subobjects, s)
	return len(d.Subobjects) - 1
}

// AddLibrary adds a library exporting the blob's entry point under name.
func (d *StateObjectDesc) AddLibrary(blob ShaderBlob, exports ...string) int {
	if len(exports) == 0 {
		exports = []string{blob.Entry}
	}
	return d.add(Subobject{Type: SubobjectDXILLibrary, Library: &DXILLibrary{Blob: blob, Exports: exports}})
}

func (d *StateObjectDesc) AddHitGroup(hg HitGroupDesc) int {
	return d.add(Subobject{Type: SubobjectHitGroup, HitGroup: &hg})
}

func (d *StateObjectDesc) AddShaderConfig(maxPayload, maxAttribute uint32) int {
	return d.add(Subobject{Type: SubobjectShaderConfig, ShaderConfig: &ShaderConfig{MaxPayloadSize: maxPayload, MaxAttributeSize: maxAttribute}})
}

func (d *StateObjectDesc) AddExportAssociation(subobject int, exports ...string) int {
	return d.add(Subobject{Type: SubobjectExportAssociation, Association: &ExportAssociation{Subobject: subobject, Exports: exports}})
}

func (d *StateObjectDesc) AddLocalRootSignature(rs *RootSignature) int {
	return d.add(Subobject{Type: SubobjectLocalRootSignature, RootSignature: rs})
}

func (d *StateObjectDesc) AddGlobalRootSignature(rs *RootSignature) int {
	return d.add(Subobject{Type: SubobjectGlobalRootSignature, RootSignature: rs})
}

func (d *StateObjectDesc) AddPipelineConfig(maxRecursion uint32) int {
	return d.add(Subobject{Type: SubobjectPipelineConfig, PipelineConfig: &PipelineConfig{MaxTraceRecursionDepth: maxRecursion}})
}

func (d *StateObjectDesc) Types() []SubobjectType {
	out := make([]SubobjectType, len(d.Subobjects))
	for i, s := range d.Subobjects {
		out[i] = s.Type
	}
	return out
}

// ShaderExports returns every library export with the stage of its blob.
func (d *StateObjectDesc) ShaderExports() map[string]ShaderStage {
	out := make(map[string]ShaderStage)
	for _, s := range d.Subobjects {
		if s.Type == SubobjectDXILLibrary && s.Library != nil {
			for _, e := range s.Library.Exports {
				out[e] = s.Library.Blob.Stage
			}
		}
	}
	return out
}

// Exports returns the names a shader identifier can be queried for: library
// exports other than hit group members, then hit groups.
func (d *StateObjectDesc) Exports() []string {
	var out []string
	for _, s := range d.Subobjects {
		if s.Type == SubobjectDXILLibrary && s.Library != nil {
			out = append(out, s.Library.Exports...)
		}
	}
	for _, s := range d.Subobjects {
		if s.Type == SubobjectHitGroup && s.HitGroup != nil {
			out = append(out, s.HitGroup.Name)
		}
	}
	return out
}

func (d *StateObjectDesc) HitGroup(name string) (HitGroupDesc, bool) {
	for _, s := range d.Subobjects {
		if s.Type == SubobjectHitGroup && s.HitGroup != nil && s.HitGroup.Name == name {
			return *s.HitGroup, true
		}
	}
	return HitGroupDesc{}, false
}

// LocalRootSignatureFor returns the local root signature associated with
// export, or nil.
func (d *StateObjectDesc) LocalRootSignatureFor(export string) *RootSignature {
	for _, s := range d.Subobjects {
		if s.Type != SubobjectExportAssociation || s.Association == nil {
			continue
		}
		a := s.Association
		if a.Subobject < 0 || a.Subobject >= len(d.Subobjects) {
			continue
		}
		target := d.Subobjects[a.Subobject]
		if target.Type != SubobjectLocalRootSignature {
			continue
		}
		for _, e := range a.Exports {
			if e == export {
				return target.RootSignature
			}
		}
	}
	return nil
}

func (d *StateObjectDesc) GlobalRootSignature() *RootSignature {
	for _, s := range d.Subobjects {
		if s.Type == SubobjectGlobalRootSignature {
			return s.RootSignature
		}
	}
	return nil
}

func (d *StateObjectDesc) PipelineConfig() (PipelineConfig, bool) {
	for _, s := range d.Subobjects {
		if s.Type == SubobjectPipelineConfig && s.PipelineConfig != nil {
			return *s.PipelineConfig, true
		}
	}
	return PipelineConfig{}, false
}

// Validate checks the structural rules a device enforces at creation.
func (d *StateObjectDesc) Validate(caps Caps) error {
	const op = "CreateStateObject"
	names := make(map[string]bool)
	shaders := d.ShaderExports()
	for _, s := range d.Subobjects {
		if s.Type != SubobjectDXILLibrary {
			continue
		}
		if s.Library == nil || len(s.Library.Exports) == 0 {
			return errorf(op, ErrInvalidArgument, "%q: library without exports", d.Label)
		}
		for _, e := range s.Library.Exports {
			if names[e] {
				return errorf(op, ErrInvalidArgument, "%q: duplicate export %q", d.Label, e)
			}
			names[e] = true
		}
	}
	pipelineConfigs, shaderConfigs := 0, 0
	for i, s := range d.Subobjects {
		switch s.Type {
		case SubobjectDXILLibrary:
		case SubobjectHitGroup:
			hg := s.HitGroup
			if hg == nil || hg.Name == "" {
				return errorf(op, ErrInvalidArgument, "%q: subobject %d: unnamed hit group", d.Label, i)
			}
			if names[hg.Name] {
				return errorf(op, ErrInvalidArgument, "%q: duplicate export %q", d.Label, hg.Name)
			}
			names[hg.Name] = true
			if hg.ClosestHit == "" && hg.AnyHit == "" {
				return errorf(op, ErrInvalidArgument, "%q: hit group %q has no shaders", d.Label, hg.Name)
			}
			for _, member := range []struct {
				name  string
				stage ShaderStage
			}{{hg.ClosestHit, StageClosestHit}, {hg.AnyHit, StageAnyHit}, {hg.Intersection, StageIntersection}} {
				if member.name == "" {
					continue
				}
				st, ok := shaders[member.name]
				if !ok {
					return errorf(op, ErrInvalidArgument, "%q: hit group %q references unknown export %q", d.Label, hg.Name, member.name)
				}
				if st != member.stage {
					return errorf(op, ErrInvalidArgument, "%q: hit group %q: %q is a %s shader, want %s", d.Label, hg.Name, member.name, st, member.stage)
				}
			}
		case SubobjectShaderConfig:
			if s.ShaderConfig == nil || s.ShaderConfig.MaxPayloadSize == 0 {
				return errorf(op, ErrInvalidArgument, "%q: subobject %d: shader config without payload size", d.Label, i)
			}
			shaderConfigs++
		case SubobjectExportAssociation:
			a := s.Association
			if a == nil || a.Subobject < 0 || a.Subobject >= i {
				return errorf(op, ErrInvalidArgument, "%q: subobject %d: association must reference an earlier subobject", d.Label, i)
			}
			target := d.Subobjects[a.Subobject].Type
			if target != SubobjectShaderConfig && target != SubobjectLocalRootSignature {
				return errorf(op, ErrInvalidArgument, "%q: subobject %d: cannot associate a %s", d.Label, i, target)
			}
		case SubobjectLocalRootSignature, SubobjectGlobalRootSignature:
			if s.RootSignature == nil {
				return errorf(op, ErrInvalidArgument, "%q: subobject %d: nil root signature", d.Label, i)
			}
			if s.RootSignature.Local() != (s.Type == SubobjectLocalRootSignature) {
				return errorf(op, ErrInvalidArgument, "%q: subobject %d: root signature %q has the wrong local flag", d.Label, i, s.RootSignature.Label())
			}
		case SubobjectPipelineConfig:
			if s.PipelineConfig == nil {
				return errorf(op, ErrInvalidArgument, "%q: subobject %d: nil pipeline config", d.Label, i)
			}
			if s.PipelineConfig.MaxTraceRecursionDepth > caps.MaxTraceRecursionDepth {
				return errorf(op, ErrInvalidArgument, "%q: recursion depth %d exceeds %d", d.Label, s.PipelineConfig.MaxTraceRecursionDepth, caps.MaxTraceRecursionDepth)
			}
			pipelineConfigs++
		default:
			return errorf(op, ErrInvalidArgument, "%q: subobject %d: unknown type %d", d.Label, i, s.Type)
		}
	}
	for i, s := range d.Subobjects {
		if s.Type != SubobjectExportAssociation {
			continue
		}
		for _, e := range s.Association.Exports {
			if !names[e] {
				return errorf(op, ErrInvalidArgument, "%q: subobject %d: association to unknown export %q", d.Label, i, e)
			}
		}
	}
	if shaderConfigs != 1 {
		return errorf(op, ErrInvalidArgument, "%q: want one shader config, have %d", d.Label, shaderConfigs)
	}
	if pipelineConfigs != 1 {
		return errorf(op, ErrInvalidArgument, "%q: want one pipeline config, have %d", d.Label, pipelineConfigs)
	}
	return nil
}

// StateObject is a compiled raytracing pipeline.
type StateObject interface {
	Resource
	// ShaderIdentifier returns the opaque identifier of a shader or hit group
	// export. Its length is Caps.ShaderIdentifierSize.
	ShaderIdentifier(export string) ([]byte, error)
}

type InputElement struct {
	Semantic string
	Format   Format
	Offset   uint32
}

type GraphicsPipelineDesc struct {
	Label         string
	RootSignature *RootSignature
	VS            ShaderBlob
	PS            ShaderBlob
	InputLayout   []InputElement
	RTVFormat     Format
	DepthTest     bool
	CullBackFaces bool
}

type GraphicsPipeline interface {
	Resource
	Desc() GraphicsPipelineDesc
}
