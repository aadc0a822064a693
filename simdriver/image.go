package simdriver

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// imageMagic is the first field of every simulator image.
const imageMagic = "gocuda.sim.image/v1"

// Field numbers of the image encoding.
const (
	fieldMagic        protowire.Number = 1
	fieldComputeMajor protowire.Number = 2
	fieldComputeMinor protowire.Number = 3
	fieldKernel       protowire.Number = 4
	fieldGlobal       protowire.Number = 5

	fieldName      protowire.Number = 1
	fieldParamSize protowire.Number = 2
	fieldSize      protowire.Number = 2
	fieldInit      protowire.Number = 3
)

// Image is the module image format understood by the simulator: the equivalent of a cubin for a real GPU.
//
// It is encoded with the protocol buffers wire format, with no schema file: field 1 is a magic string,
// fields 2 and 3 the target compute capability, and fields 4 and 5 are repeated kernel and global
// declarations.
type Image struct {
	ComputeMajor, ComputeMinor int
	Kernels                    []KernelDecl
	Globals                    []GlobalDecl
}

// KernelDecl declares a kernel entry point. The implementation is looked up by name in the registered kernels
// (see RegisterKernel) when the image is loaded.
type KernelDecl struct {
	Name string

	// ParamSize is the size in bytes of the packed parameters. If negative, it is not declared and
	// launches are not checked.
	ParamSize int
}

// GlobalDecl declares a module global variable of Size bytes, initialized with Init (zero padded).
type GlobalDecl struct {
	Name string
	Size uint64
	Init []byte
}

// Marshal encodes the image.
func (img *Image) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMagic, protowire.BytesType)
	b = protowire.AppendString(b, imageMagic)
	b = protowire.AppendTag(b, fieldComputeMajor, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(img.ComputeMajor))
	b = protowire.AppendTag(b, fieldComputeMinor, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(img.ComputeMinor))
	for _, k := range img.Kernels {
		var kb []byte
		kb = protowire.AppendTag(kb, fieldName, protowire.BytesType)
		kb = protowire.AppendString(kb, k.Name)
		if k.ParamSize >= 0 {
			kb = protowire.AppendTag(kb, fieldParamSize, protowire.VarintType)
			kb = protowire.AppendVarint(kb, uint64(k.ParamSize))
		}
		b = protowire.AppendTag(b, fieldKernel, protowire.BytesType)
		b = protowire.AppendBytes(b, kb)
	}
	for _, g := range img.Globals {
		var gb []byte
		gb = protowire.AppendTag(gb, fieldName, protowire.BytesType)
		gb = protowire.AppendString(gb, g.Name)
		gb = protowire.AppendTag(gb, fieldSize, protowire.VarintType)
		gb = protowire.AppendVarint(gb, g.Size)
		if len(g.Init) > 0 {
			gb = protowire.AppendTag(gb, fieldInit, protowire.BytesType)
			gb = protowire.AppendBytes(gb, g.Init)
		}
		b = protowire.AppendTag(b, fieldGlobal, protowire.BytesType)
		b = protowire.AppendBytes(b, gb)
	}
	return b
}

// ParseImage decodes and validates an image encoded with Image.Marshal.
func ParseImage(data []byte) (*Image, error) {
	img := &Image{}
	first := true
	kernelNames := make(map[string]bool)
	globalNames := make(map[string]bool)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "malformed image")
		}
		data = data[n:]
		if first {
			if num != fieldMagic || typ != protowire.BytesType {
				return nil, errors.New("not a simulator image: missing magic")
			}
		}
		switch {
		case num == fieldMagic && typ == protowire.BytesType:
			magic, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "malformed image magic")
			}
			if magic != imageMagic {
				return nil, errors.Errorf("not a simulator image: magic %q", magic)
			}
			data = data[n:]
		case num == fieldComputeMajor && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "malformed compute capability")
			}
			img.ComputeMajor = int(v)
			data = data[n:]
		case num == fieldComputeMinor && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "malformed compute capability")
			}
			img.ComputeMinor = int(v)
			data = data[n:]
		case num == fieldKernel && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "malformed kernel declaration")
			}
			data = data[n:]
			k, err := parseKernelDecl(msg)
			if err != nil {
				return nil, err
			}
			if kernelNames[k.Name] {
				return nil, errors.Errorf("kernel %q declared twice", k.Name)
			}
			kernelNames[k.Name] = true
			img.Kernels = append(img.Kernels, k)
		case num == fieldGlobal && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "malformed global declaration")
			}
			data = data[n:]
			g, err := parseGlobalDecl(msg)
			if err != nil {
				return nil, err
			}
			if globalNames[g.Name] {
				return nil, errors.Errorf("global %q declared twice", g.Name)
			}
			globalNames[g.Name] = true
			img.Globals = append(img.Globals, g)
		default:
			// Unknown fields are skipped, for forward compatibility.
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "malformed image field %d", num)
			}
			data = data[n:]
		}
		first = false
	}
	if first {
		return nil, errors.New("empty image")
	}
	return img, nil
}

func parseKernelDecl(data []byte) (KernelDecl, error) {
	k := KernelDecl{ParamSize: -1}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return k, errors.Wrap(protowire.ParseError(n), "malformed kernel declaration")
		}
		data = data[n:]
		switch {
		case num == fieldName && typ == protowire.BytesType:
			k.Name, n = protowire.ConsumeString(data)
		case num == fieldParamSize && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			k.ParamSize = int(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return k, errors.Wrap(protowire.ParseError(n), "malformed kernel declaration")
		}
		data = data[n:]
	}
	if k.Name == "" {
		return k, errors.New("kernel declaration without a name")
	}
	return k, nil
}

func parseGlobalDecl(data []byte) (GlobalDecl, error) {
	var g GlobalDecl
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return g, errors.Wrap(protowire.ParseError(n), "malformed global declaration")
		}
		data = data[n:]
		switch {
		case num == fieldName && typ == protowire.BytesType:
			g.Name, n = protowire.ConsumeString(data)
		case num == fieldSize && typ == protowire.VarintType:
			g.Size, n = protowire.ConsumeVarint(data)
		case num == fieldInit && typ == protowire.BytesType:
			var init []byte
			init, n = protowire.ConsumeBytes(data)
			g.Init = append([]byte(nil), init...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return g, errors.Wrap(protowire.ParseError(n), "malformed global declaration")
		}
		data = data[n:]
	}
	if g.Name == "" {
		return g, errors.New("global declaration without a name")
	}
	if g.Size == 0 {
		return g, errors.Errorf("global %q declared with size 0", g.Name)
	}
	if uint64(len(g.Init)) > g.Size {
		return g, errors.Errorf("global %q has %d bytes of initial value, but only %d bytes of size",
			g.Name, len(g.Init), g.Size)
	}
	return g, nil
}
