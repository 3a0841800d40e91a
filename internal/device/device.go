package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Device names a compute device a model and its batches are placed on.
type Device string

// CPU is the host device. It is the only device with a working backend.
const CPU Device = "cpu"

// ErrUnsupported is returned when a tensor or model is moved to a device
// without a backend.
var ErrUnsupported = errors.New("device: no backend for device")

// Parse normalizes a device name. Empty input selects the CPU.
func Parse(s string) (Device, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return CPU, nil
	}
	kind, index, hasIndex := strings.Cut(name, ":")
	switch kind {
	case "cpu", "mps":
		if hasIndex {
			return "", errors.Errorf("device %q does not take an index", s)
		}
		return Device(kind), nil
	case "cuda":
		if !hasIndex {
			return "cuda:0", nil
		}
		n, err := strconv.Atoi(index)
		if err != nil || n < 0 {
			return "", errors.Errorf("invalid cuda ordinal in %q", s)
		}
		return Device(fmt.Sprintf("cuda:%d", n)), nil
	default:
		return "", errors.Errorf("unknown device %q", s)
	}
}

// IsCPU reports whether d refers to the host.
func (d Device) IsCPU() bool {
	return d == CPU || d == ""
}

func (d Device) String() string {
	if d == "" {
		return string(CPU)
	}
	return string(d)
}

// Place moves t onto d. Host tensors are returned as-is.
func Place(d Device, t *tensor.Dense) (*tensor.Dense, error) {
	if t == nil {
		return nil, errors.New("device: nil tensor")
	}
	if !d.IsCPU() {
		return nil, errors.Wrapf(ErrUnsupported, "place tensor on %s", d)
	}
	return t, nil
}

// Info describes the host CPU.
type Info struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512        bool
}

// Detect probes the host CPU.
func Detect() Info {
	return Info{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("cpu=%q physical=%d logical=%d avx2=%t avx512=%t",
		i.Brand, i.PhysicalCores, i.LogicalCores, i.AVX2, i.AVX512)
}
