//go:build linux

package power

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

const (
	msrKmodName   = "msr"
	cpuidKmodName = "cpuid"
	msrFilename   = "msr"
	cpuidFilename = "cpuid"

	// IA32_TIME_STAMP_COUNTER, the cycle counter behind CycleCounter
	msrTimeStampCounter uint32 = 0x00000010

	msrRegSize   = 8
	cpuidRegSize = 16
)

// openHardware opens the msr and cpuid devices of conf.CPU
func openHardware(conf LibConfig) (*Hardware, error) {
	msr, err := openMSRDevice(conf.DevPath, conf.CPU)
	if err != nil {
		return nil, withModuleHint(err, conf.ModulePath, msrKmodName)
	}
	cpuid, err := openCPUIDDevice(conf.DevPath, conf.CPU)
	if err != nil {
		return nil, errors.Join(withModuleHint(err, conf.ModulePath, cpuidKmodName), msr.close())
	}

	hw := &Hardware{
		MSR:        msr,
		CPUID:      cpuid,
		Interrupts: &affinityMasker{cpu: conf.CPU},
		Cycles:     tscCounter{dev: msr},
		Busy:       NewLoopBusyWaiter(),
		Spinner:    NewBusySpinner(clock.RealClock{}),
		Clock:      clock.RealClock{},
		closers:    []func() error{msr.close, cpuid.close},
	}
	log.V(4).Info("hardware opened", "cpu", conf.CPU, "devPath", conf.DevPath)
	return hw, nil
}

func withModuleHint(err error, modulePath, module string) error {
	if !checkKernelModuleLoaded(modulePath, module) {
		return fmt.Errorf("kernel module %s not loaded: %w", module, err)
	}
	return err
}

// checkKernelModuleLoaded looks for module in a /proc/modules formatted file.
// Drivers built into the kernel are not listed there.
func checkKernelModuleLoaded(modulePath, module string) bool {
	modulesFile, err := os.Open(modulePath)
	if err != nil {
		return false
	}
	defer modulesFile.Close()

	reader := bufio.NewScanner(modulesFile)
	for reader.Scan() {
		fields := strings.Fields(reader.Text())
		if len(fields) > 0 && fields[0] == module {
			return true
		}
	}
	return false
}

// msrDevice accesses /dev/cpu/N/msr, the file offset selects the register
type msrDevice struct {
	cpu uint
	fd  int
}

func openMSRDevice(devPath string, cpu uint) (*msrDevice, error) {
	path := filepath.Join(devPath, strconv.FormatUint(uint64(cpu), 10), msrFilename)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open MSR file for CPU %d: %w", cpu, &os.PathError{Op: "open", Path: path, Err: err})
	}
	return &msrDevice{cpu: cpu, fd: fd}, nil
}

func (d *msrDevice) ReadMSR(addr uint32) (uint64, error) {
	buf := make([]byte, msrRegSize)
	n, err := unix.Pread(d.fd, buf, int64(addr))
	if err != nil {
		return 0, fmt.Errorf("failed to read MSR %#x of CPU %d: %w", addr, d.cpu, err)
	}
	if n != msrRegSize {
		return 0, fmt.Errorf("short read of MSR %#x of CPU %d: %d bytes", addr, d.cpu, n)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (d *msrDevice) WriteMSR(addr uint32, value uint64) error {
	buf := make([]byte, msrRegSize)
	binary.LittleEndian.PutUint64(buf, value)
	n, err := unix.Pwrite(d.fd, buf, int64(addr))
	if err != nil {
		return fmt.Errorf("failed to write MSR %#x of CPU %d: %w", addr, d.cpu, err)
	}
	if n != msrRegSize {
		return fmt.Errorf("short write of MSR %#x of CPU %d: %d bytes", addr, d.cpu, n)
	}
	return nil
}

func (d *msrDevice) close() error {
	return unix.Close(d.fd)
}

// cpuidDevice accesses /dev/cpu/N/cpuid: offset low 32 bits are the leaf, high 32 the subleaf
type cpuidDevice struct {
	cpu uint
	fd  int
}

func openCPUIDDevice(devPath string, cpu uint) (*cpuidDevice, error) {
	path := filepath.Join(devPath, strconv.FormatUint(uint64(cpu), 10), cpuidFilename)
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open CPUID file for CPU %d: %w", cpu, &os.PathError{Op: "open", Path: path, Err: err})
	}
	return &cpuidDevice{cpu: cpu, fd: fd}, nil
}

func (d *cpuidDevice) CPUID(leaf, subleaf uint32) (CPUIDRegs, error) {
	buf := make([]byte, cpuidRegSize)
	offset := int64(uint64(subleaf)<<32 | uint64(leaf))
	n, err := unix.Pread(d.fd, buf, offset)
	if err != nil {
		return CPUIDRegs{}, fmt.Errorf("failed to read CPUID leaf %#x.%d of CPU %d: %w", leaf, subleaf, d.cpu, err)
	}
	if n != cpuidRegSize {
		return CPUIDRegs{}, fmt.Errorf("short read of CPUID leaf %#x.%d of CPU %d: %d bytes", leaf, subleaf, d.cpu, n)
	}
	return CPUIDRegs{
		EAX: binary.LittleEndian.Uint32(buf[0:]),
		EBX: binary.LittleEndian.Uint32(buf[4:]),
		ECX: binary.LittleEndian.Uint32(buf[8:]),
		EDX: binary.LittleEndian.Uint32(buf[12:]),
	}, nil
}

func (d *cpuidDevice) close() error {
	return unix.Close(d.fd)
}

type tscCounter struct {
	dev MSRDevice
}

func (t tscCounter) Cycles() (uint64, error) {
	return t.dev.ReadMSR(msrTimeStampCounter)
}

// affinityMasker is the user space stand-in for masking interrupts: the calling
// goroutine is wired to its OS thread and the thread pinned to the engine CPU, so
// the scheduler cannot move the measurement elsewhere.
type affinityMasker struct {
	cpu uint
}

func (m *affinityMasker) Mask() (MaskToken, error) {
	runtime.LockOSThread()
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("failed to read thread affinity: %w", err)
	}
	var pinned unix.CPUSet
	pinned.Set(int(m.cpu))
	if err := unix.SchedSetaffinity(0, &pinned); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("failed to pin thread to CPU %d: %w", m.cpu, err)
	}
	return prev, nil
}

func (m *affinityMasker) Unmask(token MaskToken) error {
	defer runtime.UnlockOSThread()
	prev, ok := token.(unix.CPUSet)
	if !ok {
		return fmt.Errorf("unexpected mask token %T", token)
	}
	if err := unix.SchedSetaffinity(0, &prev); err != nil {
		return fmt.Errorf("failed to restore thread affinity: %w", err)
	}
	return nil
}
