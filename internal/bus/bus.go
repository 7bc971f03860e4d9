// Package bus wires the CPU, PPU, APU, memory, and input subsystems
// together and drives the CPU-instruction/PPU-dot timing relationship
// that makes them behave as one machine.
package bus

import (
	"fmt"

	"gones/internal/apu"
	"gones/internal/cartridge"
	"gones/internal/cpu"
	"gones/internal/input"
	"gones/internal/memory"
	"gones/internal/ppu"
)

// warningBacklog bounds the number of pending warnings Bus retains before
// dropping the oldest; a host that never drains Warnings() must not leak.
const warningBacklog = 64

// Bus connects all NES components together and owns their shared timing.
type Bus struct {
	CPU    *cpu.CPU
	PPU    *ppu.PPU
	APU    *apu.APU
	Memory *memory.Memory
	Input  *input.InputState

	totalCycles uint64
	cpuCycles   uint64
	ppuCycles   uint64
	frameCount  uint64

	dmaSuspendCycles uint64
	dmaInProgress    bool
	nmiPending       bool

	cyclesPerFrame uint64
	oddFrame       bool

	executionLog   []BusExecutionEvent
	loggingEnabled bool

	memoryWatchpoints map[uint16]uint8
	watchpointLogging bool

	warnings chan string

	// irqSource and ppuMemory are non-nil only when the loaded cartridge is
	// a real *cartridge.Cartridge (mock cartridges used in tests skip this
	// wiring), letting Step poll mapper-driven IRQs (MMC3) and mirroring
	// changes (MMC1) without a type assertion on every instruction.
	irqSource  cartridge.IRQSource
	ppuMemory  *memory.PPUMemory
	mirrorCart *cartridge.Cartridge
	lastMirror cartridge.MirrorMode
}

// New creates a system bus with all components wired together, ready to
// accept a cartridge via LoadCartridge.
func New() *Bus {
	bus := &Bus{
		PPU:   ppu.New(),
		APU:   apu.New(),
		Input: input.NewInputState(),

		cyclesPerFrame: 89342,

		memoryWatchpoints: make(map[uint16]uint8),
		warnings:          make(chan string, warningBacklog),
	}

	bus.Memory = memory.New(bus.PPU, bus.APU, nil)
	bus.Memory.SetInputSystem(bus.Input)
	bus.CPU = cpu.New(bus.Memory)

	bus.PPU.SetNMICallback(bus.triggerNMI)
	bus.PPU.SetFrameCompleteCallback(bus.handleFrameComplete)
	bus.Memory.SetDMACallback(bus.TriggerOAMDMA)

	bus.Reset()

	return bus
}

// Reset returns all components to their power-up/reset state.
func (b *Bus) Reset() {
	b.CPU.Reset()
	b.PPU.Reset()
	b.APU.Reset()
	b.Input.Reset()

	b.totalCycles = 0
	b.cpuCycles = 0
	b.ppuCycles = 0
	b.frameCount = 0
	b.dmaSuspendCycles = 0
	b.dmaInProgress = false
	b.nmiPending = false
	b.oddFrame = false

	b.PPU.SetFrameCount(0)

	b.executionLog = make([]BusExecutionEvent, 0)
	b.loggingEnabled = false

	b.memoryWatchpoints = make(map[uint16]uint8)
	b.watchpointLogging = false
}

// triggerNMI latches a pending NMI, raised by the PPU on VBlank entry
// while NMI generation is enabled. The CPU is not informed directly;
// Step() delivers it before the next instruction fetch.
func (b *Bus) triggerNMI() {
	b.nmiPending = true
}

// handleFrameComplete synchronizes bus-level frame bookkeeping with the
// PPU's own frame counter once a frame finishes rendering.
func (b *Bus) handleFrameComplete() {
	b.frameCount = b.PPU.GetFrameCount()
}

// warn records a host-visible warning without blocking; once the backlog
// is full the oldest warning is dropped to make room.
func (b *Bus) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	select {
	case b.warnings <- msg:
	default:
		select {
		case <-b.warnings:
		default:
		}
		select {
		case b.warnings <- msg:
		default:
		}
	}
}

// Warnings returns the channel of host-visible warnings (an OAM DMA
// triggered while one is in progress, watchpoint value changes).
func (b *Bus) Warnings() <-chan string {
	return b.warnings
}

// Step executes exactly one CPU instruction (or one cycle of DMA
// suspension) and advances the PPU and APU by the matching number of
// cycles, maintaining the fixed 3 PPU-cycles-per-CPU-cycle ratio.
func (b *Bus) Step() {
	var cpuCycles uint64

	preFrameCount := b.frameCount
	prePC := b.CPU.PC
	var preOpcode uint8
	if b.Memory != nil {
		preOpcode = b.Memory.Read(prePC)
	}

	if b.dmaSuspendCycles > 0 {
		cpuCycles = 1
		b.dmaSuspendCycles--
		if b.dmaSuspendCycles == 0 {
			b.dmaInProgress = false
		}
	} else {
		if b.nmiPending {
			b.CPU.NMI()
			b.nmiPending = false
		}
		cpuCycles = b.CPU.Step()
	}

	ppuCyclesToRun := cpuCycles * 3
	for i := uint64(0); i < ppuCyclesToRun; i++ {
		b.PPU.Step()
		b.ppuCycles++
	}

	for i := uint64(0); i < cpuCycles; i++ {
		b.APU.Step()
	}

	b.cpuCycles += cpuCycles
	b.totalCycles += cpuCycles

	if b.mirrorCart != nil {
		if mode := b.mirrorCart.GetMirrorMode(); mode != b.lastMirror {
			b.lastMirror = mode
			b.ppuMemory.SetMirroring(convertMirrorMode(mode))
		}
	}

	if b.irqSource != nil && b.irqSource.IRQPending() {
		b.CPU.IRQ()
	}

	if b.watchpointLogging {
		b.CheckMemoryWatchpoints()
	}

	if b.loggingEnabled {
		event := BusExecutionEvent{
			StepNumber:    len(b.executionLog) + 1,
			CPUCycles:     b.cpuCycles,
			PPUCycles:     b.cpuCycles * 3,
			FrameCount:    b.frameCount,
			DMAActive:     b.dmaInProgress,
			NMIProcessed:  b.frameCount > preFrameCount,
			PCValue:       prePC,
			InstructionOp: preOpcode,
		}
		b.executionLog = append(b.executionLog, event)
	}
}

// TriggerOAMDMA performs a 256-byte OAM DMA transfer from the given CPU
// page and suspends the CPU for the appropriate number of cycles.
func (b *Bus) TriggerOAMDMA(sourcePage uint8) {
	if b.dmaInProgress {
		b.warn("OAM DMA triggered while a transfer was already in progress")
		return
	}

	dmaCycles := uint64(513)
	if b.cpuCycles%2 == 1 {
		dmaCycles = 514
	}

	b.dmaInProgress = true
	b.dmaSuspendCycles = dmaCycles

	sourceAddress := uint16(sourcePage) << 8
	for i := 0; i < 256; i++ {
		data := b.Memory.Read(sourceAddress + uint16(i))
		b.PPU.WriteOAM(uint8(i), data)
	}
}

// convertMirrorMode translates the cartridge package's mirroring enum into
// the memory package's, since PPUMemory is decoupled from cartridge types.
func convertMirrorMode(mode cartridge.MirrorMode) memory.MirrorMode {
	switch mode {
	case cartridge.MirrorVertical:
		return memory.MirrorVertical
	case cartridge.MirrorSingleScreen0:
		return memory.MirrorSingleScreen0
	case cartridge.MirrorSingleScreen1:
		return memory.MirrorSingleScreen1
	case cartridge.MirrorFourScreen:
		return memory.MirrorFourScreen
	default:
		return memory.MirrorHorizontal
	}
}

// LoadCartridge installs a cartridge, rebuilding the memory and CPU views
// that depend on it, then resets the CPU to fetch from the reset vector.
func (b *Bus) LoadCartridge(cart memory.CartridgeInterface) {
	b.Memory = memory.New(b.PPU, b.APU, cart)
	b.Memory.SetInputSystem(b.Input)
	b.CPU = cpu.New(b.Memory)

	mirrorMode := memory.MirrorHorizontal
	if c, ok := cart.(*cartridge.Cartridge); ok {
		mirrorMode = convertMirrorMode(c.GetMirrorMode())
	}

	ppuMemory := memory.NewPPUMemory(cart, mirrorMode)
	b.PPU.SetMemory(ppuMemory)
	b.ppuMemory = ppuMemory

	b.irqSource = nil
	b.mirrorCart = nil
	if c, ok := cart.(*cartridge.Cartridge); ok {
		b.mirrorCart = c
		b.lastMirror = c.GetMirrorMode()
		b.irqSource = c
	}

	b.PPU.SetNMICallback(b.triggerNMI)
	b.Memory.SetDMACallback(b.TriggerOAMDMA)

	b.CPU.Reset()
}

// Run runs the emulator for a number of frames.
func (b *Bus) Run(frames int) {
	targetFrames := b.frameCount + uint64(frames)
	for b.frameCount < targetFrames {
		b.Step()
	}
}

// RunCycles runs the emulator for a number of CPU cycles.
func (b *Bus) RunCycles(cycles uint64) {
	targetCycles := b.cpuCycles + cycles
	for b.cpuCycles < targetCycles {
		b.Step()
	}
}

// GetFrameRate returns the nominal NTSC frame rate.
func (b *Bus) GetFrameRate() float64 {
	cpuFrequency := 1789773.0
	cpuCyclesPerFrame := cpuFrequency / 60.098803
	return cpuFrequency / cpuCyclesPerFrame
}

// GetFrameBuffer returns the current PPU frame buffer.
func (b *Bus) GetFrameBuffer() []uint32 {
	frameBuffer := b.PPU.GetFrameBuffer()
	return frameBuffer[:]
}

// GetAudioSamples returns pending audio samples from the APU.
func (b *Bus) GetAudioSamples() []int16 {
	return b.APU.Samples()
}

// SetAudioSampleRate sets the APU's target output sample rate.
func (b *Bus) SetAudioSampleRate(rate int) {
	b.APU.SetSampleRate(rate)
}

// GetCycleCount returns the current CPU cycle count.
func (b *Bus) GetCycleCount() uint64 {
	return b.cpuCycles
}

// GetFrameCount returns the current frame count.
func (b *Bus) GetFrameCount() uint64 {
	return b.frameCount
}

// IsDMAInProgress reports whether an OAM DMA transfer is suspending the CPU.
func (b *Bus) IsDMAInProgress() bool {
	return b.dmaInProgress
}

func (b *Bus) isRenderingEnabled() bool {
	mask := b.PPU.ReadRegister(0x2001)
	return (mask & 0x18) != 0
}

// SetControllerButton sets a single button's pressed state on a controller.
func (b *Bus) SetControllerButton(controller int, button input.Button, pressed bool) {
	switch controller {
	case 0, 1:
		b.Input.Controller1.SetButton(button, pressed)
	case 2:
		b.Input.Controller2.SetButton(button, pressed)
	}
}

// SetControllerButtons sets all eight button states on a controller at once.
func (b *Bus) SetControllerButtons(controller int, buttons [8]bool) {
	switch controller {
	case 0, 1:
		b.Input.SetButtons1(buttons)
	case 2:
		b.Input.SetButtons2(buttons)
	}
}

// GetInputState returns the input state for direct access.
func (b *Bus) GetInputState() *input.InputState {
	return b.Input
}

// Frame runs one complete NTSC frame's worth of CPU cycles.
func (b *Bus) Frame() {
	targetCycles := b.cpuCycles + 29781
	for b.cpuCycles < targetCycles {
		b.Step()
	}
}

// GetExecutionLog returns the recorded per-step execution trace, when
// execution logging is enabled.
func (b *Bus) GetExecutionLog() []BusExecutionEvent {
	return b.executionLog
}

// EnableExecutionLogging turns on per-step execution tracing, used by
// timing tests to inspect cycle relationships after the fact.
func (b *Bus) EnableExecutionLogging() {
	b.loggingEnabled = true
}

// DisableExecutionLogging turns off per-step execution tracing.
func (b *Bus) DisableExecutionLogging() {
	b.loggingEnabled = false
}

// ClearExecutionLog discards any recorded execution trace.
func (b *Bus) ClearExecutionLog() {
	b.executionLog = make([]BusExecutionEvent, 0)
}

// BusExecutionEvent captures the observable state after a single Step().
type BusExecutionEvent struct {
	StepNumber    int
	CPUCycles     uint64
	PPUCycles     uint64
	FrameCount    uint64
	DMAActive     bool
	NMIProcessed  bool
	PCValue       uint16
	InstructionOp uint8
}

// GetCPUState returns a snapshot of CPU registers and flags.
func (b *Bus) GetCPUState() CPUState {
	return CPUState{
		PC:     b.CPU.PC,
		A:      b.CPU.A,
		X:      b.CPU.X,
		Y:      b.CPU.Y,
		SP:     b.CPU.SP,
		Cycles: b.cpuCycles,
		Flags: CPUFlags{
			N: b.CPU.N,
			V: b.CPU.V,
			B: b.CPU.B,
			D: b.CPU.D,
			I: b.CPU.I,
			Z: b.CPU.Z,
			C: b.CPU.C,
		},
	}
}

// CPUState is a point-in-time snapshot of the CPU, used by tests and
// debugging tools.
type CPUState struct {
	PC      uint16
	A, X, Y uint8
	SP      uint8
	Cycles  uint64
	Flags   CPUFlags
}

// CPUFlags mirrors the CPU's status register bits.
type CPUFlags struct {
	N, V, B, D, I, Z, C bool
}

// GetPPUState returns a snapshot of PPU timing and status.
func (b *Bus) GetPPUState() PPUState {
	scanline := int((b.ppuCycles % b.cyclesPerFrame) / 341)
	cycle := int((b.ppuCycles % b.cyclesPerFrame) % 341)

	return PPUState{
		Scanline:    scanline,
		Cycle:       cycle,
		FrameCount:  b.frameCount,
		VBlankFlag:  (b.PPU.ReadRegister(0x2002) & 0x80) != 0,
		RenderingOn: b.isRenderingEnabled(),
		NMIEnabled:  b.PPU.NMIEnabled(),
	}
}

// GetPPUMask returns the current PPUMASK register value so display
// post-processing can honor the grayscale and color emphasis bits.
func (b *Bus) GetPPUMask() uint8 {
	return b.PPU.Mask()
}

// PPUState is a point-in-time snapshot of the PPU, used by tests and
// debugging tools.
type PPUState struct {
	Scanline    int
	Cycle       int
	FrameCount  uint64
	VBlankFlag  bool
	RenderingOn bool
	NMIEnabled  bool
}

// AddMemoryWatchpoint records the current value at address so future
// changes can be reported via CheckMemoryWatchpoints.
func (b *Bus) AddMemoryWatchpoint(address uint16) {
	if b.Memory != nil {
		b.memoryWatchpoints[address] = b.Memory.Read(address)
	}
}

// EnableWatchpointLogging turns per-step watchpoint change detection on
// or off.
func (b *Bus) EnableWatchpointLogging(enabled bool) {
	b.watchpointLogging = enabled
}

// CheckMemoryWatchpoints reports (via the warning channel) any watched
// address whose value has changed since it was added or last checked.
func (b *Bus) CheckMemoryWatchpoints() {
	if !b.watchpointLogging || b.Memory == nil {
		return
	}

	for address, previousValue := range b.memoryWatchpoints {
		currentValue := b.Memory.Read(address)
		if currentValue != previousValue {
			b.warn("watchpoint $%04X changed from $%02X to $%02X", address, previousValue, currentValue)
			b.memoryWatchpoints[address] = currentValue
		}
	}
}
