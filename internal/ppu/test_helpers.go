package ppu

// Test helper methods for PPU testing

// SetFrameBufferForTesting sets a frame buffer for testing purposes
func (p *PPU) SetFrameBufferForTesting(frameBuffer [256 * 240]uint32) {
	p.frameBuffer = frameBuffer
}

// advanceTo steps the PPU forward until it reaches the given scanline and
// cycle, priming the fetch/shift pipeline through Step() rather than
// teleporting scanline/cycle directly. Tests use this so shift registers,
// sprite fetches and loopy copies are populated the way real timing would
// populate them.
func (p *PPU) advanceTo(scanline, cycle int) {
	for i := 0; i < 341*262*2; i++ {
		if p.scanline == scanline && p.cycle == cycle {
			return
		}
		p.Step()
	}
}