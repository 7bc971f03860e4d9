package cartridge

// Mapper004 implements an MMC3-like board (iNES mapper 4): eight bank
// registers loaded through an even/odd address pair at $8000/$8001,
// dynamic mirroring and PRG-RAM protect at $A000/$A001, and a scanline
// IRQ counter clocked by CHR address bit 12 rising edges, controlled
// through $C000-$FFFF.
type Mapper004 struct {
	cart *Cartridge

	bankSelect uint8
	bankData   [8]uint8

	prgRAMEnable  bool
	prgRAMProtect bool

	irqLatch   uint8
	irqCounter uint8
	irqEnable  bool
	irqReload  bool
	irqPending bool

	lastA12    bool
	prgBanks8k int
	chrBanks1k int
}

func NewMapper004(cart *Cartridge) *Mapper004 {
	m := &Mapper004{
		cart:       cart,
		prgBanks8k: len(cart.prgROM) / 0x2000,
		chrBanks1k: len(cart.chrROM) / 0x0400,
	}
	if m.prgBanks8k == 0 {
		m.prgBanks8k = 1
	}
	if m.chrBanks1k == 0 {
		m.chrBanks1k = 1
	}
	return m
}

func (m *Mapper004) ReadPRG(address uint16) uint8 {
	if address >= 0x6000 && address < 0x8000 {
		return m.cart.sram[address-0x6000]
	}
	if address < 0x8000 {
		return 0
	}
	bank := m.prgBank(address)
	idx := bank*0x2000 + int(address)%0x2000
	if idx < 0 || idx >= len(m.cart.prgROM) {
		return 0
	}
	return m.cart.prgROM[idx]
}

// prgBank resolves which 8KB PRG bank covers address, honoring the
// bank-select PRG inversion bit (bit 6): normally $8000/$A000 are
// switchable and $C000 is fixed to the second-to-last bank, inverted
// swaps $8000 and $C000.
func (m *Mapper004) prgBank(address uint16) int {
	last := m.prgBanks8k - 1
	secondLast := last - 1
	if secondLast < 0 {
		secondLast = 0
	}
	r6 := int(m.bankData[6]) % m.prgBanks8k
	r7 := int(m.bankData[7]) % m.prgBanks8k
	invert := m.bankSelect&0x40 != 0

	switch {
	case address < 0xA000:
		if invert {
			return secondLast
		}
		return r6
	case address < 0xC000:
		return r7
	case address < 0xE000:
		if invert {
			return r6
		}
		return secondLast
	default:
		return last
	}
}

func (m *Mapper004) WritePRG(address uint16, value uint8) {
	if address >= 0x6000 && address < 0x8000 {
		if !m.prgRAMProtect {
			m.cart.sram[address-0x6000] = value
		}
		return
	}
	if address < 0x8000 {
		return
	}

	even := address%2 == 0
	switch {
	case address < 0xA000:
		if even {
			m.bankSelect = value
		} else {
			m.bankData[m.bankSelect&0x07] = value
		}
	case address < 0xC000:
		if even {
			if value&0x01 != 0 {
				m.cart.SetMirroring(MirrorHorizontal)
			} else {
				m.cart.SetMirroring(MirrorVertical)
			}
		} else {
			m.prgRAMEnable = value&0x80 != 0
			m.prgRAMProtect = value&0x40 != 0
		}
	case address < 0xE000:
		if even {
			m.irqLatch = value
		} else {
			m.irqReload = true
		}
	default:
		if even {
			m.irqEnable = false
			m.irqPending = false
		} else {
			m.irqEnable = true
		}
	}
}

// chrBank resolves which 1KB CHR bank covers a PPU address, honoring the
// bank-select CHR inversion bit (bit 7) that swaps the 2KB and 1KB regions.
func (m *Mapper004) chrBank(address uint16) (bank int, offset int) {
	invert := m.bankSelect&0x80 != 0
	region := address
	if invert {
		region ^= 0x1000
	}
	r := func(i int) int { return int(m.bankData[i]) % m.chrBanks1k }

	switch {
	case region < 0x0800:
		return r(0) &^ 1, int(region) % 0x0400
	case region < 0x1000:
		return r(1) &^ 1, int(region-0x0800) % 0x0400
	case region < 0x1400:
		return r(2), int(region - 0x1000)
	case region < 0x1800:
		return r(3), int(region - 0x1400)
	case region < 0x1C00:
		return r(4), int(region - 0x1800)
	default:
		return r(5), int(region - 0x1C00)
	}
}

func (m *Mapper004) ReadCHR(address uint16) uint8 {
	m.clockA12(address)
	bank, offset := m.chrBank(address)
	idx := bank*0x0400 + offset
	if idx < 0 || idx >= len(m.cart.chrROM) {
		return 0
	}
	return m.cart.chrROM[idx]
}

func (m *Mapper004) WriteCHR(address uint16, value uint8) {
	m.clockA12(address)
	if !m.cart.hasCHRRAM {
		return
	}
	bank, offset := m.chrBank(address)
	idx := bank*0x0400 + offset
	if idx >= 0 && idx < len(m.cart.chrROM) {
		m.cart.chrROM[idx] = value
	}
}

// clockA12 decrements the scanline counter on a rising edge of PPU
// address bit 12, the real MMC3's IRQ clock source.
func (m *Mapper004) clockA12(address uint16) {
	a12 := address&0x1000 != 0
	if a12 && !m.lastA12 {
		m.tickIRQCounter()
	}
	m.lastA12 = a12
}

func (m *Mapper004) tickIRQCounter() {
	if m.irqCounter == 0 || m.irqReload {
		m.irqCounter = m.irqLatch
		m.irqReload = false
	} else {
		m.irqCounter--
	}
	if m.irqCounter == 0 && m.irqEnable {
		m.irqPending = true
	}
}

func (m *Mapper004) IRQPending() bool {
	return m.irqPending
}

func (m *Mapper004) ClearIRQ() {
	m.irqPending = false
}
