// Package stm32 describes the parts of the STM32F4 memory map that the
// bootloader drives: the flash interface, reset and clock control, the
// system configuration controller and the Cortex-M4 system control block.
package stm32

// Peripheral base addresses.
const (
	FlashR  = 0x40023C00
	RCCBase = 0x40023800
	SYSCFG  = 0x40013800
)

// Flash interface registers.
const (
	FlashACR     = FlashR + 0x00
	FlashKEYR    = FlashR + 0x04
	FlashOPTKEYR = FlashR + 0x08
	FlashSR      = FlashR + 0x0C
	FlashCR      = FlashR + 0x10
	FlashOPTCR   = FlashR + 0x14
	FlashOPTCR1  = FlashR + 0x18
)

// Key sequences for FLASH_KEYR and FLASH_OPTKEYR.
const (
	FlashKey1 = 0x45670123
	FlashKey2 = 0xCDEF89AB

	OptKey1 = 0x08192A3B
	OptKey2 = 0x4C5D6E7F
)

// FLASH_SR bits.
const (
	SREOP    = 1 << 0
	SROPERR  = 1 << 1
	SRWRPERR = 1 << 4
	SRPGAERR = 1 << 5
	SRPGPERR = 1 << 6
	SRPGSERR = 1 << 7
	SRRDERR  = 1 << 8
	SRBSY    = 1 << 16

	// SRErrors covers every sticky error flag.
	SRErrors = SROPERR | SRWRPERR | SRPGAERR | SRPGPERR | SRPGSERR | SRRDERR
)

// FLASH_CR bits.
const (
	CRPG       = 1 << 0
	CRSER      = 1 << 1
	CRMER      = 1 << 2
	CRSNBPos   = 3
	CRSNB      = 0x1F << CRSNBPos
	CRPSIZEPos = 8
	CRPSIZE    = 0x3 << CRPSIZEPos
	CRPSIZEx32 = 0x2 << CRPSIZEPos
	CRMER1     = 1 << 15
	CRSTRT     = 1 << 16
	CRLOCK     = 1 << 31
)

// FLASH_OPTCR and FLASH_OPTCR1 bits.
const (
	OPTCRLock    = 1 << 0
	OPTCRStart   = 1 << 1
	OPTCRnWRPPos = 16
	OPTCRnWRP    = 0xFFF << OPTCRnWRPPos

	// OPTCRReset and OPTCR1Reset are the factory values: no sector
	// protected, read protection level 0, option bytes locked.
	OPTCRReset  = 0x0FFFAAED
	OPTCR1Reset = 0x0FFF0000
)

// SectorsPerBank is the number of sectors whose nWRP bits fit in one
// option control register.
const SectorsPerBank = 12

// RCC registers.
const (
	RCCCR       = RCCBase + 0x00
	RCCPLLCFGR  = RCCBase + 0x04
	RCCCFGR     = RCCBase + 0x08
	RCCAHB1RSTR = RCCBase + 0x10
	RCCAPB2RSTR = RCCBase + 0x24
	RCCAPB2ENR  = RCCBase + 0x44
)

// RCC bits.
const (
	RCCCRHSION    = 1 << 0
	RCCCRHSIRDY   = 1 << 1
	RCCCRHSITRIM4 = 1 << 7
	RCCCRHSEON    = 1 << 16
	RCCCRHSERDY   = 1 << 17
	RCCCRHSEBYP   = 1 << 18
	RCCCRCSSON    = 1 << 19
	RCCCRPLLON    = 1 << 24
	RCCCRPLLRDY   = 1 << 25

	RCCCFGRSWPos  = 0
	RCCCFGRSW     = 0x3 << RCCCFGRSWPos
	RCCCFGRSWSPos = 2
	RCCCFGRSWS    = 0x3 << RCCCFGRSWSPos

	RCCAHB1RSTRGPIOA = 1 << 0
	RCCAHB1RSTRDMA2  = 1 << 22

	RCCAPB2RSTRUSART1 = 1 << 4
	RCCAPB2ENRSYSCFG  = 1 << 14

	// RCCPLLCFGRReset is PLLM=16, PLLN=192, PLLQ=4.
	RCCPLLCFGRReset = 1<<4 | 1<<12 | 1<<13 | 1<<26
)

// SYSCFG memory remap register and modes.
const (
	SYSCFGMEMRMP = SYSCFG + 0x00

	MemModeMask   = 0x3
	MemModeFlash  = 0x0
	MemModeSystem = 0x1
	MemModeSRAM   = 0x3
)

// Cortex-M4 system registers.
const (
	SCBVTOR     = 0xE000ED08
	SysTickCTRL = 0xE000E010
	SysTickLOAD = 0xE000E014
	SysTickVAL  = 0xE000E018
)
