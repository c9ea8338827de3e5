package swd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Cortex DPIDR values observed during connection
const (
	IdCodeCortexM0  uint32 = 0x0BC12477
	IdCodeCortexM3  uint32 = 0x1BA01477
	IdCodeCortexM4  uint32 = 0x2BA01477
	IdCodeCortexM33 uint32 = 0x4C013477
)

// STM32 identification registers
const (
	stmDbgMcuIdCodeAddr uint32 = 0xE0042000

	stmF4UniqueIdAddr  uint32 = 0x1FFF7A10
	stmF4FlashSizeAddr uint32 = 0x1FFF7A20 // size in upper 16 bits
	stmF1UniqueIdAddr  uint32 = 0x1FFFF7E8
	stmF1FlashSizeAddr uint32 = 0x1FFFF7E0
)

// RP2040 identification
const (
	rp2040ChipIdAddr uint32 = 0x40000000
	rp2040ChipId     uint32 = 0x10002927
	rp2040CpuIdAddr  uint32 = 0xE000ED00
	rp2040CpuId      uint32 = 0x410CC601
)

const (
	stmFlashBase    uint32 = 0x08000000
	armRamBase      uint32 = 0x20000000
	rp2040FlashBase uint32 = 0x10000000
)

// MCU families the identification step can report
const (
	FamilyStm32F1 = "STM32F1"
	FamilyStm32F4 = "STM32F4"
	FamilyRp2040  = "RP2040"
	FamilyUnknown = "Unknown"
)

type stmLine struct {
	family string
	line   string
}

// DBGMCU_IDCODE device ids for the supported STM32 lines
var stmDeviceIds = map[uint16]stmLine{
	0x410: {FamilyStm32F1, "F103 medium-density"},
	0x412: {FamilyStm32F1, "F103 low-density"},
	0x414: {FamilyStm32F1, "F103 high-density"},
	0x430: {FamilyStm32F1, "F103 XL-density"},
	0x411: {FamilyStm32F4, "F405/F407/F415/F417 (early)"},
	0x413: {FamilyStm32F4, "F405/F407/F415/F417"},
	0x419: {FamilyStm32F4, "F42x/F43x"},
	0x421: {FamilyStm32F4, "F446"},
	0x423: {FamilyStm32F4, "F401xB/C"},
	0x431: {FamilyStm32F4, "F411"},
	0x433: {FamilyStm32F4, "F401xD/E"},
	0x441: {FamilyStm32F4, "F412"},
	0x458: {FamilyStm32F4, "F410"},
	0x463: {FamilyStm32F4, "F413/F423"},
}

var stmRevisions = map[uint16]string{
	0x1000: "A",
	0x1001: "Z",
	0x1003: "Y",
	0x1007: "1",
	0x2001: "3",
	0x2003: "X",
}

// Mcu describes an identified target MCU. The supervisor caches one per
// connection and drops it on any disconnect.
type Mcu struct {
	IDCode      uint32
	Family      string
	Line        string
	DeviceID    uint16
	Revision    string
	FlashSizeKB uint16
	UniqueID    *[3]uint32
	FlashBase   uint32
	RamBase     uint32
}

func (m *Mcu) String() string {
	if m == nil {
		return "no MCU"
	}
	if m.Family == FamilyUnknown {
		return fmt.Sprintf("unknown MCU (IDCODE 0x%08X)", m.IDCode)
	}
	return fmt.Sprintf("%s %s (IDCODE 0x%08X)", m.Family, m.Line, m.IDCode)
}

// identifyMcu reads the family specific identification registers for the
// connected target. Unknown targets are not an error. An unrecognised
// IDCODE is reported with family Unknown and no memory map; a Cortex-M3/M4
// with an unrecognised STM32 device id is reported with family Unknown and
// the STM32 flash and RAM bases.
func (i *Interface) identifyMcu(idcode uint32) (*Mcu, error) {
	switch idcode {
	case IdCodeCortexM3, IdCodeCortexM4:
		return i.identifyStm32(idcode)
	case IdCodeCortexM0:
		return i.identifyRp2040(idcode)
	default:
		log.Debugf("[SWD] no identification support for IDCODE 0x%08X", idcode)
		return &Mcu{IDCode: idcode, Family: FamilyUnknown}, nil
	}
}

func (i *Interface) identifyStm32(idcode uint32) (*Mcu, error) {
	raw, err := i.ReadMem(stmDbgMcuIdCodeAddr)
	if err != nil {
		return nil, err
	}
	deviceId := uint16(raw & 0xFFF)
	revision := stmRevisions[uint16(raw>>16)]

	mcu := &Mcu{
		IDCode:    idcode,
		Family:    FamilyUnknown,
		DeviceID:  deviceId,
		Revision:  revision,
		FlashBase: stmFlashBase,
		RamBase:   armRamBase,
	}
	line, ok := stmDeviceIds[deviceId]
	if !ok {
		log.Warnf("[SWD] unknown STM32 device id 0x%03X", deviceId)
		return mcu, nil
	}
	mcu.Family = line.family
	mcu.Line = line.line

	uidAddr := stmF4UniqueIdAddr
	sizeAddr := stmF4FlashSizeAddr
	if line.family == FamilyStm32F1 {
		uidAddr = stmF1UniqueIdAddr
		sizeAddr = stmF1FlashSizeAddr
	}

	var uid [3]uint32
	for n := range uid {
		uid[n], err = i.ReadMem(uidAddr + uint32(n)*4)
		if err != nil {
			return nil, err
		}
	}
	mcu.UniqueID = &uid

	sizeRaw, err := i.ReadMem(sizeAddr)
	if err != nil {
		return nil, err
	}
	if line.family == FamilyStm32F4 {
		mcu.FlashSizeKB = uint16(sizeRaw >> 16)
	} else {
		mcu.FlashSizeKB = uint16(sizeRaw)
	}
	return mcu, nil
}

func (i *Interface) identifyRp2040(idcode uint32) (*Mcu, error) {
	chipId, err := i.ReadMem(rp2040ChipIdAddr)
	if err != nil {
		return nil, err
	}
	cpuId, err := i.ReadMem(rp2040CpuIdAddr)
	if err != nil {
		return nil, err
	}
	if chipId&0x0FFFFFFF != rp2040ChipId&0x0FFFFFFF || cpuId != rp2040CpuId {
		log.Debugf("[SWD] M0 core but not an RP2040 : chip 0x%08X cpu 0x%08X", chipId, cpuId)
		return &Mcu{IDCode: idcode, Family: FamilyUnknown}, nil
	}
	return &Mcu{
		IDCode:    idcode,
		Family:    FamilyRp2040,
		Line:      "RP2040",
		FlashBase: rp2040FlashBase,
		RamBase:   armRamBase,
	}, nil
}
