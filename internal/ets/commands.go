package ets

import "fmt"

// ETS command codes understood by KBLS firmware.
const (
	CmdWatchdogTest         byte = 0x10
	CmdCodeVersion          byte = 0x11
	CmdA2DBatchRead         byte = 0x1B
	CmdGPIOPortInput        byte = 0x1E
	CmdGPIOPinInput         byte = 0x1F
	CmdMonitor              byte = 0x33
	CmdMonitor1             byte = 0x34
	CmdGetPhaseIAD          byte = 0x35
	CmdUserMonitor1         byte = 0x3A
	CmdUserMonitor2         byte = 0x3B
	CmdUserMonitor3         byte = 0x3C
	CmdQuitIdentify         byte = 0x42
	CmdEntryIdentify        byte = 0x43
	CmdCheckIdentifyStatus  byte = 0x44
	CmdGetPMSMParm          byte = 0x4B
	CmdWritePMSMParm        byte = 0x4C
	CmdGetResolverInitAngle byte = 0x4D
	CmdGetHallSequence      byte = 0x4E

	CmdEraseFlash       byte = 0xB1
	CmdBurntFlash       byte = 0xB2
	CmdBurntChecksum    byte = 0xB3
	CmdBurntReset       byte = 0xB4
	CmdInvalidCommand   byte = 0xE3
	CmdFlashOpen        byte = 0xF1
	CmdFlashRead        byte = 0xF2
	CmdFlashWrite       byte = 0xF3
	CmdFlashClose       byte = 0xF4
	CmdFlashInfoVersion byte = 0xFA
)

var commandNames = map[byte]string{
	CmdWatchdogTest:         "WATCHDOG_TEST",
	CmdCodeVersion:          "CODE_VERSION",
	CmdA2DBatchRead:         "A2D_BATCH_READ",
	CmdGPIOPortInput:        "GPIO_PORT_INPUT",
	CmdGPIOPinInput:         "GPIO_PIN_INPUT",
	CmdMonitor:              "MONITOR",
	CmdMonitor1:             "MONITOR1",
	CmdGetPhaseIAD:          "GET_PHASE_I_AD",
	CmdUserMonitor1:         "USER_MONITOR1",
	CmdUserMonitor2:         "USER_MONITOR2",
	CmdUserMonitor3:         "USER_MONITOR3",
	CmdQuitIdentify:         "QUIT_IDENTIFY",
	CmdEntryIdentify:        "ENTRY_IDENTIFY",
	CmdCheckIdentifyStatus:  "CHECK_IDENTIFY_STATUS",
	CmdGetPMSMParm:          "GET_PMSM_PARM",
	CmdWritePMSMParm:        "WRITE_PMSM_PARM",
	CmdGetResolverInitAngle: "GET_RESOLVER_INIT_ANGLE",
	CmdGetHallSequence:      "GET_HALL_SEQUENCE",
	CmdEraseFlash:           "ERASE_FLASH",
	CmdBurntFlash:           "BURNT_FLASH",
	CmdBurntChecksum:        "BURNT_CHECKSUM",
	CmdBurntReset:           "BURNT_RESET",
	CmdInvalidCommand:       "INVALID_COMMAND",
	CmdFlashOpen:            "FLASH_OPEN",
	CmdFlashRead:            "FLASH_READ",
	CmdFlashWrite:           "FLASH_WRITE",
	CmdFlashClose:           "FLASH_CLOSE",
	CmdFlashInfoVersion:     "FLASH_INFO_VERSION",
}

// CommandName returns a human-readable name for a command code, used in logs
// and error messages.
func CommandName(cmd byte) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("CMD_0x%02X", cmd)
}
