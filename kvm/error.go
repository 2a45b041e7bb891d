package kvm

import (
	"errors"
	"strconv"
)

var (
	// ErrUnexpectedExitReason is any error that we do not understand.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrDebug is a debug exit, caused by single step or breakpoint.
	ErrDebug = errors.New("debug exit")
)

// ExitType is a virtual machine exit type.
//
//go:generate stringer -type=ExitType
type ExitType uint

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitTypeNames = map[ExitType]string{
	EXITUNKNOWN:       "UNKNOWN",
	EXITEXCEPTION:     "EXCEPTION",
	EXITIO:            "IO",
	EXITHYPERCALL:     "HYPERCALL",
	EXITDEBUG:         "DEBUG",
	EXITHLT:           "HLT",
	EXITMMIO:          "MMIO",
	EXITIRQWINDOWOPEN: "IRQ_WINDOW_OPEN",
	EXITSHUTDOWN:      "SHUTDOWN",
	EXITFAILENTRY:     "FAIL_ENTRY",
	EXITINTR:          "INTR",
	EXITSETTPR:        "SET_TPR",
	EXITTPRACCESS:     "TPR_ACCESS",
	EXITS390SIEIC:     "S390_SIEIC",
	EXITS390RESET:     "S390_RESET",
	EXITDCR:           "DCR",
	EXITNMI:           "NMI",
	EXITINTERNALERROR: "INTERNAL_ERROR",
}

func (e ExitType) String() string {
	if name, ok := exitTypeNames[e]; ok {
		return name
	}

	return "EXIT(" + strconv.FormatUint(uint64(e), 10) + ")"
}
