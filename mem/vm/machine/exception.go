package machine

// ExceptionType is what the hardware reports when an access cannot complete.
type ExceptionType int

// The exceptions a memory access can raise.
const (
	NoException ExceptionType = iota
	SyscallException
	PageFaultException
	ReadOnlyException
	BusErrorException
	AddressErrorException
	OverflowException
	IllegalInstrException
)

func (e ExceptionType) String() string {
	switch e {
	case NoException:
		return "NoException"
	case SyscallException:
		return "SyscallException"
	case PageFaultException:
		return "PageFaultException"
	case ReadOnlyException:
		return "ReadOnlyException"
	case BusErrorException:
		return "BusErrorException"
	case AddressErrorException:
		return "AddressErrorException"
	case OverflowException:
		return "OverflowException"
	case IllegalInstrException:
		return "IllegalInstrException"
	default:
		return "UnknownException"
	}
}

// The user registers. The general purpose registers come first.
const (
	StackReg     = 29
	RetAddrReg   = 31
	NumGPRegs    = 32
	HiReg        = 32
	LoReg        = 33
	PCReg        = 34
	NextPCReg    = 35
	PrevPCReg    = 36
	LoadReg      = 37
	LoadValueReg = 38
	BadVAddrReg  = 39
	NumTotalRegs = 40
)

// Registers is the register file of the CPU.
type Registers [NumTotalRegs]int32
