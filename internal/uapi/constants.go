// Package uapi provides the wire layouts shared with the pin-buffer and
// NVMe character devices.
package uapi

// ioctl direction bits
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IoWR encodes a read/write ioctl request number
func IoWR(typ, nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, typ, nr, size)
}

// Pin-buffer device ioctls
const (
	PinbufIocMagic = uintptr('N')

	pinNR    = 0x43
	unpinNR  = 0x44
	selectNR = 0x45
	gpuIONR  = 0x4a
)

// Ioctl request numbers
var (
	IoctlPinGPUMemory   = IoWR(PinbufIocMagic, pinNR, PinRecordSize)
	IoctlUnpinGPUMemory = IoWR(PinbufIocMagic, unpinNR, PinRecordSize)
	IoctlSelectMmap     = IoWR(PinbufIocMagic, selectNR, 8)
	IoctlSubmitGPUIO    = IoWR(PinbufIocMagic, gpuIONR, GPUIORecordSize)
)

// NVMe I/O command opcodes
const (
	NVMeCmdFlush   = 0x00
	NVMeCmdWrite   = 0x01
	NVMeCmdRead    = 0x02
	NVMeCmdCompare = 0x05
)

// Record sizes in bytes
const (
	PinRecordSize   = 40
	GPUIORecordSize = 48
	RWCommandSize   = 64
)
