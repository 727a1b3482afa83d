package ptp

// OpCode is a PTP/MTP operation code (spec §6).
type OpCode uint16

const (
	OpGetDeviceInfo     OpCode = 0x1001
	OpOpenSession       OpCode = 0x1002
	OpCloseSession      OpCode = 0x1003
	OpGetStorageIDs     OpCode = 0x1004
	OpGetStorageInfo    OpCode = 0x1005
	OpGetObjectHandles  OpCode = 0x1007
	OpGetObjectInfo     OpCode = 0x1008
	OpGetObject         OpCode = 0x1009
	OpDeleteObject      OpCode = 0x100B
	OpSendObjectInfo    OpCode = 0x100C
	OpSendObject        OpCode = 0x100D
	OpResetDevice       OpCode = 0x1010
	OpMoveObject        OpCode = 0x1019
	OpGetPartialObject  OpCode = 0x101B
	OpGetObjectPropList OpCode = 0x9805
	OpGetObjectPropValue OpCode = 0x9806
	OpSendPartialObject OpCode = 0x95C1
	OpGetPartialObject64 OpCode = 0x95C4
	OpSendObjectPropList OpCode = 0x9808
)

// PropCode is an MTP object property code used in GetObjectPropList /
// SendObjectPropList / GetObjectPropValue.
type PropCode uint16

const (
	PropStorageID      PropCode = 0xDC01
	PropObjectFormat   PropCode = 0xDC02
	PropParentObject   PropCode = 0xDC0B
	PropObjectFileName PropCode = 0xDC07
	PropObjectSize     PropCode = 0xDC04
	PropDateModified   PropCode = 0xDC09
)

// AssociationType values for SendObjectInfo folder creation.
const (
	AssociationGenericFolder uint16 = 0x0001
)

// Object format codes relevant to folder creation and the
// format-undefined retry rung.
const (
	FormatAssociation    uint16 = 0x3001
	FormatUndefined      uint16 = 0x3000
)
