package slotwait

// EpochForSlot returns the epoch for the given slot.
func EpochForSlot(slot uint64, epochLen uint64) uint64 {
	return slot / epochLen
}

// EpochLimits returns the start and stop slots for the given epoch (inclusive).
func EpochLimits(epoch uint64, epochLen uint64) (uint64, uint64) {
	epochStart := epoch * epochLen
	epochStop := epochStart + epochLen - 1
	return epochStart, epochStop
}

// SlotsRemainingInEpoch returns how many slots are left in the epoch of the given slot,
// counting the slot itself. The last slot of an epoch has 1 remaining.
func SlotsRemainingInEpoch(slot uint64, epochLen uint64) uint64 {
	return epochLen - (slot % epochLen)
}

// IsLastSlotOfEpoch returns true if the slot is the last one before an epoch boundary.
func IsLastSlotOfEpoch(slot uint64, epochLen uint64) bool {
	return SlotsRemainingInEpoch(slot, epochLen) == 1
}
